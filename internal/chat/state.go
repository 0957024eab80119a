// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "fmt"

// State is the controller's position in the turn lifecycle.
type State int

const (
	StateEmpty State = iota
	StateAwaitingResponse
	StateHasHistory
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateHasHistory:
		return "has_history"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateEmpty, StateAwaitingResponse, StateHasHistory} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
