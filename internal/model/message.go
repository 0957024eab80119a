// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/jeranaias/vidchat/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is a single entry in a conversation buffer.
//
// Content is what the buffer renders: the model-facing prompt for the model
// buffer, or the user text plus inline media markup for the display buffer.
// Text keeps the raw user input so an empty submission can reuse it.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Pending marks an assistant turn whose generation is still in flight.
	Pending bool `json:"-"`
}

// NewTurn creates a completed turn.
func NewTurn(role Role, content string) *Turn {
	return &Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserTurn creates a user turn that remembers the raw text it came from.
func NewUserTurn(content, text string) *Turn {
	t := NewTurn(RoleUser, content)
	t.Text = text
	return t
}

// NewPendingTurn creates an empty assistant turn awaiting generation.
func NewPendingTurn() *Turn {
	t := NewTurn(RoleAssistant, "")
	t.Pending = true
	return t
}

// Fill completes a pending turn with generated content.
func (t *Turn) Fill(content string) {
	t.Content = content
	t.Pending = false
	t.Timestamp = time.Now()
}

// IsUser reports whether the turn was spoken by the user.
func (t *Turn) IsUser() bool {
	return t.Role == RoleUser
}

// IsAssistant reports whether the turn was spoken by the model.
func (t *Turn) IsAssistant() bool {
	return t.Role == RoleAssistant
}

// RawText returns the raw user input, falling back to Content for turns
// created without one.
func (t *Turn) RawText() string {
	if t.Text != "" {
		return t.Text
	}
	return t.Content
}

// Preview returns a truncated single-line preview of the turn.
func (t *Turn) Preview(maxLen int) string {
	content := strings.ReplaceAll(t.RawText(), "\n", " ")
	content = strings.Join(strings.Fields(content), " ")
	return util.TruncateRunes(content, maxLen)
}

// Pair is one (user, assistant) exchange as shown to the user.
type Pair struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}
