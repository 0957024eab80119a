// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "errors"

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInputMissing is returned when Submit gets empty text and there is no
	// previous input to reuse.
	ErrInputMissing = errors.New("please enter instruction")

	// ErrUnsupportedCombination is returned when an image and a video are
	// submitted together.
	ErrUnsupportedCombination = errors.New("image+video not supported")

	// ErrEmptyHistory is returned by Regenerate when there is nothing to drop.
	ErrEmptyHistory = errors.New("no previous turn to regenerate")

	// ErrBusy is returned when a Submit is already in flight.
	ErrBusy = errors.New("a generation is already in progress")

	// ErrInvalidSampling is returned for sampling parameters outside their
	// allowed range.
	ErrInvalidSampling = errors.New("invalid sampling parameters")

	// ErrHistoryCleared is returned by a Submit whose history was cleared
	// while the model was generating. The generated text is discarded.
	ErrHistoryCleared = errors.New("history cleared during generation")
)

// =============================================================================
// UPSTREAM ERRORS
// =============================================================================

// Stage names the collaborator that failed during a submission.
type Stage string

const (
	StageStore    Stage = "store"
	StageResolve  Stage = "resolve"
	StageGenerate Stage = "generate"
)

// UpstreamGenerationError wraps a failure of the media resolver or the model
// endpoint. Buffers are left as they were before the submission.
type UpstreamGenerationError struct {
	Stage Stage
	Err   error
}

func (e *UpstreamGenerationError) Error() string {
	return "upstream " + string(e.Stage) + " failed: " + e.Err.Error()
}

func (e *UpstreamGenerationError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err is an UpstreamGenerationError.
func IsUpstream(err error) bool {
	var upstream *UpstreamGenerationError
	return errors.As(err, &upstream)
}
