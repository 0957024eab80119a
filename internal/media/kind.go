// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import "strings"

// Kind is the modality of a media input.
type Kind int

const (
	KindNone Kind = iota
	KindImage
	KindVideo
)

// Placeholder tokens marking where media is injected into the prompt.
const (
	ImageToken = "<image>"
	VideoToken = "<video>"
)

// String returns the modality tag passed to the model endpoint.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "none"
	}
}

// Placeholder returns the prompt token for the kind, or "" for KindNone.
func (k Kind) Placeholder() string {
	switch k {
	case KindImage:
		return ImageToken
	case KindVideo:
		return VideoToken
	default:
		return ""
	}
}

// StripPlaceholders removes every placeholder token from text and trims the
// whitespace left behind.
func StripPlaceholders(text string) string {
	text = strings.ReplaceAll(text, ImageToken, "")
	text = strings.ReplaceAll(text, VideoToken, "")
	return strings.TrimSpace(text)
}
