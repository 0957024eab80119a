// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/vidchat/internal/media"
)

// StopMarker ends the usable part of a generation. Everything from its first
// occurrence on is discarded.
const StopMarker = "#"

// TruncateAtStopMarker cuts s at the first StopMarker. Applying it twice
// gives the same result as applying it once.
func TruncateAtStopMarker(s string) string {
	if i := strings.Index(s, StopMarker); i >= 0 {
		return s[:i]
	}
	return s
}

// BuildPrompt produces the model-facing user message: normalized text with
// exactly one placeholder for kind on its own first line. Placeholders the
// user typed are removed first. The word "picture" is rewritten to "image",
// the term the models are tuned on.
func BuildPrompt(text string, kind media.Kind) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "picture", "image")
	text = media.StripPlaceholders(text)

	if token := kind.Placeholder(); token != "" {
		return token + "\n" + text
	}
	return text
}

// DisplayText combines the user's text with the inline media markup.
func DisplayText(text, markup string) string {
	if markup == "" {
		return text
	}
	return text + "\n" + markup
}
