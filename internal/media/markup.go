// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import "html"

// FileURL is the default source reference for inline media: the path served
// relative to the page.
func FileURL(path string) string {
	return "./file=" + path
}

// Markup renders the inline tag the display transcript shows for a media
// file. src is used as-is after attribute escaping.
func Markup(kind Kind, src string) string {
	src = html.EscapeString(src)
	switch kind {
	case KindImage:
		return `<img src="` + src + `" style="display: inline-block;width: 250px;max-height: 400px;">`
	case KindVideo:
		return `<video controls playsinline width="500" style="display: inline-block;"  src="` + src + `"></video>`
	default:
		return ""
	}
}
