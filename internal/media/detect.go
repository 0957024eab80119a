// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Exists reports whether path names an existing regular file. Empty paths
// and directories count as absent.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Detect sniffs the file content and classifies it.
func Detect(path string) (Kind, *mimetype.MIME, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return KindNone, nil, fmt.Errorf("%w: failed to detect file type: %w", ErrUnsupportedMedia, err)
	}
	return kindOf(mime), mime, nil
}

func kindOf(mime *mimetype.MIME) Kind {
	switch {
	case strings.HasPrefix(mime.String(), "image/"):
		return KindImage
	case strings.HasPrefix(mime.String(), "video/"):
		return KindVideo
	default:
		return KindNone
	}
}
