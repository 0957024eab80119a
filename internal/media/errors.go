// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import "errors"

var (
	// ErrUnsupportedMedia is returned for files that are neither images nor videos.
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrKindMismatch is returned when a file's content does not match the
	// modality it was submitted as.
	ErrKindMismatch = errors.New("media content does not match requested kind")

	// ErrEmptyMedia is returned for zero-byte files.
	ErrEmptyMedia = errors.New("media file is empty")

	// ErrMediaTooLarge is returned when an image exceeds the configured size.
	ErrMediaTooLarge = errors.New("media file too large")

	// ErrFFmpegNotFound is returned when the ffmpeg binary cannot be located.
	ErrFFmpegNotFound = errors.New("ffmpeg not found")

	// ErrFFprobeNotFound is returned when the ffprobe binary cannot be located.
	ErrFFprobeNotFound = errors.New("ffprobe not found")

	// ErrNoFrames is returned when frame sampling produced nothing.
	ErrNoFrames = errors.New("no frames extracted from video")

	// ErrInvalidName is returned by Scratch for names that escape its directory.
	ErrInvalidName = errors.New("invalid scratch file name")
)
