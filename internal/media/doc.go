// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package media turns user-supplied file paths into model inputs.
//
// Files are classified by content sniffing, images are read as a single
// frame, and videos are sampled into a fixed number of JPEG frames with
// ffmpeg. Uploaded files can be copied into a scratch directory under random
// names so the display transcript can reference them later.
//
// # Key Types
//
//   - Kind: Image or Video, with its placeholder token
//   - Resolver / FileResolver: path to Input
//   - FFmpeg: frame sampling through the ffmpeg and ffprobe binaries
//   - Scratch: random-name copies of uploaded media
package media
