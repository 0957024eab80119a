// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across vidchat.
//
// # Key Functions
//
//   - AtomicWriteFile, CopyFileAtomic: crash-safe file writes for transcripts
//     and scratch media
//   - TruncateRunes, TruncateWidth, PadRight: display-width aware string
//     shaping for the terminal tables
//   - FirstLine: previews of multi-line prompts
package util
