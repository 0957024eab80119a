// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the vidchat command tree.
//
// The root command loads the TOML configuration once, applies the global
// flags (--config, --profile, --model, --log-level, --json) and sets up
// zerolog. Subcommands build their collaborators from that configuration:
// an Ollama client and endpoint, the media resolver backed by ffmpeg, the
// scratch directory, the transcript store and the feedback database.
//
// # Commands
//
//   - serve: HTTP API over per-session conversation controllers
//   - chat: interactive REPL with image and video attachments
//   - ask: one-shot question, plain text or --json
//   - config: show, init, path, get
//   - sessions: list, show, export, delete, search saved transcripts
//   - feedback: stats and list of upvotes, downvotes and flags
//   - models: models pulled into Ollama
//   - doctor: environment checks
//
// Commands return errors instead of exiting; Execute prints them once and
// maps them to exit codes with GetExitCode.
package cli
