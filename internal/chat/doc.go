// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the conversation turn controller.
//
// A Controller keeps two buffers per session. The display buffer holds the
// full exchange as the user sees it, with inline markup for attached media.
// The model buffer holds what is sent to the model: the user text prefixed
// with a single placeholder token for the attached modality. The model buffer
// is trimmed after every submission so each generation sees one turn only.
//
// # State Machine
//
//	Empty ──Submit──▶ AwaitingResponse ──ok──▶ HasHistory
//	  ▲                     │                     │
//	  │                  failure                Submit
//	  └──ClearHistory───────┴─────────────────────┘
//
// Regenerate drops the last display pair; the next empty-text Submit reuses
// the dropped input.
//
// # Usage
//
//	ctrl, err := chat.New(chat.Options{Endpoint: ep, Resolver: res})
//	res, err := ctrl.Submit(ctx, chat.SubmitRequest{Text: "What is shown?", ImagePath: "cat.jpg"})
//	var upstream *chat.UpstreamGenerationError
//	if errors.As(err, &upstream) { ... }
package chat
