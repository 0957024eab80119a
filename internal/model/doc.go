// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the conversation buffers and prompt templates.
//
// # Key Types
//
//   - Turn: a single (role, content) entry; assistant turns may be pending
//   - Conversation: an ordered buffer of turns bound to a Template
//   - Template: a named prompt format (llama_2, mistral, vicuna_v1, chatml,
//     plain) with its separator style and stop string
//
// # Usage
//
//	tmpl, _ := model.LookupTemplate("llama_2")
//	conv := model.NewConversation(tmpl)
//	conv.AppendUser("<video>\nWhat happens here?", "What happens here?")
//	conv.AppendPending()
//	prompt := conv.Prompt()
//	_ = conv.FillPending("A dog catches a frisbee.")
package model
