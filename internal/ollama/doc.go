// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// # Key Types
//
//   - Client: health checks, model listing and /api/generate
//   - Endpoint: the chat.Endpoint used by the turn controller; sends the
//     templated prompt raw with media frames as base64 images
//   - ClientError: typed errors with IsNotRunning, IsTimeout and
//     IsModelNotFound helpers
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	ep := ollama.NewEndpoint(client, "llava:7b")
//	text, err := ep.Generate(ctx, &chat.Request{Prompt: prompt, Inputs: inputs})
package ollama
