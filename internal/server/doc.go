// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes conversation sessions over HTTP.
//
// Every session owns one chat.Controller. Media uploads are streamed into
// the scratch directory and served back under /files so the display
// transcript can reference them.
//
// # Endpoints
//
//   - POST   /api/sessions                  - Start a session
//   - GET    /api/sessions                  - List live sessions
//   - GET    /api/sessions/{id}             - Session status and transcript
//   - DELETE /api/sessions/{id}             - End a session
//   - POST   /api/sessions/{id}/submit      - Submit a turn (JSON or multipart)
//   - POST   /api/sessions/{id}/regenerate  - Drop the last turn and run it again
//   - POST   /api/sessions/{id}/clear       - Clear both buffers
//   - POST   /api/sessions/{id}/save        - Persist the transcript
//   - POST   /api/sessions/{id}/feedback    - Upvote, downvote or flag a turn
//   - GET    /files/{name}                  - Uploaded media
//   - GET    /api/models                    - Models known to Ollama
//   - GET    /health                        - Health check
//
// # Middleware
//
// Requests pass through panic recovery, security headers, request logging,
// per-IP rate limiting and a body size cap, in that order.
//
// # Usage
//
//	srv, err := server.New(cfg, server.Deps{
//		Client:   client,
//		Resolver: resolver,
//		Scratch:  scratch,
//	})
//	if err != nil {
//		return err
//	}
//	return srv.ListenAndServe(ctx)
package server
