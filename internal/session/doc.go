// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks live conversations and expires idle ones.
//
// Every browser tab or API client gets its own Session wrapping a
// chat.Controller. The Registry creates sessions through a factory, records
// activity on every lookup, and sweeps sessions idle past the timeout. A
// sweep hands dirty sessions to an expire callback first so their
// transcripts can be saved.
//
// # Usage
//
//	reg := session.NewRegistry(session.DefaultConfig(), factory)
//	go reg.Run(ctx)
//	sess, _ := reg.Create()
//	sess.Controller().Submit(ctx, req)
package session
