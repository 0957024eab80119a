// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for vidchat.
//
// Configuration is TOML, with defaults for every key, environment variable
// overrides and validation that reports every bad field at once.
//
// # Key Types
//
//   - Config: the [model], [sampling], [media], [server], [storage] and
//     [logging] sections plus named [profiles.<name>]
//   - Profile: quantization, device and temperature overrides
//   - Effective: the model tag, GPU placement and sampling after applying
//     the active profile
//
// # Configuration Precedence
//
//   - Command-line flags (--model, --profile, --log-level)
//   - Environment variables (VIDCHAT_*)
//   - ~/.vidchat/config.toml, or the file given with --config
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	eff, err := cfg.Effective()
//	go config.Watch(ctx, path, 0, srv.ApplyConfig)
package config
