// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - HTTP API command for vidchat.
//
// Command: serve
// Short:   Serve the chat HTTP API
//
// Examples:
//   vidchat serve
//   vidchat serve --addr 0.0.0.0:7860
//   vidchat serve --profile adhoc --no-watch

package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		addr    string
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		Long: `Serve the JSON HTTP API. Each browser or client creates a session with
POST /api/sessions and submits turns to it; idle sessions expire.

The config file is watched for changes: new sessions pick up reloaded
sampling defaults and profile settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return runServe(cmd, a, !noWatch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, watch bool) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	ff := a.newFFmpeg()
	if err := ff.CheckInstalled(); err != nil {
		log.Warn().Err(err).Msg("video submissions will fail")
	}

	scratch, err := media.NewScratch(a.cfg.ScratchDir())
	if err != nil {
		return err
	}
	convs, err := a.conversationStore()
	if err != nil {
		return err
	}
	feedback, err := a.feedbackStore()
	if err != nil {
		return err
	}
	defer feedback.Close()

	client := a.newClient()
	if err := client.CheckRunning(ctx); err != nil {
		log.Warn().Err(err).Str("url", a.cfg.Model.OllamaURL).Msg("ollama is not reachable yet")
	}

	srv, err := server.New(a.cfg, server.Deps{
		Client:        client,
		Resolver:      a.newResolver(),
		Scratch:       scratch,
		Conversations: convs,
		Feedback:      feedback,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if watch {
		path, err := a.configFile()
		if err == nil {
			g.Go(func() error {
				err := config.Watch(gctx, path, config.DefaultWatchDebounce, func(cfg *config.Config) {
					if a.profile != "" {
						cfg.Model.Profile = a.profile
					}
					if a.model != "" {
						cfg.Model.Model = a.model
					}
					srv.ApplyConfig(cfg)
					log.Info().Str("path", path).Msg("configuration reloaded")
				})
				if err != nil {
					// Serving goes on with the loaded config.
					log.Warn().Err(err).Msg("config watch disabled")
				}
				return nil
			})
		}
	}

	return g.Wait()
}
