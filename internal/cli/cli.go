// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Root command, global flags and shared wiring.

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/logging"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/ollama"
	"github.com/jeranaias/vidchat/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// APPLICATION STATE
// =============================================================================

// app carries the global flags and the loaded configuration to every
// command.
type app struct {
	configPath string
	profile    string
	model      string
	logLevel   string
	jsonOut    bool

	cfg *config.Config
}

// loadConfig reads the config file and applies flag overrides. Flags win
// over environment variables, which win over the file.
func (a *app) loadConfig() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if a.profile != "" {
		cfg.Model.Profile = a.profile
	}
	if a.model != "" {
		cfg.Model.Model = a.model
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid flags")
	}

	a.cfg = cfg
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	log.Debug().Str("model", cfg.Model.Model).Str("profile", cfg.Model.Profile).Msg("configuration loaded")
	return nil
}

// configFile returns the file the configuration came from or will be saved
// to.
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPath()
}

// =============================================================================
// COLLABORATORS
// =============================================================================

func (a *app) newClient() *ollama.Client {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      a.cfg.Model.OllamaURL,
		Timeout:      a.cfg.Timeout(),
		DefaultModel: a.cfg.Model.Model,
		KeepAlive:    a.cfg.Model.KeepAlive,
	})
}

func (a *app) newFFmpeg() *media.FFmpeg {
	ff := media.NewFFmpeg()
	if a.cfg.Media.FFmpeg != "" {
		ff.FFmpegPath = a.cfg.Media.FFmpeg
	}
	if a.cfg.Media.FFprobe != "" {
		ff.FFprobePath = a.cfg.Media.FFprobe
	}
	return ff
}

func (a *app) newResolver() *media.FileResolver {
	r := media.NewFileResolver(a.newFFmpeg(), a.cfg.Media.NumFrames)
	if a.cfg.Media.MaxImageMB > 0 {
		r.MaxImageBytes = int64(a.cfg.Media.MaxImageMB) << 20
	}
	return r
}

func (a *app) newScratch() (*media.Scratch, error) {
	return media.NewScratch(a.cfg.ScratchDir())
}

func (a *app) conversationStore() (*storage.ConversationStore, error) {
	return storage.NewConversationStoreWithDir(a.cfg.ConversationsDir())
}

func (a *app) feedbackStore() (*storage.FeedbackStore, error) {
	return storage.OpenFeedbackStore(a.cfg.FeedbackPath())
}

// newEndpoint returns the Ollama endpoint for the active profile.
func (a *app) newEndpoint(client *ollama.Client) (*ollama.Endpoint, config.Effective, error) {
	eff, err := a.cfg.Effective()
	if err != nil {
		return nil, eff, err
	}
	ep := ollama.NewEndpoint(client, eff.ModelTag)
	ep.NumGPU = eff.NumGPU
	return ep, eff, nil
}

// newController builds a local controller. Media markup uses file URLs.
func (a *app) newController(id string, ep chat.Endpoint, scratch *media.Scratch) (*chat.Controller, error) {
	eff, err := a.cfg.Effective()
	if err != nil {
		return nil, err
	}
	tmpl, err := model.LookupTemplate(a.cfg.Model.ConvMode)
	if err != nil {
		return nil, err
	}
	return chat.New(chat.Options{
		ID:       id,
		Template: tmpl,
		Endpoint: ep,
		Resolver: a.newResolver(),
		Scratch:  scratch,
		Sampling: eff.Sampling,
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the vidchat command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "vidchat",
		Short: "Chat with a vision-language model about images and videos",
		Long: `vidchat asks a local vision-language model served by Ollama about images
and videos. The transcript keeps every turn, but each question is answered on
its own: the model sees only the current question and its media. Attach an
image or a video to any turn; videos are sampled into frames with ffmpeg.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return a.loadConfig()
		},
	}
	root.SetVersionTemplate("vidchat {{.Version}} (" + GitCommit + ", " + BuildDate + ")\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.vidchat/config.toml)")
	flags.StringVar(&a.profile, "profile", "", "deployment profile to use")
	flags.StringVarP(&a.model, "model", "m", "", "Ollama model tag (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newAskCommand(a),
		newConfigCommand(a),
		newSessionsCommand(a),
		newFeedbackCommand(a),
		newDoctorCommand(a),
		newModelsCommand(a),
	)
	return root
}

// Execute runs the command tree and returns the process exit code. Signal
// handling is left to each command: the REPL uses Ctrl+C to cancel a
// generation, not to exit.
func Execute() int {
	root := NewRootCommand()
	cmd, err := root.ExecuteC()
	if err != nil {
		jsonMode := false
		if cmd != nil {
			jsonMode, _ = cmd.Flags().GetBool("json")
		}
		DisplayError(os.Stderr, err, jsonMode)
		return GetExitCode(err)
	}
	return ExitSuccess
}
