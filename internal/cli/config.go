// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for vidchat.
//
// Command: config [subcommand]
// Short:   View and initialize configuration
//
// Subcommands:
//   show (default)      Display the effective configuration
//   init                Write a default config file
//   path                Show the configuration file path
//   get <key>           Print one value by TOML key, e.g. sampling.top_p
//
// Examples:
//   vidchat config
//   vidchat config show --json
//   vidchat config init --force
//   vidchat config get model.profile
//   vidchat config get profiles.adhoc

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/model"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and initialize configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.OutOrStdout(), a)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return showConfig(cmd.OutOrStdout(), a)
			},
		},
		newConfigInitCommand(a),
		&cobra.Command{
			Use:         "path",
			Short:       "Show the configuration file path",
			Args:        cobra.NoArgs,
			Annotations: map[string]string{"skipConfig": "true"},
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := a.configFile()
				if err != nil {
					return err
				}
				if a.jsonOut {
					return NewJSONResponse("config path", map[string]string{"path": path}).Print(cmd.OutOrStdout())
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:     "get <key>",
			Short:   "Print one configuration value",
			Example: "  vidchat config get sampling.temperature",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := a.cfg.Get(args[0])
				if err != nil {
					return NewValidationError("key", args[0], err.Error())
				}
				if a.jsonOut {
					return NewJSONResponse("config get", map[string]any{"key": args[0], "value": v}).Print(cmd.OutOrStdout())
				}
				fmt.Fprintln(cmd.OutOrStdout(), config.FormatValue(v))
				return nil
			},
		},
	)
	return cmd
}

func newConfigInitCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		// A broken file must not stop init --force from replacing it.
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &CommandError{
					Command: "config",
					Action:  "init",
					Reason:  path + " already exists (use --force to overwrite)",
				}
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			if a.jsonOut {
				return NewJSONResponse("config init", map[string]string{"path": path}).Print(cmd.OutOrStdout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func showConfig(w io.Writer, a *app) error {
	cfg := a.cfg
	eff, err := cfg.Effective()
	if err != nil {
		return err
	}
	if a.jsonOut {
		return NewJSONResponse("config show", map[string]any{
			"config":    cfg,
			"effective": eff,
		}).Print(w)
	}

	path, _ := a.configFile()
	const lw = 20

	fmt.Fprintln(w, TitleStyle.Render("vidchat configuration"))
	fmt.Fprintf(w, "%s %s\n\n", RenderLabel("File:", lw), DimStyle.Render(path))

	fmt.Fprintln(w, SectionStyle.Render("Model"))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Ollama URL:", lw), ValueStyle.Render(cfg.Model.OllamaURL))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Model:", lw), ValueStyle.Render(cfg.Model.Model))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Effective tag:", lw), ValueStyle.Render(eff.ModelTag))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Profile:", lw), ValueStyle.Render(eff.Profile))
	fmt.Fprintf(w, "  %s %s %s\n", RenderLabel("Template:", lw), ValueStyle.Render(cfg.Model.ConvMode),
		DimStyle.Render(fmt.Sprintf("(%d available)", len(model.TemplateNames()))))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Timeout:", lw), ValueStyle.Render(cfg.Timeout().String()))
	fmt.Fprintln(w)

	fmt.Fprintln(w, SectionStyle.Render("Sampling"))
	fmt.Fprintf(w, "  %s %.2f\n", RenderLabel("Temperature:", lw), eff.Sampling.Temperature)
	fmt.Fprintf(w, "  %s %.2f\n", RenderLabel("Top P:", lw), eff.Sampling.TopP)
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("Max tokens:", lw), eff.Sampling.MaxOutputTokens)
	fmt.Fprintln(w)

	fmt.Fprintln(w, SectionStyle.Render("Media"))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Scratch dir:", lw), ValueStyle.Render(cfg.ScratchDir()))
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("Video frames:", lw), cfg.Media.NumFrames)
	fmt.Fprintf(w, "  %s %d MB\n", RenderLabel("Max image:", lw), cfg.Media.MaxImageMB)
	fmt.Fprintln(w)

	fmt.Fprintln(w, SectionStyle.Render("Server"))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Address:", lw), ValueStyle.Render(cfg.Server.Addr))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Session timeout:", lw), ValueStyle.Render(cfg.SessionTimeout().String()))
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("Max sessions:", lw), cfg.Server.MaxSessions)
	fmt.Fprintf(w, "  %s %t\n", RenderLabel("Auto save:", lw), cfg.Server.AutoSave)
	fmt.Fprintln(w)

	fmt.Fprintln(w, SectionStyle.Render("Storage"))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Data dir:", lw), ValueStyle.Render(cfg.DataDir()))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Feedback DB:", lw), ValueStyle.Render(cfg.FeedbackPath()))
	fmt.Fprintln(w)

	fmt.Fprintln(w, SectionStyle.Render("Profiles"))
	for _, name := range cfg.ProfileNames() {
		p := cfg.Profiles[name]
		marker := " "
		if name == eff.Profile {
			marker = "*"
		}
		quant := p.Quantization
		if quant == "" {
			quant = "full"
		}
		fmt.Fprintf(w, "  %s %s quant=%s device=%s temperature=%.2f\n",
			marker, RenderLabel(name, lw-2), quant, p.Device, p.Temperature)
	}
	return nil
}
