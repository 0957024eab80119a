// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/util"
)

// newModelsCommand lists the models pulled into Ollama.
func newModelsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models available in Ollama",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := a.newClient()
			models, err := client.ListModels(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.jsonOut {
				return NewJSONResponse("models", models).Print(w)
			}
			if len(models) == 0 {
				fmt.Fprintln(w, DimStyle.Render("No models pulled. Run: ollama pull llava:7b"))
				return nil
			}

			active := ""
			if eff, err := a.cfg.Effective(); err == nil {
				active = eff.ModelTag
			}
			fmt.Fprintln(w, TitleStyle.Render(fmt.Sprintf("Ollama models (%d)", len(models))))
			for _, m := range models {
				marker := " "
				if m.Name == active {
					marker = SuccessStyle.Render("*")
				}
				fmt.Fprintf(w, "%s %s %s %s\n", marker,
					util.PadRight(util.TruncateWidth(m.Name, 36), 36),
					util.PadRight(m.FormatSize(), 10),
					DimStyle.Render(m.ModifiedAt.Format("2006-01-02")))
			}
			return nil
		},
	}
}
