// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - Saved conversation commands for vidchat.
//
// Command: sessions [subcommand]
// Short:   Manage saved conversations
// Aliases: session
//
// Subcommands:
//   list (default)      List saved conversations (aliases: ls)
//   show <id|n>         Show a conversation
//   export <id|n>       Export a transcript as Markdown or JSON
//   delete <id|n>       Delete a conversation (--all for every one)
//   search <query>      Find conversations by title or content
//
// A conversation is named by its ID or by its 1-based position in the
// list (1 = most recent).
//
// Examples:
//   vidchat sessions
//   vidchat sessions show 1
//   vidchat sessions export conv_1a2b3c --format json -o chat.json
//   vidchat sessions delete 2 --yes
//   vidchat sessions search "traffic light" --messages

package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/storage"
	"github.com/jeranaias/vidchat/internal/util"
)

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage saved conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd.OutOrStdout(), a)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List saved conversations",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listSessions(cmd.OutOrStdout(), a)
			},
		},
		&cobra.Command{
			Use:   "show <id|n>",
			Short: "Show a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return showSession(cmd.OutOrStdout(), a, args[0])
			},
		},
		newSessionExportCommand(a),
		newSessionDeleteCommand(a),
		newSessionSearchCommand(a),
	)
	return cmd
}

// loadConversation resolves an ID or a 1-based list position.
func loadConversation(store *storage.ConversationStore, ref string) (*storage.StoredConversation, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 {
			return nil, NewValidationError("session", ref, "positions start at 1")
		}
		return store.LoadByIndex(n - 1)
	}
	return store.Load(ref)
}

func listSessions(w io.Writer, a *app) error {
	store, err := a.conversationStore()
	if err != nil {
		return err
	}
	metas, err := store.List()
	if err != nil {
		return err
	}
	if a.jsonOut {
		return NewJSONResponse("sessions list", metas).Print(w)
	}
	printSessionTable(w, metas)
	return nil
}

func printSessionTable(w io.Writer, metas []storage.ConversationMeta) {
	if len(metas) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No saved conversations."))
		return
	}
	fmt.Fprintln(w, TitleStyle.Render(fmt.Sprintf("Saved conversations (%d)", len(metas))))
	fmt.Fprint(w, storage.FormatSessionList(metas))
}

func showSession(w io.Writer, a *app, ref string) error {
	store, err := a.conversationStore()
	if err != nil {
		return err
	}
	conv, err := loadConversation(store, ref)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return NewJSONResponse("sessions show", conv).Print(w)
	}

	const lw = 10
	fmt.Fprintln(w, TitleStyle.Render(conv.Summary))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("ID:", lw), ValueStyle.Render(conv.ID))
	if conv.Model != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Model:", lw), ValueStyle.Render(conv.Model))
	}
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Template:", lw), ValueStyle.Render(conv.Template))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Created:", lw), conv.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Turns:", lw), conv.TurnCount())
	fmt.Fprintln(w, RenderSeparator())

	width := GetTerminalWidth()
	for _, t := range conv.Turns {
		role := model.Role(t.Role)
		label := assistantLabelStyle
		if role == model.RoleUser {
			label = userLabelStyle
		}
		fmt.Fprintf(w, "%s %s\n", label.Render(role.DisplayName()+":"), DimStyle.Render(t.Timestamp.Format("15:04")))
		fmt.Fprintln(w, WrapText(t.Content, width))
		fmt.Fprintln(w)
	}
	return nil
}

func newSessionExportCommand(a *app) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <id|n>",
		Short: "Export a transcript as Markdown or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.conversationStore()
			if err != nil {
				return err
			}
			conv, err := loadConversation(store, args[0])
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "md", "markdown":
				data = []byte(conv.ExportMarkdown())
			case "json":
				data, err = conv.ExportJSON()
				if err != nil {
					return err
				}
			default:
				return &ValidationError{Field: "format", Value: format, Reason: "must be md or json", Example: "--format md"}
			}

			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := util.AtomicWriteFile(output, data, 0600); err != nil {
				return WrapError(err, "write export")
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", SuccessStyle.Render("Exported to"), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "export format: md or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newSessionDeleteCommand(a *app) *cobra.Command {
	var yes, all bool
	cmd := &cobra.Command{
		Use:   "delete <id|n>",
		Short: "Delete a conversation",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.conversationStore()
			if err != nil {
				return err
			}

			question := "Delete every saved conversation?"
			var conv *storage.StoredConversation
			if !all {
				conv, err = loadConversation(store, args[0])
				if err != nil {
					return err
				}
				question = fmt.Sprintf("Delete %q (%s)?", conv.Summary, conv.ID)
			}

			if !yes {
				if !IsTTY() {
					return &CommandError{Command: "sessions", Action: "delete", Reason: "confirmation required (use --yes)"}
				}
				ok, err := confirm(os.Stdin, cmd.OutOrStdout(), question)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Cancelled."))
					return nil
				}
			}

			if all {
				if err := store.Clear(); err != nil {
					return err
				}
				if a.jsonOut {
					return NewJSONResponse("sessions delete", map[string]bool{"all": true}).Print(cmd.OutOrStdout())
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted all saved conversations"))
				return nil
			}

			if err := store.Delete(conv.ID); err != nil {
				return err
			}
			if a.jsonOut {
				return NewJSONResponse("sessions delete", map[string]string{"id": conv.ID}).Print(cmd.OutOrStdout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Deleted"), conv.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every saved conversation")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newSessionSearchCommand(a *app) *cobra.Command {
	var messages bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find conversations by title or content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.conversationStore()
			if err != nil {
				return err
			}
			var metas []storage.ConversationMeta
			if messages {
				metas, err = store.SearchMessages(args[0])
			} else {
				metas, err = store.Search(args[0])
			}
			if err != nil {
				return err
			}
			if a.jsonOut {
				return NewJSONResponse("sessions search", metas).Print(cmd.OutOrStdout())
			}
			printSessionTable(cmd.OutOrStdout(), metas)
			return nil
		},
	}
	cmd.Flags().BoolVar(&messages, "messages", false, "search every turn, not just titles and previews")
	return cmd
}
