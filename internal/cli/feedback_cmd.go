// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// feedback_cmd.go - Commands over recorded answer feedback.
//
// Command: feedback [subcommand]
//
// Subcommands:
//   stats (default)     Count upvotes, downvotes and flags
//   list                Show recent feedback entries
//
// Examples:
//   vidchat feedback
//   vidchat feedback list --kind flag --limit 5
//   vidchat feedback list --session sess_1234 --json

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/storage"
	"github.com/jeranaias/vidchat/internal/util"
)

func newFeedbackCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Show recorded answer feedback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return feedbackStats(cmd, a)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Count upvotes, downvotes and flags",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return feedbackStats(cmd, a)
			},
		},
		newFeedbackListCommand(a),
	)
	return cmd
}

func feedbackStats(cmd *cobra.Command, a *app) error {
	store, err := a.feedbackStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if a.jsonOut {
		return NewJSONResponse("feedback stats", stats).Print(w)
	}
	printFeedbackStats(w, stats)
	return nil
}

func printFeedbackStats(w io.Writer, st storage.FeedbackStats) {
	const lw = 12
	fmt.Fprintln(w, TitleStyle.Render("Feedback"))
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Upvotes:", lw), st.Upvotes)
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Downvotes:", lw), st.Downvotes)
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Flags:", lw), st.Flags)
	fmt.Fprintf(w, "%s %d across %d session(s)\n", RenderLabel("Total:", lw), st.Total, st.Sessions)
	if st.Upvotes+st.Downvotes > 0 {
		pct := 100 * float64(st.Upvotes) / float64(st.Upvotes+st.Downvotes)
		fmt.Fprintf(w, "%s %.0f%%\n", RenderLabel("Approval:", lw), pct)
	}
}

func newFeedbackListCommand(a *app) *cobra.Command {
	var (
		sessionID string
		kind      string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent feedback entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want storage.FeedbackKind
			if kind != "" {
				k, err := storage.ParseFeedbackKind(kind)
				if err != nil {
					return NewValidationError("kind", kind, "use upvote, downvote or flag")
				}
				want = k
			}

			store, err := a.feedbackStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// Filter by kind after the query so the limit applies to what
			// is shown.
			entries, err := store.List(cmd.Context(), sessionID, 0)
			if err != nil {
				return err
			}
			shown := make([]storage.Feedback, 0, len(entries))
			for _, fb := range entries {
				if want != "" && fb.Kind != want {
					continue
				}
				shown = append(shown, fb)
				if limit > 0 && len(shown) == limit {
					break
				}
			}

			w := cmd.OutOrStdout()
			if a.jsonOut {
				return NewJSONResponse("feedback list", shown).Print(w)
			}
			printFeedbackList(w, shown)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only entries for this session")
	cmd.Flags().StringVar(&kind, "kind", "", "only entries of this kind (upvote, downvote, flag)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show (0 = all)")
	return cmd
}

func printFeedbackList(w io.Writer, entries []storage.Feedback) {
	if len(entries) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No feedback recorded."))
		return
	}
	for _, fb := range entries {
		fmt.Fprintf(w, "%s %s %s turn %d %s\n",
			DimStyle.Render(fb.CreatedAt.Format("2006-01-02 15:04")),
			feedbackKindLabel(fb.Kind),
			util.TruncateWidth(fb.SessionID, 24),
			fb.TurnIndex+1,
			DimStyle.Render(fb.Model))
		fmt.Fprintf(w, "    %s %s\n", userLabelStyle.Render("Q:"), util.TruncateWidth(util.FirstLine(fb.UserText), 70))
		fmt.Fprintf(w, "    %s %s\n", assistantLabelStyle.Render("A:"), util.TruncateWidth(util.FirstLine(fb.AssistantText), 70))
	}
}

func feedbackKindLabel(k storage.FeedbackKind) string {
	label := util.PadRight(string(k), 8)
	switch k {
	case storage.FeedbackUpvote:
		return SuccessStyle.Render(label)
	case storage.FeedbackDownvote:
		return WarningStyle.Render(label)
	default:
		return ErrorStyle.Render(label)
	}
}
