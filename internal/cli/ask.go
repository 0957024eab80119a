// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command for vidchat.
//
// Command: ask [question]
// Short:   Ask a single question about an image or a video
//
// Examples:
//   vidchat ask "What is in this picture?" --image ./cat.png
//   vidchat ask "Summarize the clip" --video ./clip.mp4
//   echo "Describe it" | vidchat ask --image ./cat.png
//   vidchat ask "Count the people" --video ./clip.mp4 --json

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/media"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer is the glamour renderer for answers. Nil when the
// renderer could not be created.
var markdownRenderer *glamour.TermRenderer

func init() {
	var err error
	markdownRenderer, err = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		markdownRenderer = nil
	}
}

// renderMarkdown renders markdown for the terminal, falling back to the
// original text.
func renderMarkdown(content string) string {
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// COMMAND
// =============================================================================

// AskResult is the --json payload of ask.
type AskResult struct {
	Answer     string        `json:"answer"`
	Model      string        `json:"model"`
	Modality   string        `json:"modality"`
	Media      string        `json:"media,omitempty"`
	Sampling   chat.Sampling `json:"sampling"`
	DurationMS int64         `json:"duration_ms"`
}

type askOptions struct {
	image       string
	video       string
	temperature float64
	topP        float64
	maxTokens   int
	raw         bool
}

func newAskCommand(a *app) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question about an image or a video",
		Long: `Ask one question and print the answer. The question is read from the
arguments, or from stdin when no arguments are given.`,
		Example: `  vidchat ask "What is in this picture?" --image ./cat.png
  vidchat ask "Summarize the clip" --video ./clip.mp4 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if question == "" && !IsTTY() {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return WrapError(err, "read question")
				}
				question = strings.TrimSpace(string(data))
			}
			if question == "" {
				return chat.ErrInputMissing
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runAsk(ctx, a, cmd, opts, question)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.image, "image", "", "image to ask about")
	f.StringVar(&opts.video, "video", "", "video to ask about")
	f.Float64Var(&opts.temperature, "temperature", -1, "sampling temperature (default from config)")
	f.Float64Var(&opts.topP, "top-p", -1, "nucleus sampling threshold (default from config)")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "maximum output tokens (default from config)")
	f.BoolVar(&opts.raw, "raw", false, "print the answer without markdown rendering")
	return cmd
}

// sampling returns the config defaults with any flags applied.
func (o *askOptions) sampling(base chat.Sampling) (*chat.Sampling, error) {
	s := base
	if o.temperature >= 0 {
		s.Temperature = o.temperature
	}
	if o.topP >= 0 {
		s.TopP = o.topP
	}
	if o.maxTokens > 0 {
		s.MaxOutputTokens = o.maxTokens
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func runAsk(ctx context.Context, a *app, cmd *cobra.Command, opts *askOptions, question string) error {
	if opts.image != "" && opts.video != "" {
		return chat.ErrUnsupportedCombination
	}
	image, err := resolveMediaArg(opts.image)
	if err != nil {
		return err
	}
	video, err := resolveMediaArg(opts.video)
	if err != nil {
		return err
	}
	// Missing files would silently become a text-only turn.
	for _, p := range []string{image, video} {
		if p != "" && !media.Exists(p) {
			return fmt.Errorf("%w: %s: no such file", media.ErrUnsupportedMedia, p)
		}
	}

	client := a.newClient()
	ep, eff, err := a.newEndpoint(client)
	if err != nil {
		return err
	}
	sampling, err := opts.sampling(eff.Sampling)
	if err != nil {
		return err
	}
	scratch, err := a.newScratch()
	if err != nil {
		return err
	}
	ctrl, err := a.newController("ask_"+uuid.NewString()[:8], ep, scratch)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := ctrl.Submit(ctx, chat.SubmitRequest{
		Text:      question,
		ImagePath: image,
		VideoPath: video,
		Sampling:  sampling,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		modality, path := media.KindNone, ""
		switch {
		case res.ImagePath != "":
			modality, path = media.KindImage, image
		case res.VideoPath != "":
			modality, path = media.KindVideo, video
		}
		return NewJSONResponse("ask", AskResult{
			Answer:     res.Answer,
			Model:      ep.Model(),
			Modality:   modality.String(),
			Media:      path,
			Sampling:   *sampling,
			DurationMS: time.Since(start).Milliseconds(),
		}).Print(out)
	}

	displayResponse(out, res.Answer, !opts.raw && out == os.Stdout && IsStdoutTTY())
	return nil
}

// displayResponse prints an answer, rendered as markdown when asked to.
func displayResponse(w io.Writer, answer string, markdown bool) {
	if markdown {
		fmt.Fprint(w, renderMarkdown(answer))
		return
	}
	fmt.Fprintln(w, answer)
}
