// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for vidchat.
//
// Command: chat
// Short:   Start an interactive multimodal chat session
//
// Examples:
//   vidchat chat                          Start chatting with the default model
//   vidchat chat --image ./cat.png        Attach an image to the first turn
//   vidchat chat --profile adhoc          Use the 4-bit profile
//
// Interactive Commands (during chat):
//   /image <path>       Attach an image (detaches any video)
//   /video <path>       Attach a video (detaches any image)
//   /image, /video      With no path, detach the media
//   /clear, /c          Clear conversation history and media
//   /regenerate, /r     Drop the last answer and generate it again
//   /history            Show the conversation
//   /save               Save the conversation
//   /up, /down, /flag   Record feedback on the last answer
//   /params [k=v ...]   Show or set temperature, top_p, max_tokens
//   /help, /h           Show available commands
//   /quit, /q           Exit chat
//   <empty line>        Submit the previous input again
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/storage"
	"github.com/jeranaias/vidchat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	cli := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	cli.LoadHistory()
	return cli
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// chatSession holds the state of one interactive conversation.
type chatSession struct {
	app  *app
	ctrl *chat.Controller
	out  io.Writer

	// modelTag is recorded with saved transcripts and feedback.
	modelTag string
	profile  string

	// Media attached to the next submissions. It stays attached until it is
	// replaced, detached or the history is cleared.
	image string
	video string

	// savedID is the transcript ID of the last /save.
	savedID string

	convs    *storage.ConversationStore
	feedback *storage.FeedbackStore

	startTime time.Time
	turns     int

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	// markdown renders answers through glamour.
	markdown bool
}

func (s *chatSession) setCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
}

// cancelGeneration cancels the generation in flight, if any.
func (s *chatSession) cancelGeneration() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// close releases the stores opened during the session.
func (s *chatSession) close() {
	if s.feedback != nil {
		if err := s.feedback.Close(); err != nil {
			log.Warn().Err(err).Msg("closing feedback store")
		}
	}
}

func (s *chatSession) conversationStore() (*storage.ConversationStore, error) {
	if s.convs == nil {
		convs, err := s.app.conversationStore()
		if err != nil {
			return nil, err
		}
		s.convs = convs
	}
	return s.convs, nil
}

func (s *chatSession) feedbackStore() (*storage.FeedbackStore, error) {
	if s.feedback == nil {
		fb, err := s.app.feedbackStore()
		if err != nil {
			return nil, err
		}
		s.feedback = fb
	}
	return s.feedback, nil
}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCommand(a *app) *cobra.Command {
	var image, video string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive multimodal chat session",
		Long: `Start an interactive chat with the vision-language model.

Attach an image or a video with /image or /video; the media stays attached
to every following turn until it is replaced or the history is cleared.
An empty line submits the previous input again.`,
		Example: `  vidchat chat
  vidchat chat --video ./clip.mp4
  vidchat chat --profile adhoc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := RequiresTTY("chat"); err != nil {
				return err
			}
			if image != "" && video != "" {
				return chat.ErrUnsupportedCombination
			}
			return runChat(cmd.Context(), a, image, video)
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "image to attach to the first turn")
	cmd.Flags().StringVar(&video, "video", "", "video to attach to the first turn")
	return cmd
}

// newChatSession wires a controller to Ollama for the REPL.
func newChatSession(a *app, out io.Writer) (*chatSession, error) {
	client := a.newClient()
	ep, eff, err := a.newEndpoint(client)
	if err != nil {
		return nil, err
	}
	scratch, err := a.newScratch()
	if err != nil {
		return nil, err
	}
	ctrl, err := a.newController("repl_"+uuid.NewString()[:8], ep, scratch)
	if err != nil {
		return nil, err
	}
	return &chatSession{
		app:       a,
		ctrl:      ctrl,
		out:       out,
		modelTag:  ep.Model(),
		profile:   eff.Profile,
		startTime: time.Now(),
		markdown:  IsStdoutTTY() && ColorsEnabled(),
	}, nil
}

func runChat(ctx context.Context, a *app, image, video string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := newChatSession(a, os.Stdout)
	if err != nil {
		return err
	}
	defer session.close()

	client := a.newClient()
	if err := client.CheckRunning(ctx); err != nil {
		return err
	}
	if !client.ModelExists(ctx, session.modelTag) {
		fmt.Fprintf(os.Stderr, "%s model %s is not pulled; run: ollama pull %s\n",
			WarningStyle.Render("[WARN]"), session.modelTag, session.modelTag)
	}

	if err := session.attach(media.KindImage, image); err != nil {
		return err
	}
	if err := session.attach(media.KindVideo, video); err != nil {
		return err
	}

	printWelcome(session)

	input := NewChatCLI()
	defer input.Close()

	// First Ctrl+C during a generation cancels it; at the prompt liner
	// reports it as ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if session.cancelGeneration() {
				fmt.Fprintln(os.Stderr, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		line, err := input.ReadInput(promptStyle.Render(promptLabel(session)))
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("reading input")
			}
			fmt.Fprintln(session.out)
			printExitSummary(session)
			return nil
		}

		line = strings.TrimSpace(line)
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			printExitSummary(session)
			return nil
		}

		if strings.HasPrefix(line, "/") {
			keepGoing, err := session.handleSlashCommand(ctx, line)
			if err != nil {
				printError(session.out, err)
			}
			if !keepGoing {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if err := session.submit(ctx, line); err != nil {
			printError(session.out, err)
		}
	}
}

func promptLabel(s *chatSession) string {
	switch {
	case s.image != "":
		return "vidchat [image]> "
	case s.video != "":
		return "vidchat [video]> "
	}
	return "vidchat> "
}

// =============================================================================
// TURNS
// =============================================================================

// attach sets or detaches the media of the given kind. Image and video are
// mutually exclusive, so attaching one detaches the other.
func (s *chatSession) attach(kind media.Kind, path string) error {
	if path == "" {
		return nil
	}
	abs, err := resolveMediaArg(path)
	if err != nil {
		return err
	}
	if !media.Exists(abs) {
		return fmt.Errorf("%s: no such file", path)
	}
	detected, _, err := media.Detect(abs)
	if err != nil {
		return err
	}
	if detected != kind {
		return fmt.Errorf("%w: %s is not a%s", media.ErrKindMismatch, path, article(kind))
	}

	switch kind {
	case media.KindImage:
		s.image, s.video = abs, ""
	case media.KindVideo:
		s.image, s.video = "", abs
	}
	return nil
}

func article(k media.Kind) string {
	if k == media.KindImage {
		return "n image"
	}
	return " " + k.String()
}

// submit runs one turn with the attached media and prints the answer.
func (s *chatSession) submit(ctx context.Context, text string) error {
	return s.generate(ctx, func(ctx context.Context) (*chat.Result, error) {
		return s.ctrl.Submit(ctx, chat.SubmitRequest{
			Text:      text,
			ImagePath: s.image,
			VideoPath: s.video,
		})
	})
}

// regenerate drops the last pair and generates it again.
func (s *chatSession) regenerate(ctx context.Context) error {
	return s.generate(ctx, func(ctx context.Context) (*chat.Result, error) {
		return s.ctrl.Retry(ctx, nil)
	})
}

func (s *chatSession) generate(ctx context.Context, run func(context.Context) (*chat.Result, error)) error {
	genCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	fmt.Fprintln(s.out, DimStyle.Render("Thinking..."))
	start := time.Now()
	res, err := run(genCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	s.turns++

	fmt.Fprintln(s.out)
	s.printAnswer(res.Answer)
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("[%s | turn %d]", formatDurationShort(time.Since(start)), len(res.Pairs))))
	fmt.Fprintln(s.out)
	return nil
}

func (s *chatSession) printAnswer(answer string) {
	if s.markdown {
		fmt.Fprint(s.out, renderMarkdown(answer))
		return
	}
	fmt.Fprintln(s.out, WrapText(answer, 0))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// parseSlashCommand splits "/name arg1 arg2" into a lower-cased name and
// its arguments.
func parseSlashCommand(input string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// handleSlashCommand runs one slash command. It returns false when the
// REPL should exit.
func (s *chatSession) handleSlashCommand(ctx context.Context, input string) (bool, error) {
	name, args := parseSlashCommand(input)

	switch name {
	case "quit", "q", "exit":
		return false, nil

	case "help", "h", "?":
		printHelp(s.out)

	case "image", "img":
		return true, s.handleMedia(media.KindImage, args)

	case "video", "vid":
		return true, s.handleMedia(media.KindVideo, args)

	case "clear", "c":
		s.ctrl.ClearHistory()
		s.image, s.video, s.savedID = "", "", ""
		fmt.Fprintln(s.out, SuccessStyle.Render("Conversation cleared."))

	case "regenerate", "regen", "r":
		return true, s.regenerate(ctx)

	case "history":
		printHistory(s)

	case "save":
		id, err := s.save()
		if err != nil {
			return true, err
		}
		fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render("Saved conversation"), id)

	case "up", "upvote":
		return true, s.recordFeedback(ctx, storage.FeedbackUpvote, args)

	case "down", "downvote":
		return true, s.recordFeedback(ctx, storage.FeedbackDownvote, args)

	case "flag":
		return true, s.recordFeedback(ctx, storage.FeedbackFlag, args)

	case "params", "p":
		return true, s.handleParams(args)

	case "":
		return true, errors.New("empty command; type /help for commands")

	default:
		return true, fmt.Errorf("unknown command /%s; type /help for commands", name)
	}
	return true, nil
}

func (s *chatSession) handleMedia(kind media.Kind, args []string) error {
	if len(args) == 0 {
		if kind == media.KindImage {
			s.image = ""
		} else {
			s.video = ""
		}
		fmt.Fprintln(s.out, DimStyle.Render(kind.String()+" detached"))
		return nil
	}
	path := strings.Join(args, " ")
	if err := s.attach(kind, path); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s\n", mediaStyle.Render("["+kind.String()+"]"), path)
	return nil
}

// save stores the transcript. Saving again overwrites the earlier file.
func (s *chatSession) save() (string, error) {
	conv := s.ctrl.Transcript()
	if conv.IsEmpty() {
		return "", chat.ErrEmptyHistory
	}
	store, err := s.conversationStore()
	if err != nil {
		return "", err
	}
	conv.Model = s.modelTag
	id, err := store.Save(storage.FromConversation(conv.ID, conv))
	if err != nil {
		return "", err
	}
	s.savedID = id
	return id, nil
}

// recordFeedback records a verdict on the last answer, or on the turn given
// as the first argument (1-based).
func (s *chatSession) recordFeedback(ctx context.Context, kind storage.FeedbackKind, args []string) error {
	pairs := s.ctrl.Snapshot().Pairs
	if len(pairs) == 0 {
		return chat.ErrEmptyHistory
	}

	idx := len(pairs) - 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > len(pairs) {
			return NewValidationError("turn", args[0], fmt.Sprintf("must be between 1 and %d", len(pairs)))
		}
		idx = n - 1
	}

	store, err := s.feedbackStore()
	if err != nil {
		return err
	}
	fb := &storage.Feedback{
		SessionID:     s.ctrl.Transcript().ID,
		TurnIndex:     idx,
		Kind:          kind,
		UserText:      pairs[idx].User,
		AssistantText: pairs[idx].Assistant,
		Model:         s.modelTag,
	}
	if err := store.Record(ctx, fb); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s on turn %d\n", SuccessStyle.Render("Recorded"), kind, idx+1)
	return nil
}

func (s *chatSession) handleParams(args []string) error {
	current := s.ctrl.Sampling()
	if len(args) == 0 {
		printParams(s.out, current)
		return nil
	}
	next, err := parseParams(args, current)
	if err != nil {
		return err
	}
	if err := s.ctrl.SetSampling(next); err != nil {
		return err
	}
	printParams(s.out, next)
	return nil
}

// parseParams applies key=value pairs to base. Keys are temperature (temp),
// top_p and max_tokens (max_output_tokens).
func parseParams(args []string, base chat.Sampling) (chat.Sampling, error) {
	out := base
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || value == "" {
			return base, NewValidationError("parameter", arg, "expected key=value")
		}
		switch strings.ToLower(key) {
		case "temperature", "temp":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return base, NewValidationError("temperature", value, "not a number")
			}
			out.Temperature = f
		case "top_p", "topp":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return base, NewValidationError("top_p", value, "not a number")
			}
			out.TopP = f
		case "max_tokens", "max_output_tokens", "max_new_tokens":
			n, err := strconv.Atoi(value)
			if err != nil {
				return base, NewValidationError("max_tokens", value, "not an integer")
			}
			out.MaxOutputTokens = n
		default:
			return base, NewValidationError("parameter", key, "unknown; use temperature, top_p or max_tokens")
		}
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

func printWelcome(s *chatSession) {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, welcomeStyle.Render("vidchat "+Version))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Model:", 10), ValueStyle.Render(s.modelTag))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Profile:", 10), ValueStyle.Render(s.profile))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Template:", 10), ValueStyle.Render(s.ctrl.Template().Name))
	if s.image != "" {
		fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Image:", 10), mediaStyle.Render(s.image))
	}
	if s.video != "" {
		fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Video:", 10), mediaStyle.Render(s.video))
	}
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
	fmt.Fprintln(s.out)
}

func printHelp(w io.Writer) {
	cmds := []struct{ name, desc string }{
		{"/image <path>", "Attach an image (no path detaches)"},
		{"/video <path>", "Attach a video (no path detaches)"},
		{"/clear, /c", "Clear history and media"},
		{"/regenerate, /r", "Drop the last answer and generate again"},
		{"/history", "Show the conversation"},
		{"/save", "Save the conversation"},
		{"/up, /down, /flag [n]", "Rate the last answer (or turn n)"},
		{"/params [k=v ...]", "Show or set temperature, top_p, max_tokens"},
		{"/help, /h", "Show this help"},
		{"/quit, /q", "Exit chat"},
		{"<empty line>", "Submit the previous input again"},
	}
	fmt.Fprintln(w, SectionStyle.Render("Commands"))
	for _, c := range cmds {
		fmt.Fprintf(w, "  %s %s\n", commandStyle.Render(util.PadRight(c.name, 24)), DimStyle.Render(c.desc))
	}
}

func printParams(w io.Writer, s chat.Sampling) {
	fmt.Fprintf(w, "%s %.2f  %s %.2f  %s %d\n",
		RenderLabel("temperature"), s.Temperature,
		RenderLabel("top_p"), s.TopP,
		RenderLabel("max_tokens"), s.MaxOutputTokens)
}

func printHistory(s *chatSession) {
	pairs := s.ctrl.Snapshot().Pairs
	if len(pairs) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("No conversation yet."))
		return
	}
	width := GetTerminalWidth()
	for i, p := range pairs {
		fmt.Fprintf(s.out, "%s\n%s\n", userLabelStyle.Render(fmt.Sprintf("[%d] You:", i+1)), WrapText(p.User, width))
		fmt.Fprintf(s.out, "%s\n%s\n\n", assistantLabelStyle.Render("Assistant:"), WrapText(p.Assistant, width))
	}
}

func printExitSummary(s *chatSession) {
	elapsed := formatDurationShort(time.Since(s.startTime))
	fmt.Fprintf(s.out, "%s %d turns in %s\n", DimStyle.Render("Session:"), s.turns, elapsed)
	if s.savedID != "" {
		fmt.Fprintf(s.out, "%s %s\n", DimStyle.Render("Saved as:"), s.savedID)
	}
}
