// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/model"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Request is one call to the model endpoint.
type Request struct {
	Prompt     string
	Inputs     []*media.Input
	Modalities []media.Kind
	Sampling   Sampling
	Stop       []string
}

// Endpoint generates text for a rendered prompt and its media.
type Endpoint interface {
	Generate(ctx context.Context, req *Request) (string, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req *Request) (string, error)

// Generate calls f.
func (f EndpointFunc) Generate(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Options configures a Controller. Endpoint and Resolver are required.
type Options struct {
	// ID identifies the controller in logs.
	ID string

	Template *model.Template
	Endpoint Endpoint
	Resolver media.Resolver

	// Scratch, when set, receives a copy of each submitted media file and the
	// display markup references the copy.
	Scratch *media.Scratch

	// MediaURL maps a media path to the src used in display markup.
	// Defaults to media.FileURL.
	MediaURL func(path string) string

	// Sampling is used when a submission carries no parameters.
	Sampling Sampling
}

// SubmitRequest is the input of one Submit call. Empty text reuses the
// previous input. Image and video paths that do not name existing files are
// treated as absent.
type SubmitRequest struct {
	Text      string
	ImagePath string
	VideoPath string
	Sampling  *Sampling
}

// Result is the snapshot returned by every controller action.
type Result struct {
	// Answer is the truncated assistant text of a successful Submit.
	Answer string `json:"answer,omitempty"`
	// Raw is the untruncated endpoint output.
	Raw string `json:"raw,omitempty"`

	Pairs     []model.Pair `json:"pairs"`
	ImagePath string       `json:"image_path,omitempty"`
	VideoPath string       `json:"video_path,omitempty"`
	State     State        `json:"state"`
}

// Controller owns the display and model buffers of one conversation.
// It is safe for concurrent use. At most one Submit runs at a time; others
// fail fast with ErrBusy.
type Controller struct {
	mu   sync.Mutex
	opts Options

	display  *model.Conversation
	modelBuf *model.Conversation

	state     State
	busy      bool
	epoch     uint64
	firstTurn bool

	// lastText is the raw input an empty Submit reuses.
	lastText  string
	lastImage string
	lastVideo string
}

// New creates a controller with fresh buffers.
func New(opts Options) (*Controller, error) {
	if opts.Endpoint == nil {
		return nil, errors.New("chat: endpoint is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("chat: media resolver is required")
	}
	if opts.Template == nil {
		tmpl, err := model.LookupTemplate("")
		if err != nil {
			return nil, err
		}
		opts.Template = tmpl
	}
	if opts.MediaURL == nil {
		opts.MediaURL = media.FileURL
	}
	if opts.Sampling == (Sampling{}) {
		opts.Sampling = DefaultSampling()
	}
	if err := opts.Sampling.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{opts: opts}
	c.resetLocked()
	return c, nil
}

func (c *Controller) resetLocked() {
	c.display = model.NewConversation(c.opts.Template)
	c.modelBuf = model.NewConversation(c.opts.Template)
	c.state = StateEmpty
	c.firstTurn = true
	c.lastText = ""
	c.lastImage = ""
	c.lastVideo = ""
}

// =============================================================================
// SUBMIT
// =============================================================================

// pendingSubmit carries what the unlocked phase of Submit needs.
type pendingSubmit struct {
	text      string
	kind      media.Kind
	path      string
	prompt    string
	stop      string
	sampling  Sampling
	epoch     uint64
	prevState State
}

// Submit runs one user turn: it validates the input, calls the endpoint once
// and appends the (user, assistant) pair to the display buffer.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	p, err := c.beginSubmit(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logger := log.With().Str("session", c.opts.ID).Str("modality", p.kind.String()).Logger()
	logger.Debug().Str("prompt", p.prompt).Msg("submitting turn")

	displayPath := p.path
	var inputs []*media.Input
	var modalities []media.Kind

	if p.kind != media.KindNone {
		if c.opts.Scratch != nil && !c.opts.Scratch.Contains(p.path) {
			stored, err := c.opts.Scratch.Store(p.path)
			if err != nil {
				return nil, c.abortSubmit(p, &UpstreamGenerationError{Stage: StageStore, Err: err})
			}
			displayPath = stored
		}

		in, err := c.opts.Resolver.Resolve(ctx, displayPath, p.kind)
		if err != nil {
			if displayPath != p.path {
				if rmErr := os.Remove(displayPath); rmErr != nil {
					logger.Warn().Err(rmErr).Str("path", displayPath).Msg("removing scratch copy")
				}
			}
			return nil, c.abortSubmit(p, &UpstreamGenerationError{Stage: StageResolve, Err: err})
		}
		inputs = []*media.Input{in}
		modalities = []media.Kind{p.kind}
	}

	raw, err := c.opts.Endpoint.Generate(ctx, &Request{
		Prompt:     p.prompt,
		Inputs:     inputs,
		Modalities: modalities,
		Sampling:   p.sampling,
		Stop:       stopList(p.stop),
	})
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("generation failed")
		return nil, c.abortSubmit(p, &UpstreamGenerationError{Stage: StageGenerate, Err: err})
	}

	res, err := c.finishSubmit(p, raw, displayPath)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Dur("duration", time.Since(start)).
		Int("answer_len", len(res.Answer)).
		Int("turns", len(res.Pairs)).
		Msg("turn complete")
	return res, nil
}

func (c *Controller) beginSubmit(req SubmitRequest) (*pendingSubmit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, ErrBusy
	}

	hasImage := media.Exists(req.ImagePath)
	hasVideo := media.Exists(req.VideoPath)
	if hasImage && hasVideo {
		return nil, ErrUnsupportedCombination
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		if c.lastText == "" {
			return nil, ErrInputMissing
		}
		text = c.lastText
	}

	sampling := c.opts.Sampling
	if req.Sampling != nil {
		sampling = *req.Sampling
	}
	if err := sampling.Validate(); err != nil {
		return nil, err
	}

	p := &pendingSubmit{
		text:      text,
		sampling:  sampling,
		epoch:     c.epoch,
		prevState: c.state,
		stop:      c.modelBuf.StopString(),
	}
	switch {
	case hasImage:
		p.kind, p.path = media.KindImage, req.ImagePath
	case hasVideo:
		p.kind, p.path = media.KindVideo, req.VideoPath
	}

	c.modelBuf.AppendUser(BuildPrompt(text, p.kind), text)
	c.modelBuf.AppendPending()
	p.prompt = c.modelBuf.Prompt()

	c.busy = true
	c.state = StateAwaitingResponse
	return p, nil
}

func (c *Controller) finishSubmit(p *pendingSubmit, raw, displayPath string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if c.epoch != p.epoch {
		return nil, ErrHistoryCleared
	}

	answer := strings.TrimSpace(TruncateAtStopMarker(raw))
	if err := c.modelBuf.FillPending(answer); err != nil {
		return nil, err
	}

	markup := ""
	if p.kind != media.KindNone {
		markup = media.Markup(p.kind, c.opts.MediaURL(displayPath))
	}
	c.display.AppendUser(DisplayText(p.text, markup), p.text)
	c.display.AppendAssistant(answer)

	// Single-turn contract: the model never sees earlier exchanges.
	c.modelBuf.PopLast()
	c.modelBuf.PopLast()

	c.lastText = p.text
	c.lastImage, c.lastVideo = "", ""
	switch p.kind {
	case media.KindImage:
		c.lastImage = displayPath
	case media.KindVideo:
		c.lastVideo = displayPath
	}
	c.firstTurn = false
	c.state = StateHasHistory

	res := c.snapshotLocked()
	res.Answer = answer
	res.Raw = raw
	return res, nil
}

// abortSubmit restores the buffers after a failed generation and returns err.
func (c *Controller) abortSubmit(p *pendingSubmit, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if c.epoch != p.epoch {
		return err
	}
	for c.modelBuf.Len() > 0 {
		c.modelBuf.PopLast()
	}
	c.state = p.prevState
	return err
}

func stopList(stop string) []string {
	if stop == "" {
		return nil
	}
	return []string{stop}
}

// =============================================================================
// REGENERATE AND CLEAR
// =============================================================================

// Regenerate drops the last (user, assistant) pair from the display buffer.
// The dropped input becomes the text an empty Submit reuses. With an empty
// display buffer it returns the unchanged snapshot and ErrEmptyHistory.
func (c *Controller) Regenerate() (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return c.snapshotLocked(), ErrBusy
	}

	user, _, ok := c.display.PopPair()
	if !ok {
		return c.snapshotLocked(), ErrEmptyHistory
	}
	c.lastText = user.RawText()
	if c.display.IsEmpty() {
		c.state = StateEmpty
	}

	log.Debug().Str("session", c.opts.ID).Int("turns", c.display.Len()/2).Msg("dropped last turn")
	return c.snapshotLocked(), nil
}

// Retry drops the last pair and submits its input again with the media that
// was attached to the most recent turn.
func (c *Controller) Retry(ctx context.Context, sampling *Sampling) (*Result, error) {
	if _, err := c.Regenerate(); err != nil {
		return nil, err
	}
	image, video := c.LastMedia()
	return c.Submit(ctx, SubmitRequest{ImagePath: image, VideoPath: video, Sampling: sampling})
}

// ClearHistory resets both buffers. A Submit in flight finishes with
// ErrHistoryCleared and its output is discarded.
func (c *Controller) ClearHistory() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.resetLocked()
	log.Debug().Str("session", c.opts.ID).Msg("history cleared")
	return c.snapshotLocked()
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (c *Controller) snapshotLocked() *Result {
	return &Result{
		Pairs:     c.display.Pairs(),
		ImagePath: c.lastImage,
		VideoPath: c.lastVideo,
		State:     c.state,
	}
}

// Snapshot returns the current display pairs and state.
func (c *Controller) Snapshot() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FirstTurn reports whether nothing has been submitted since creation or
// the last clear.
func (c *Controller) FirstTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstTurn
}

// Busy reports whether a Submit is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// LastMedia returns the media attached to the most recent successful turn.
func (c *Controller) LastMedia() (image, video string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastImage, c.lastVideo
}

// Transcript returns a copy of the display buffer.
func (c *Controller) Transcript() *model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display.Clone()
}

// ModelBufferLen returns the number of turns in the model buffer. It is zero
// whenever no Submit is in flight.
func (c *Controller) ModelBufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelBuf.Len()
}

// Template returns the conversation template in use.
func (c *Controller) Template() *model.Template {
	return c.opts.Template
}

// Sampling returns the default sampling parameters.
func (c *Controller) Sampling() Sampling {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Sampling
}

// SetSampling replaces the default sampling parameters.
func (c *Controller) SetSampling(s Sampling) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Sampling = s
	return nil
}
