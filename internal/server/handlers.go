// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/session"
	"github.com/jeranaias/vidchat/internal/storage"
)

// ============================================================================
// RESPONSE TYPES
// ============================================================================

// TurnResponse is the snapshot returned by every session action.
type TurnResponse struct {
	SessionID string       `json:"session_id"`
	Answer    string       `json:"answer,omitempty"`
	Pairs     []model.Pair `json:"pairs"`
	State     chat.State   `json:"state"`
	FirstTurn bool         `json:"first_turn"`
	Image     string       `json:"image,omitempty"`
	Video     string       `json:"video,omitempty"`
}

// SessionResponse describes a live session.
type SessionResponse struct {
	session.Status
	Pairs    []model.Pair  `json:"pairs"`
	Sampling chat.Sampling `json:"sampling"`
	Template string        `json:"template"`
}

// SubmitRequest is the JSON form of a submission. Media paths must name
// files previously uploaded to the scratch directory.
type SubmitRequest struct {
	Text            string   `json:"text"`
	ImagePath       string   `json:"image_path,omitempty"`
	VideoPath       string   `json:"video_path,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
}

// FeedbackRequest rates one turn. Turn defaults to the most recent pair.
type FeedbackRequest struct {
	Kind string `json:"kind"`
	Turn *int   `json:"turn,omitempty"`
}

func turnResponse(sess *session.Session, res *chat.Result) *TurnResponse {
	resp := &TurnResponse{
		SessionID: sess.ID(),
		Answer:    res.Answer,
		Pairs:     res.Pairs,
		State:     res.State,
		FirstTurn: sess.Controller().FirstTurn(),
	}
	if resp.Pairs == nil {
		resp.Pairs = []model.Pair{}
	}
	if res.ImagePath != "" {
		resp.Image = fileURL(res.ImagePath)
	}
	if res.VideoPath != "" {
		resp.Video = fileURL(res.VideoPath)
	}
	return resp
}

// ============================================================================
// SESSION HANDLERS
// ============================================================================

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Create()
	if err != nil {
		s.writeSessionError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.registry.Delete(sess.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionResponse(sess *session.Session) *SessionResponse {
	ctrl := sess.Controller()
	pairs := ctrl.Snapshot().Pairs
	if pairs == nil {
		pairs = []model.Pair{}
	}
	return &SessionResponse{
		Status:   sess.GetStatus(),
		Pairs:    pairs,
		Sampling: ctrl.Sampling(),
		Template: ctrl.Template().Name,
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

// ============================================================================
// TURN HANDLERS
// ============================================================================

// handleSubmit accepts either JSON or multipart/form-data. Multipart file
// parts named "image" and "video" are streamed into the scratch directory.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var (
		req      chat.SubmitRequest
		uploaded bool
		err      error
	)
	ctype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ctype == "multipart/form-data" {
		req, err = s.parseMultipartSubmit(r, sess.Controller())
		uploaded = true
	} else {
		req, err = s.parseJSONSubmit(r, sess.Controller())
	}
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}

	if err := s.runSubmit(r.Context(), w, sess, req); err != nil && uploaded {
		// Rejected uploads are referenced by no turn.
		s.removeUploads(req.ImagePath, req.VideoPath)
	}
}

// removeUploads deletes scratch files saved for a submission that failed.
func (s *Server) removeUploads(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("removing upload")
		}
	}
}

// handleRegenerate drops the last turn and, unless ?resubmit=false, runs its
// input again with the most recent media.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctrl := sess.Controller()

	var sampling *chat.Sampling
	if r.ContentLength != 0 {
		var body SubmitRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sampling = mergeSampling(ctrl.Sampling(), body.Temperature, body.TopP, body.MaxOutputTokens)
	}

	res, err := ctrl.Regenerate()
	if err != nil {
		s.writeSessionError(w, sess, err)
		return
	}
	sess.MarkDirty()

	if r.URL.Query().Get("resubmit") == "false" {
		writeJSON(w, http.StatusOK, turnResponse(sess, res))
		return
	}

	image, video := ctrl.LastMedia()
	s.runSubmit(r.Context(), w, sess, chat.SubmitRequest{ImagePath: image, VideoPath: video, Sampling: sampling})
}

// runSubmit writes the outcome of one Submit and returns its error.
func (s *Server) runSubmit(ctx context.Context, w http.ResponseWriter, sess *session.Session, req chat.SubmitRequest) error {
	res, err := sess.Controller().Submit(ctx, req)
	if err != nil {
		s.writeSessionError(w, sess, err)
		return err
	}
	sess.MarkDirty()
	writeJSON(w, http.StatusOK, turnResponse(sess, res))
	return nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res := sess.Controller().ClearHistory()
	sess.MarkClean()
	writeJSON(w, http.StatusOK, turnResponse(sess, res))
}

// ============================================================================
// PERSISTENCE HANDLERS
// ============================================================================

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.deps.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation storage is disabled")
		return
	}
	id, err := s.saveTranscript(sess)
	if err != nil {
		s.writeSessionError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.deps.Feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback storage is disabled")
		return
	}

	var body FeedbackRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := storage.ParseFeedbackKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pairs := sess.Controller().Snapshot().Pairs
	if len(pairs) == 0 {
		s.writeSessionError(w, sess, chat.ErrEmptyHistory)
		return
	}
	turn := len(pairs) - 1
	if body.Turn != nil {
		turn = *body.Turn
	}
	if turn < 0 || turn >= len(pairs) {
		writeError(w, http.StatusBadRequest, "turn "+strconv.Itoa(turn)+" out of range")
		return
	}

	fb := &storage.Feedback{
		SessionID:     sess.ID(),
		TurnIndex:     turn,
		Kind:          kind,
		UserText:      pairs[turn].User,
		AssistantText: pairs[turn].Assistant,
		Model:         s.modelTag(),
	}
	if err := s.deps.Feedback.Record(r.Context(), fb); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// ============================================================================
// MEDIA AND STATUS HANDLERS
// ============================================================================

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.deps.Scratch.Path(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	http.ServeFile(w, r, path)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	active := s.modelTag()
	if s.deps.Client == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": active, "models": []any{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	models, err := s.deps.Client.ListModels(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "models": models})
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Ollama   string `json:"ollama"`
	Model    string `json:"model"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Ollama:   "ok",
		Model:    s.modelTag(),
		Sessions: s.registry.Len(),
		Version:  Version,
	}
	if s.deps.Client != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Client.CheckRunning(ctx); err != nil {
			resp.Status = "degraded"
			resp.Ollama = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// REQUEST PARSING
// ============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) parseJSONSubmit(r *http.Request, ctrl *chat.Controller) (chat.SubmitRequest, error) {
	var body SubmitRequest
	if err := decodeJSON(r, &body); err != nil {
		return chat.SubmitRequest{}, err
	}
	return chat.SubmitRequest{
		Text:      body.Text,
		ImagePath: s.scratchPath(body.ImagePath),
		VideoPath: s.scratchPath(body.VideoPath),
		Sampling:  mergeSampling(ctrl.Sampling(), body.Temperature, body.TopP, body.MaxOutputTokens),
	}, nil
}

// scratchPath maps a client-supplied reference to a scratch file. Anything
// that is not an existing scratch file is treated as no media at all.
func (s *Server) scratchPath(ref string) string {
	if ref == "" {
		return ""
	}
	path, err := s.deps.Scratch.Path(filepath.Base(ref))
	if err != nil {
		return ""
	}
	return path
}

// parseMultipartSubmit saves file parts into scratch. On error every file
// saved so far is removed again.
func (s *Server) parseMultipartSubmit(r *http.Request, ctrl *chat.Controller) (req chat.SubmitRequest, err error) {
	defer func() {
		if err != nil {
			s.removeUploads(req.ImagePath, req.VideoPath)
		}
	}()

	mr, err := r.MultipartReader()
	if err != nil {
		return req, err
	}

	limit := int64(s.config().Server.MaxUploadMB) << 20
	var (
		temperature, topP *float64
		maxTokens         *int
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, err
		}

		name := part.FormName()
		if part.FileName() != "" {
			path, err := s.deps.Scratch.Save(part, filepath.Ext(part.FileName()), limit)
			part.Close()
			if err != nil {
				return req, err
			}
			switch name {
			case "image":
				s.removeUploads(req.ImagePath)
				req.ImagePath = path
			case "video":
				s.removeUploads(req.VideoPath)
				req.VideoPath = path
			default:
				s.removeUploads(path)
			}
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxJSONBody))
		part.Close()
		if err != nil {
			return req, err
		}
		field := strings.TrimSpace(string(value))
		switch name {
		case "text":
			req.Text = string(value)
		case "temperature":
			f, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return req, errors.New("invalid temperature: " + field)
			}
			temperature = &f
		case "top_p":
			f, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return req, errors.New("invalid top_p: " + field)
			}
			topP = &f
		case "max_output_tokens":
			n, err := strconv.Atoi(field)
			if err != nil {
				return req, errors.New("invalid max_output_tokens: " + field)
			}
			maxTokens = &n
		}
	}
	req.Sampling = mergeSampling(ctrl.Sampling(), temperature, topP, maxTokens)
	return req, nil
}

// mergeSampling overlays the given fields on base. It returns nil when none
// is set so the controller default applies.
func mergeSampling(base chat.Sampling, temperature, topP *float64, maxTokens *int) *chat.Sampling {
	if temperature == nil && topP == nil && maxTokens == nil {
		return nil
	}
	if temperature != nil {
		base.Temperature = *temperature
	}
	if topP != nil {
		base.TopP = *topP
	}
	if maxTokens != nil {
		base.MaxOutputTokens = *maxTokens
	}
	return &base
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

func uploadStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, media.ErrMediaTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// statusFor maps controller and registry errors to HTTP status codes.
func statusFor(err error) int {
	var upstream *chat.UpstreamGenerationError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrInputMissing),
		errors.Is(err, chat.ErrUnsupportedCombination),
		errors.Is(err, chat.ErrInvalidSampling):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy),
		errors.Is(err, chat.ErrEmptyHistory),
		errors.Is(err, chat.ErrHistoryCleared):
		return http.StatusConflict
	case errors.As(err, &upstream):
		if upstream.Stage == chat.StageResolve && isMediaError(err) {
			return http.StatusUnprocessableEntity
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isMediaError(err error) bool {
	for _, target := range []error{
		media.ErrUnsupportedMedia,
		media.ErrKindMismatch,
		media.ErrEmptyMedia,
		media.ErrMediaTooLarge,
		media.ErrNoFrames,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeSessionError writes err with the unchanged session snapshot attached
// for state conflicts.
func (s *Server) writeSessionError(w http.ResponseWriter, sess *session.Session, err error) {
	status := statusFor(err)
	body := ErrorBody{Error: ErrorDetail{Message: err.Error(), Type: errorType(status), Code: status}}
	if sess != nil && status == http.StatusConflict {
		body.Session = turnResponse(sess, sess.Controller().Snapshot())
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}
