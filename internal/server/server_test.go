// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/session"
	"github.com/jeranaias/vidchat/internal/storage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type stubResolver struct {
	mu    sync.Mutex
	err   error
	paths []string
}

func (r *stubResolver) Resolve(ctx context.Context, path string, kind media.Kind) (*media.Input, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	if r.err != nil {
		return nil, r.err
	}
	return &media.Input{Kind: kind, Path: path, Frames: [][]byte{[]byte("frame")}}, nil
}

func (r *stubResolver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	resolver *stubResolver
	scratch  *media.Scratch
	convs    *storage.ConversationStore
	feedback *storage.FeedbackStore

	mu       sync.Mutex
	answer   string
	genErr   error
	requests []*chat.Request
}

func (e *testEnv) generate(ctx context.Context, req *chat.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return e.answer, e.genErr
}

func (e *testEnv) setGeneration(answer string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answer, e.genErr = answer, err
}

func (e *testEnv) generations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.RateLimit = 0
	cfg.Storage.DataDir = dir

	scratch, err := media.NewScratch(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	fb, err := storage.OpenFeedbackStore(filepath.Join(dir, "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })
	convs, err := storage.NewConversationStoreWithDir(filepath.Join(dir, "conversations"))
	require.NoError(t, err)

	env := &testEnv{
		resolver: &stubResolver{},
		scratch:  scratch,
		convs:    convs,
		feedback: fb,
		answer:   "A cat on a sofa.",
	}
	env.srv, err = New(cfg, Deps{
		Endpoint:      chat.EndpointFunc(env.generate),
		Resolver:      env.resolver,
		Scratch:       scratch,
		Conversations: env.convs,
		Feedback:      fb,
	})
	require.NoError(t, err)
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func decodeTurn(t *testing.T, rec *httptest.ResponseRecorder) TurnResponse {
	t.Helper()
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	cfg := config.Default()
	scratch, err := media.NewScratch(t.TempDir())
	require.NoError(t, err)
	ep := chat.EndpointFunc(func(context.Context, *chat.Request) (string, error) { return "", nil })

	_, err = New(cfg, Deps{Endpoint: ep, Scratch: scratch})
	assert.Error(t, err, "missing resolver")

	_, err = New(cfg, Deps{Endpoint: ep, Resolver: &stubResolver{}})
	assert.Error(t, err, "missing scratch")

	_, err = New(cfg, Deps{Resolver: &stubResolver{}, Scratch: scratch})
	assert.Error(t, err, "missing endpoint")

	bad := config.Default()
	bad.Model.Profile = "missing"
	_, err = New(bad, Deps{Endpoint: ep, Resolver: &stubResolver{}, Scratch: scratch})
	assert.Error(t, err, "unknown profile")
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessions_CreateGetDelete(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.True(t, resp.FirstTurn)
	assert.Equal(t, chat.StateEmpty, resp.State)
	assert.Empty(t, resp.Pairs)
	assert.Equal(t, chat.DefaultSampling(), resp.Sampling)
	assert.Equal(t, "llama_2", resp.Template)

	rec = env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error.Type)
}

func TestSessions_Limit(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.srv.config().Clone()
	cfg.Server.MaxSessions = 1
	env.srv, _ = New(cfg, Deps{
		Endpoint: chat.EndpointFunc(env.generate),
		Resolver: env.resolver,
		Scratch:  env.scratch,
	})
	env.handler = env.srv.Handler()

	env.createSession(t)
	rec := env.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_Text(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	env.setGeneration("It is a cat.###ignored", nil)
	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "What is in the picture?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeTurn(t, rec)
	assert.Equal(t, "It is a cat.", resp.Answer)
	require.Len(t, resp.Pairs, 1)
	assert.Equal(t, "It is a cat.", resp.Pairs[0].Assistant)
	assert.Equal(t, chat.StateHasHistory, resp.State)
	assert.False(t, resp.FirstTurn)
	assert.Empty(t, resp.Image)
	assert.Equal(t, 0, env.resolver.calls())

	sess, err := env.srv.Registry().Get(id)
	require.NoError(t, err)
	assert.True(t, sess.IsDirty())
}

func TestSubmit_EmptyTextWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, chat.ErrInputMissing.Error())
	assert.Equal(t, 0, env.generations())
}

func TestSubmit_InvalidSampling(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	temp := 5.0
	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi", Temperature: &temp})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.generations())
}

func TestSubmit_SamplingOverrides(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	topP := 0.3
	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi", TopP: &topP})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, 1, env.generations())
	got := env.requests[0].Sampling
	assert.Equal(t, 0.3, got.TopP)
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 512, got.MaxOutputTokens)
}

func TestSubmit_UnknownField(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", map[string]string{"txt": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartSubmit(t *testing.T, fields map[string]string, fileField, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSubmit_MultipartImage(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	body, ctype := multipartSubmit(t, map[string]string{"text": "Describe this", "temperature": "0.5"},
		"image", "photo.PNG", []byte("not really a png"))
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/submit", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeTurn(t, rec)
	require.True(t, strings.HasPrefix(resp.Image, "/files/"), resp.Image)
	assert.True(t, strings.HasSuffix(resp.Image, ".png"))
	require.Len(t, resp.Pairs, 1)
	assert.Contains(t, resp.Pairs[0].User, `<img src="`+resp.Image+`"`)
	assert.Equal(t, 1, env.resolver.calls())
	assert.Equal(t, 0.5, env.requests[0].Sampling.Temperature)
	assert.Equal(t, []media.Kind{media.KindImage}, env.requests[0].Modalities)

	// The uploaded copy is served back.
	rec = env.do(t, http.MethodGet, resp.Image, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not really a png", rec.Body.String())
	assert.NotEqual(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSubmit_MultipartBothMedia(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "compare"))
	fw, _ := mw.CreateFormFile("image", "a.jpg")
	fw.Write([]byte("img"))
	fw, _ = mw.CreateFormFile("video", "b.mp4")
	fw.Write([]byte("vid"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, chat.ErrUnsupportedCombination.Error())
	assert.Equal(t, 0, env.generations())
}

func TestSubmit_EmptyUpload(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	body, ctype := multipartSubmit(t, map[string]string{"text": "hi"}, "image", "a.png", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/submit", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_RejectedUploadsAreRemoved(t *testing.T) {
	type part struct{ field, file, value string }
	tests := []struct {
		name  string
		parts []part
	}{
		{"bad temperature", []part{
			{field: "image", file: "a.png", value: "img"},
			{field: "text", value: "hi"},
			{field: "temperature", value: "hot"},
		}},
		{"image and video", []part{
			{field: "text", value: "compare"},
			{field: "image", file: "a.jpg", value: "img"},
			{field: "video", file: "b.mp4", value: "vid"},
		}},
		{"no text and no history", []part{
			{field: "image", file: "a.png", value: "img"},
		}},
		{"out of range sampling", []part{
			{field: "text", value: "hi"},
			{field: "video", file: "b.mp4", value: "vid"},
			{field: "top_p", value: "3"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id := env.createSession(t)

			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			for _, p := range tt.parts {
				if p.file != "" {
					fw, err := mw.CreateFormFile(p.field, p.file)
					require.NoError(t, err)
					_, err = fw.Write([]byte(p.value))
					require.NoError(t, err)
					continue
				}
				require.NoError(t, mw.WriteField(p.field, p.value))
			}
			require.NoError(t, mw.Close())

			req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/submit", &buf)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, 0, env.generations())
			entries, err := os.ReadDir(env.scratch.Dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestSubmit_UpstreamFailureRemovesUpload(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	env.setGeneration("", errors.New("ollama down"))

	body, ctype := multipartSubmit(t, map[string]string{"text": "hi"}, "image", "a.png", []byte("img"))
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/submit", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	entries, err := os.ReadDir(env.scratch.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmit_JSONMediaOutsideScratchIsAbsent(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	outside := filepath.Join(t.TempDir(), "secret.png")
	require.NoError(t, os.WriteFile(outside, []byte("data"), 0600))

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi", ImagePath: outside})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeTurn(t, rec).Image)
	assert.Equal(t, 0, env.resolver.calls())
}

func TestSubmit_JSONMediaInScratch(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	path, err := env.scratch.Save(strings.NewReader("video bytes"), ".mp4", 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit",
		SubmitRequest{Text: "what happens", VideoPath: filepath.Base(path)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeTurn(t, rec)
	assert.Equal(t, "/files/"+filepath.Base(path), resp.Video)
	assert.Contains(t, resp.Pairs[0].User, "<video")
}

func TestSubmit_UpstreamErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	path, err := env.scratch.Save(strings.NewReader("x"), ".png", 0)
	require.NoError(t, err)

	env.resolver.err = fmt.Errorf("detect: %w", media.ErrKindMismatch)
	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi", ImagePath: path})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	env.resolver.err = errors.New("disk on fire")
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi", ImagePath: path})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	env.resolver.err = nil
	env.setGeneration("", errors.New("model exploded"))
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_error", decodeError(t, rec).Error.Type)

	rec = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Pairs)
	assert.Equal(t, chat.StateEmpty, resp.State)
}

// =============================================================================
// REGENERATE AND CLEAR
// =============================================================================

func TestRegenerate_EmptyHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/regenerate", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	require.NotNil(t, body.Session)
	assert.Empty(t, body.Session.Pairs)
	assert.Equal(t, chat.StateEmpty, body.Session.State)
}

func TestRegenerate_Resubmits(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	env.setGeneration("first", nil)
	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "tell me"})
	require.Equal(t, http.StatusOK, rec.Code)

	env.setGeneration("second", nil)
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/regenerate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeTurn(t, rec)
	require.Len(t, resp.Pairs, 1)
	assert.Equal(t, "second", resp.Pairs[0].Assistant)
	assert.Equal(t, 2, env.generations())
	assert.Equal(t, env.requests[0].Prompt, env.requests[1].Prompt)
}

func TestRegenerate_WithoutResubmit(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "tell me"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/regenerate?resubmit=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeTurn(t, rec)
	assert.Empty(t, resp.Pairs)
	assert.Equal(t, chat.StateEmpty, resp.State)
	assert.Equal(t, 1, env.generations())

	// The dropped input is reused by an empty submission.
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, env.requests[0].Prompt, env.requests[1].Prompt)
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeTurn(t, rec)
	assert.Empty(t, resp.Pairs)
	assert.Equal(t, chat.StateEmpty, resp.State)
	assert.True(t, resp.FirstTurn)

	sess, err := env.srv.Registry().Get(id)
	require.NoError(t, err)
	assert.False(t, sess.IsDirty())
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestSave(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/save", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))

	stored, err := env.convs.Load(saved["id"])
	require.NoError(t, err)
	assert.Equal(t, id, stored.SessionID)
	assert.Len(t, stored.Turns, 2)
	assert.Equal(t, "hello there", stored.Turns[0].Text)
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/feedback", FeedbackRequest{Kind: "upvote"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.setGeneration("one", nil)
	env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "first"})
	env.setGeneration("two", nil)
	env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", SubmitRequest{Text: "second"})

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/feedback", FeedbackRequest{Kind: "down"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var fb storage.Feedback
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fb))
	assert.Equal(t, storage.FeedbackDownvote, fb.Kind)
	assert.Equal(t, 1, fb.TurnIndex)
	assert.Equal(t, "two", fb.AssistantText)

	first := 0
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/feedback", FeedbackRequest{Kind: "flag", Turn: &first})
	require.Equal(t, http.StatusCreated, rec.Code)

	bad := 7
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/feedback", FeedbackRequest{Kind: "flag", Turn: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/feedback", FeedbackRequest{Kind: "meh"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	list, err := env.feedback.List(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// =============================================================================
// STATUS
// =============================================================================

func TestHealth_WithoutClient(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Sessions)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestFile_RejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/files/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/files/.upload-123", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrTooManySessions, http.StatusServiceUnavailable},
		{chat.ErrInputMissing, http.StatusBadRequest},
		{fmt.Errorf("x: %w", chat.ErrInvalidSampling), http.StatusBadRequest},
		{chat.ErrBusy, http.StatusConflict},
		{chat.ErrHistoryCleared, http.StatusConflict},
		{&chat.UpstreamGenerationError{Stage: chat.StageResolve, Err: media.ErrNoFrames}, http.StatusUnprocessableEntity},
		{&chat.UpstreamGenerationError{Stage: chat.StageGenerate, Err: media.ErrNoFrames}, http.StatusBadGateway},
		{&chat.UpstreamGenerationError{Stage: chat.StageGenerate, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	h := RateLimitMiddleware(limiter, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, limiter.Len())
}

func TestBodyLimitMiddleware(t *testing.T) {
	h := BodyLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.9", GetClientIP(req), "untrusted peer")

	req.RemoteAddr = "127.0.0.1:5000"
	assert.Equal(t, "198.51.100.1", GetClientIP(req), "trusted proxy")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestServe_DrainsAndAutoSaves(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	var created SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp, err = http.Post(base+"/api/sessions/"+created.ID+"/submit", "application/json",
		strings.NewReader(`{"text":"remember me"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.Equal(t, 0, env.srv.Registry().Len())
	metas, err := env.convs.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, created.ID, metas[0].SessionID)
}

func TestApplyConfig(t *testing.T) {
	env := newTestEnv(t)

	cfg := env.srv.config().Clone()
	cfg.Sampling.TopP = 0.4
	env.srv.ApplyConfig(cfg)

	id := env.createSession(t)
	sess, err := env.srv.Registry().Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0.4, sess.Controller().Sampling().TopP)

	// A config whose profile does not exist is ignored.
	bad := cfg.Clone()
	bad.Model.Profile = "missing"
	env.srv.ApplyConfig(bad)
	assert.Equal(t, "default", env.srv.config().Model.Profile)
}
