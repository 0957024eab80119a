// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/vidchat/internal/chat"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one live conversation.
type Session struct {
	mu sync.Mutex

	id           string
	ctrl         *chat.Controller
	startTime    time.Time
	lastActivity time.Time

	// dirty is set after a turn changes the transcript and cleared on save.
	dirty bool
}

func newSession(id string, ctrl *chat.Controller) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		ctrl:         ctrl,
		startTime:    now,
		lastActivity: now,
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Controller returns the session's turn controller.
func (s *Session) Controller() *chat.Controller {
	return s.ctrl
}

// StartTime returns when the session started.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// IdleTime returns how long since last activity.
func (s *Session) IdleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// RecordActivity updates the last activity timestamp.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// MarkDirty indicates the transcript has unsaved changes.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// MarkClean indicates the transcript has been saved.
func (s *Session) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// IsDirty returns whether the transcript has unsaved changes.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) expired(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A generation in flight counts as activity.
	if s.ctrl.Busy() {
		return false
	}
	return now.Sub(s.lastActivity) >= timeout
}

// =============================================================================
// SESSION STATUS
// =============================================================================

// Status represents the current session status.
type Status struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"start_time"`
	IdleTime  time.Duration `json:"idle_ns"`
	Idle      string        `json:"idle"`
	Turns     int           `json:"turns"`
	State     chat.State    `json:"state"`
	FirstTurn bool          `json:"first_turn"`
	Dirty     bool          `json:"dirty"`
}

// GetStatus returns the current session status.
func (s *Session) GetStatus() Status {
	snap := s.ctrl.Snapshot()
	first := s.ctrl.FirstTurn()

	s.mu.Lock()
	defer s.mu.Unlock()
	idle := time.Since(s.lastActivity)
	return Status{
		ID:        s.id,
		StartTime: s.startTime,
		IdleTime:  idle,
		Idle:      FormatDuration(idle),
		Turns:     len(snap.Pairs),
		State:     snap.State,
		FirstTurn: first,
		Dirty:     s.dirty,
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateSessionID creates a unique session ID.
func generateSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return strconv.Itoa(mins) + "m"
	}
	return strconv.Itoa(mins) + "m " + strconv.Itoa(secs) + "s"
}
