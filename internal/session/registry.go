// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/vidchat/internal/chat"
)

// ErrNotFound is returned for unknown or expired session IDs.
var ErrNotFound = errors.New("session not found")

// ErrTooManySessions is returned by Create when the registry is full.
var ErrTooManySessions = errors.New("too many active sessions")

// Factory builds the controller for a new session.
type Factory func(id string) (*chat.Controller, error)

// Config holds configuration for the registry.
type Config struct {
	// Timeout is how long a session may stay idle (default: 30 minutes)
	Timeout time.Duration

	// SweepInterval is how often Run looks for expired sessions (default: 1 minute)
	SweepInterval time.Duration

	// MaxSessions caps concurrently live sessions; 0 means unlimited.
	MaxSessions int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Minute,
		SweepInterval: time.Minute,
		MaxSessions:   256,
	}
}

// Registry maps session IDs to live sessions.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	factory  Factory
	sessions map[string]*Session

	// onExpire runs outside the lock for every swept session.
	onExpire func(*Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, factory Factory) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// SetExpireCallback sets the function called for each expired session.
func (r *Registry) SetExpireCallback(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// SetTimeout updates the idle timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Timeout = d
}

// Create starts a new session.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.mu.Unlock()

	id := generateSessionID()
	ctrl, err := r.factory(id)
	if err != nil {
		return nil, err
	}
	sess := newSession(id, ctrl)

	r.mu.Lock()
	// Another Create may have filled the last slot while the factory ran.
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	log.Info().Str("session", id).Int("active", count).Msg("session created")
	return sess, nil
}

// Get returns a live session and records activity on it.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess.RecordActivity()
	return sess, nil
}

// Delete ends a session. Deleting an unknown ID is not an error.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the status of every live session, most recently started first.
func (r *Registry) List() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.GetStatus())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartTime.After(statuses[j].StartTime)
	})
	return statuses
}

// Sweep removes sessions idle past the timeout and returns how many were
// removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.expired(r.cfg.Timeout, now) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		log.Info().Str("session", s.ID()).Msg("session expired")
		if onExpire != nil {
			onExpire(s)
		}
	}
	return len(expired)
}

// Drain removes every session and hands each to the expire callback.
// It is used on shutdown so dirty transcripts can be saved.
func (r *Registry) Drain() int {
	r.mu.Lock()
	drained := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		drained = append(drained, s)
		delete(r.sessions, id)
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	if onExpire != nil {
		for _, s := range drained {
			onExpire(s)
		}
	}
	return len(drained)
}

// Run sweeps periodically until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	interval := r.cfg.SweepInterval
	r.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
