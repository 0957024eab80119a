// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// FEEDBACK TYPES
// =============================================================================

// FeedbackKind is the verdict a user gave on an answer.
type FeedbackKind string

const (
	FeedbackUpvote   FeedbackKind = "upvote"
	FeedbackDownvote FeedbackKind = "downvote"
	FeedbackFlag     FeedbackKind = "flag"
)

// ParseFeedbackKind accepts the kind names plus the short forms up, down
// and flagged.
func ParseFeedbackKind(s string) (FeedbackKind, error) {
	switch s {
	case "upvote", "up":
		return FeedbackUpvote, nil
	case "downvote", "down":
		return FeedbackDownvote, nil
	case "flag", "flagged":
		return FeedbackFlag, nil
	}
	return "", errors.Wrapf(ErrInvalidFeedback, "unknown kind %q", s)
}

// Feedback is one recorded verdict on an assistant turn.
type Feedback struct {
	ID            int64        `json:"id"`
	SessionID     string       `json:"session_id"`
	TurnIndex     int          `json:"turn_index"`
	Kind          FeedbackKind `json:"kind"`
	UserText      string       `json:"user_text"`
	AssistantText string       `json:"assistant_text"`
	Model         string       `json:"model,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// FeedbackStats aggregates recorded verdicts.
type FeedbackStats struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
	Flags     int `json:"flags"`
	Total     int `json:"total"`
	Sessions  int `json:"sessions"`
}

// ErrInvalidFeedback is returned for feedback that cannot be recorded.
var ErrInvalidFeedback = errors.New("invalid feedback")

const feedbackSchema = `
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn_index INTEGER NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('upvote', 'downvote', 'flag')),
    user_text TEXT NOT NULL DEFAULT '',
    assistant_text TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL -- Unix nanoseconds
);

CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id);
CREATE INDEX IF NOT EXISTS idx_feedback_kind ON feedback(kind);
`

// =============================================================================
// FEEDBACK STORE
// =============================================================================

// FeedbackStore records votes and flags in a SQLite database.
type FeedbackStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenFeedbackStore opens (creating if needed) the database at path.
func OpenFeedbackStore(path string) (*FeedbackStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create feedback directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open feedback database")
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "set %s", pragma)
		}
	}

	if _, err := db.Exec(feedbackSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize feedback schema")
	}

	log.Debug().Str("path", path).Msg("feedback store opened")
	return &FeedbackStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *FeedbackStore) Path() string {
	return s.path
}

// Record stores a verdict and fills in its ID and timestamp.
func (s *FeedbackStore) Record(ctx context.Context, fb *Feedback) error {
	switch fb.Kind {
	case FeedbackUpvote, FeedbackDownvote, FeedbackFlag:
	default:
		return errors.Wrapf(ErrInvalidFeedback, "unknown kind %q", fb.Kind)
	}
	if fb.SessionID == "" {
		return errors.Wrap(ErrInvalidFeedback, "session id is required")
	}
	if fb.TurnIndex < 0 {
		return errors.Wrap(ErrInvalidFeedback, "turn index must not be negative")
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (session_id, turn_index, kind, user_text, assistant_text, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fb.SessionID, fb.TurnIndex, string(fb.Kind), fb.UserText, fb.AssistantText, fb.Model, fb.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "insert feedback")
	}
	fb.ID, _ = res.LastInsertId()

	log.Info().
		Str("session", fb.SessionID).
		Int("turn", fb.TurnIndex).
		Str("kind", string(fb.Kind)).
		Msg("feedback recorded")
	return nil
}

// List returns verdicts newest first. An empty sessionID lists all sessions;
// limit <= 0 means no limit.
func (s *FeedbackStore) List(ctx context.Context, sessionID string, limit int) ([]Feedback, error) {
	query := `SELECT id, session_id, turn_index, kind, user_text, assistant_text, model, created_at FROM feedback`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query feedback")
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb   Feedback
			kind string
			ts   int64
		)
		if err := rows.Scan(&fb.ID, &fb.SessionID, &fb.TurnIndex, &kind, &fb.UserText, &fb.AssistantText, &fb.Model, &ts); err != nil {
			return nil, errors.Wrap(err, "scan feedback")
		}
		fb.Kind = FeedbackKind(kind)
		fb.CreatedAt = time.Unix(0, ts)
		out = append(out, fb)
	}
	return out, errors.Wrap(rows.Err(), "iterate feedback")
}

// Stats counts verdicts per kind.
func (s *FeedbackStore) Stats(ctx context.Context) (FeedbackStats, error) {
	var st FeedbackStats

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM feedback GROUP BY kind`)
	if err != nil {
		return st, errors.Wrap(err, "query feedback stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return st, errors.Wrap(err, "scan feedback stats")
		}
		switch FeedbackKind(kind) {
		case FeedbackUpvote:
			st.Upvotes = n
		case FeedbackDownvote:
			st.Downvotes = n
		case FeedbackFlag:
			st.Flags = n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, errors.Wrap(err, "iterate feedback stats")
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM feedback`).Scan(&st.Sessions)
	return st, errors.Wrap(err, "count feedback sessions")
}

// Close closes the database.
func (s *FeedbackStore) Close() error {
	return s.db.Close()
}
