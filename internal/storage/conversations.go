// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/util"
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation is a persisted display transcript.
type StoredConversation struct {
	// Identity
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model,omitempty"`
	Template  string    `json:"template"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Turns []StoredTurn `json:"turns"`
}

// StoredTurn is one persisted turn. Content carries the display markup;
// Text the raw user input.
type StoredTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	Preview   string    `json:"preview"`
}

// FromConversation converts a transcript into its stored form. Pending
// assistant turns are skipped.
func FromConversation(sessionID string, conv *model.Conversation) *StoredConversation {
	sc := &StoredConversation{
		ID:        conv.ID,
		SessionID: sessionID,
		Summary:   conv.Title,
		Model:     conv.Model,
		Template:  conv.TemplateName,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Turns:     make([]StoredTurn, 0, len(conv.Turns)),
	}
	for _, t := range conv.Turns {
		if t.Pending {
			continue
		}
		sc.Turns = append(sc.Turns, StoredTurn{
			Role:      t.Role.String(),
			Content:   t.Content,
			Text:      t.Text,
			Timestamp: t.Timestamp,
		})
	}
	return sc
}

// ToConversation rebuilds a transcript from its stored form.
func (c *StoredConversation) ToConversation() *model.Conversation {
	conv := &model.Conversation{
		ID:           c.ID,
		Title:        c.Summary,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Model:        c.Model,
		TemplateName: c.Template,
		Turns:        make([]*model.Turn, 0, len(c.Turns)),
	}
	for _, t := range c.Turns {
		conv.Turns = append(conv.Turns, &model.Turn{
			Role:      model.Role(t.Role),
			Content:   t.Content,
			Text:      t.Text,
			Timestamp: t.Timestamp,
		})
	}
	return conv
}

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// DefaultMaxConversations is the retention limit of a new store.
const DefaultMaxConversations = 100

// ConversationStore handles conversation persistence.
type ConversationStore struct {
	// BaseDir is the directory for storing conversations
	// Default: ~/.vidchat/conversations/
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited)
	MaxConversations int
}

// NewConversationStore creates a store under ~/.vidchat/conversations.
func NewConversationStore() (*ConversationStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "resolve home directory")
	}
	return NewConversationStoreWithDir(filepath.Join(homeDir, ".vidchat", "conversations"))
}

// NewConversationStoreWithDir creates a store with a custom directory.
func NewConversationStoreWithDir(baseDir string) (*ConversationStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create %s", baseDir)
	}

	return &ConversationStore{
		BaseDir:          baseDir,
		MaxConversations: DefaultMaxConversations,
	}, nil
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists a conversation and returns its ID. Saving the same ID again
// overwrites the previous file.
func (s *ConversationStore) Save(conv *StoredConversation) (string, error) {
	if conv.ID == "" {
		return "", &ConversationError{Message: "conversation has no id"}
	}
	filePath, err := s.filePath(conv.ID)
	if err != nil {
		return "", err
	}

	if conv.Summary == "" {
		conv.Summary = generateSummary(conv)
	}

	conv.UpdatedAt = time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal conversation")
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(filePath, data, 0600); err != nil {
		return "", err
	}

	if s.MaxConversations > 0 {
		s.enforceLimit()
	}

	return conv.ID, nil
}

// generateSummary creates a summary from the first user turn.
func generateSummary(conv *StoredConversation) string {
	for _, t := range conv.Turns {
		if t.Role != string(model.RoleUser) {
			continue
		}
		text := t.Text
		if text == "" {
			text = t.Content
		}
		if text == "" {
			continue
		}
		text = strings.ReplaceAll(text, "\r", "")
		text = strings.ReplaceAll(text, "\n", " ")
		return util.TruncateRunes(text, 50)
	}
	return "New conversation"
}

// enforceLimit removes oldest conversations if over limit.
func (s *ConversationStore) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}

	// List is newest first
	for _, m := range metas[s.MaxConversations:] {
		_ = s.Delete(m.ID)
	}
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by ID.
func (s *ConversationStore) Load(id string) (*StoredConversation, error) {
	filePath, err := s.filePath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrapf(err, "read conversation %s", id)
	}

	var conv StoredConversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, errors.Wrapf(err, "decode conversation %s", id)
	}

	return &conv, nil
}

// LoadByIndex loads a conversation by its index in the list (0 = most recent).
func (s *ConversationStore) LoadByIndex(index int) (*StoredConversation, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}

	if index < 0 || index >= len(metas) {
		return nil, ErrConversationNotFound
	}

	return s.Load(metas[index].ID)
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns all saved conversations (most recent first).
func (s *ConversationStore) List() ([]ConversationMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConversationMeta{}, nil
		}
		return nil, errors.Wrap(err, "list conversations")
	}

	metas := make([]ConversationMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		conv, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Skip corrupted files
		}
		metas = append(metas, conv.Meta())
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})

	return metas, nil
}

// Search finds conversations whose summary or preview matches query.
func (s *ConversationStore) Search(query string) ([]ConversationMeta, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var results []ConversationMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Summary), query) ||
			strings.Contains(strings.ToLower(meta.Preview), query) {
			results = append(results, meta)
		}
	}

	return results, nil
}

// SearchMessages returns conversations where any turn contains query
// (case-insensitive).
func (s *ConversationStore) SearchMessages(query string) ([]ConversationMeta, error) {
	if query == "" {
		return s.List()
	}

	query = strings.ToLower(query)
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	var results []ConversationMeta
	for _, meta := range all {
		conv, err := s.Load(meta.ID)
		if err != nil {
			continue
		}
		for _, t := range conv.Turns {
			if strings.Contains(strings.ToLower(t.Content), query) {
				results = append(results, meta)
				break
			}
		}
	}

	return results, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by ID.
func (s *ConversationStore) Delete(id string) error {
	filePath, err := s.filePath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return errors.Wrapf(err, "delete conversation %s", id)
	}

	return nil
}

// Clear removes all saved conversations.
func (s *ConversationStore) Clear() error {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list conversations")
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			os.Remove(filepath.Join(s.BaseDir, entry.Name()))
		}
	}

	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// filePath returns the file path for a conversation ID.
func (s *ConversationStore) filePath(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.BaseDir, id+".json"), nil
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	// Use errors.Is(err, ErrConversationNotFound) to check for this error.
	ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

	// ErrInvalidID is returned for IDs that cannot name a file in the store.
	ErrInvalidID = &ConversationError{Message: "invalid conversation id"}
)

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// SESSION LIST FORMATTING
// =============================================================================

// FormatSessionList renders saved conversations as a table.
func FormatSessionList(sessions []ConversationMeta) string {
	if len(sessions) == 0 {
		return "No saved conversations."
	}

	var sb strings.Builder
	sb.WriteString(util.PadRight("ID", 22) + " " + util.PadRight("Updated", 17) + " " + util.PadRight("Turns", 6) + " Preview\n")
	sb.WriteString(strings.Repeat("-", 80) + "\n")

	for _, s := range sessions {
		sb.WriteString(util.PadRight(util.TruncateWidth(s.ID, 22), 22) + " " +
			util.PadRight(s.UpdatedAt.Format("2006-01-02 15:04"), 17) + " " +
			util.PadRight(strconv.Itoa(s.TurnCount), 6) + " " +
			util.TruncateWidth(s.Preview, 32) + "\n")
	}
	return sb.String()
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders the conversation as Markdown.
func (c *StoredConversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Summary + "\n\n")
	sb.WriteString("- ID: `" + c.ID + "`\n")
	if c.Model != "" {
		sb.WriteString("- Model: `" + c.Model + "`\n")
	}
	sb.WriteString("- Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, t := range c.Turns {
		role := model.Role(t.Role).DisplayName()
		sb.WriteString("**" + role + "** (" + t.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(t.Content)
		sb.WriteString("\n\n---\n\n")
	}

	return sb.String()
}

// ExportJSON exports the conversation as pretty-printed JSON.
func (c *StoredConversation) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// GetPreview returns the first user turn, truncated.
func (c *StoredConversation) GetPreview() string {
	for _, t := range c.Turns {
		if t.Role != string(model.RoleUser) {
			continue
		}
		text := t.Text
		if text == "" {
			text = t.Content
		}
		if text != "" {
			return util.TruncateRunes(util.FirstLine(text), 80)
		}
	}
	return ""
}

// TurnCount returns the number of turns in the conversation.
func (c *StoredConversation) TurnCount() int {
	return len(c.Turns)
}

// Meta returns listing metadata for the conversation.
func (c *StoredConversation) Meta() ConversationMeta {
	return ConversationMeta{
		ID:        c.ID,
		SessionID: c.SessionID,
		Summary:   c.Summary,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		TurnCount: len(c.Turns),
		Preview:   c.GetPreview(),
	}
}
