// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the conversation buffers and prompt templates.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoPendingTurn is returned by FillPending when the last turn is not an
// in-flight assistant turn.
var ErrNoPendingTurn = errors.New("no pending assistant turn")

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered buffer of turns bound to the template it was
// created from. It is not safe for concurrent use; callers serialize access.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Model that produced the assistant turns, if known.
	Model string `json:"model,omitempty"`

	TemplateName string  `json:"template"`
	Turns        []*Turn `json:"turns"`

	template *Template
}

// NewConversation creates an empty buffer from a template.
func NewConversation(tmpl *Template) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:           generateConversationID(),
		CreatedAt:    now,
		UpdatedAt:    now,
		TemplateName: tmpl.Name,
		Turns:        make([]*Turn, 0, 4),
		template:     tmpl,
	}
}

// Template returns the template bound to the conversation, resolving it by
// name for buffers that were loaded from disk.
func (c *Conversation) Template() *Template {
	if c.template == nil {
		if t, err := LookupTemplate(c.TemplateName); err == nil {
			c.template = t
		} else {
			c.template, _ = LookupTemplate(DefaultTemplateName)
		}
	}
	return c.template
}

// =============================================================================
// TURN MANAGEMENT
// =============================================================================

// Append adds a turn to the end of the buffer.
func (c *Conversation) Append(t *Turn) {
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// AppendUser creates and appends a user turn.
func (c *Conversation) AppendUser(content, text string) *Turn {
	t := NewUserTurn(content, text)
	c.Append(t)
	return t
}

// AppendAssistant creates and appends a completed assistant turn.
func (c *Conversation) AppendAssistant(content string) *Turn {
	t := NewTurn(RoleAssistant, content)
	c.Append(t)
	return t
}

// AppendPending appends an empty assistant turn that FillPending completes.
func (c *Conversation) AppendPending() *Turn {
	t := NewPendingTurn()
	c.Append(t)
	return t
}

// FillPending writes generated content into the pending last turn.
func (c *Conversation) FillPending(content string) error {
	last := c.Last()
	if last == nil || !last.Pending {
		return ErrNoPendingTurn
	}
	last.Fill(content)
	c.UpdatedAt = time.Now()
	return nil
}

// HasPending reports whether the last turn is awaiting generation.
func (c *Conversation) HasPending() bool {
	last := c.Last()
	return last != nil && last.Pending
}

// PopLast removes and returns the last turn, or nil when empty.
func (c *Conversation) PopLast() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	last := c.Turns[len(c.Turns)-1]
	c.Turns[len(c.Turns)-1] = nil
	c.Turns = c.Turns[:len(c.Turns)-1]
	c.UpdatedAt = time.Now()
	return last
}

// PopPair removes the last (user, assistant) pair. ok is false and the buffer
// is untouched when it holds fewer than two turns.
func (c *Conversation) PopPair() (user, assistant *Turn, ok bool) {
	if len(c.Turns) < 2 {
		return nil, nil, false
	}
	assistant = c.PopLast()
	user = c.PopLast()
	return user, assistant, true
}

// Last returns the most recent turn, or nil if empty.
func (c *Conversation) Last() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return c.Turns[len(c.Turns)-1]
}

// LastUser returns the most recent user turn, or nil.
func (c *Conversation) LastUser() *Turn {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].IsUser() {
			return c.Turns[i]
		}
	}
	return nil
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.Turns)
}

// IsEmpty returns true if there are no turns.
func (c *Conversation) IsEmpty() bool {
	return len(c.Turns) == 0
}

// Reset empties the buffer and gives it a fresh identity.
func (c *Conversation) Reset() {
	now := time.Now()
	c.ID = generateConversationID()
	c.Title = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Turns = make([]*Turn, 0, 4)
}

// =============================================================================
// RENDERING
// =============================================================================

// Prompt renders the buffer through its template.
func (c *Conversation) Prompt() string {
	return c.Template().Render(c.Turns)
}

// StopString returns the template's generation stop string.
func (c *Conversation) StopString() string {
	return c.Template().StopString()
}

// Pairs groups completed turns into (user, assistant) exchanges for display.
// A trailing user turn without an answer is reported with an empty reply.
func (c *Conversation) Pairs() []Pair {
	pairs := make([]Pair, 0, len(c.Turns)/2+1)
	for i := 0; i < len(c.Turns); i++ {
		t := c.Turns[i]
		if !t.IsUser() {
			continue
		}
		p := Pair{User: t.Content}
		if i+1 < len(c.Turns) && c.Turns[i+1].IsAssistant() {
			p.Assistant = c.Turns[i+1].Content
			i++
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// =============================================================================
// TITLE AND METADATA
// =============================================================================

func (c *Conversation) updateTitle() {
	if c.Title != "" {
		return
	}
	if u := c.LastUser(); u != nil {
		c.Title = u.Preview(50)
	}
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// Preview returns a short preview of the most recent user turn.
func (c *Conversation) Preview() string {
	u := c.LastUser()
	if u == nil {
		return "Empty conversation"
	}
	return u.Preview(100)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func generateConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Model:        c.Model,
		TemplateName: c.TemplateName,
		Turns:        make([]*Turn, len(c.Turns)),
		template:     c.template,
	}
	for i, t := range c.Turns {
		turnCopy := *t
		clone.Turns[i] = &turnCopy
	}
	return clone
}
