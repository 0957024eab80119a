// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sort"
	"strings"
)

// =============================================================================
// SEPARATOR STYLES
// =============================================================================

// SeparatorStyle selects how a template joins turns into a prompt.
type SeparatorStyle int

const (
	// StyleSingle joins "ROLE: message" entries with Sep.
	StyleSingle SeparatorStyle = iota
	// StyleTwo alternates Sep after user turns and Sep2 after assistant turns.
	StyleTwo
	// StyleLlama2 wraps user turns in [INST] blocks and folds the system
	// prompt into the first one.
	StyleLlama2
	// StyleChatML uses <|im_start|> role headers terminated by Sep.
	StyleChatML
	// StylePlain concatenates messages with alternating separators and no
	// role labels.
	StylePlain
)

// String returns the style name.
func (s SeparatorStyle) String() string {
	switch s {
	case StyleSingle:
		return "single"
	case StyleTwo:
		return "two"
	case StyleLlama2:
		return "llama_2"
	case StyleChatML:
		return "chatml"
	case StylePlain:
		return "plain"
	default:
		return "unknown"
	}
}

// =============================================================================
// TEMPLATE
// =============================================================================

// ErrUnknownTemplate is returned by LookupTemplate for unregistered names.
var ErrUnknownTemplate = errors.New("unknown conversation template")

// DefaultTemplateName is the template used when none is configured.
const DefaultTemplateName = "llama_2"

// Template describes how a conversation is rendered into a prompt.
// Templates are immutable once registered.
type Template struct {
	Name   string
	System string
	// Roles holds the user and assistant labels, in that order.
	Roles [2]string
	Style SeparatorStyle
	Sep   string
	Sep2  string
}

// StopString returns the string generation should stop at.
func (t *Template) StopString() string {
	if t.Style == StyleSingle {
		return t.Sep
	}
	return t.Sep2
}

func (t *Template) roleLabel(r Role) string {
	if r == RoleAssistant {
		return t.Roles[1]
	}
	return t.Roles[0]
}

// Render turns the given turns into a single prompt. Pending turns render as
// an open slot for the model to complete. System turns are ignored; the
// template's own system prompt is used instead.
func (t *Template) Render(turns []*Turn) string {
	msgs := make([]*Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Role != RoleSystem {
			msgs = append(msgs, turn)
		}
	}

	var b strings.Builder
	switch t.Style {
	case StyleSingle:
		b.WriteString(t.System)
		b.WriteString(t.Sep)
		for _, m := range msgs {
			if m.Pending {
				b.WriteString(t.roleLabel(m.Role) + ":")
				continue
			}
			b.WriteString(t.roleLabel(m.Role) + ": " + m.Content + t.Sep)
		}

	case StyleTwo:
		seps := [2]string{t.Sep, t.Sep2}
		b.WriteString(t.System)
		b.WriteString(seps[0])
		for i, m := range msgs {
			if m.Pending {
				b.WriteString(t.roleLabel(m.Role) + ":")
				continue
			}
			b.WriteString(t.roleLabel(m.Role) + ": " + m.Content + seps[i%2])
		}

	case StyleLlama2:
		for i, m := range msgs {
			if m.Pending {
				continue
			}
			content := m.Content
			if i == 0 && t.System != "" {
				content = "<<SYS>>\n" + t.System + "\n<</SYS>>\n\n" + content
			}
			if i%2 == 0 {
				b.WriteString(t.Sep + "[INST] " + content + " [/INST]")
			} else {
				b.WriteString(" " + content + " " + t.Sep2)
			}
		}
		return strings.TrimPrefix(b.String(), t.Sep)

	case StyleChatML:
		if t.System != "" {
			b.WriteString("<|im_start|>system\n" + t.System + t.Sep)
		}
		for _, m := range msgs {
			b.WriteString(t.roleLabel(m.Role))
			if !m.Pending {
				b.WriteString(m.Content + t.Sep)
			}
		}

	case StylePlain:
		seps := [2]string{t.Sep, t.Sep2}
		b.WriteString(t.System)
		for i, m := range msgs {
			if m.Pending {
				continue
			}
			b.WriteString(m.Content + seps[i%2])
		}
	}
	return b.String()
}

// =============================================================================
// REGISTRY
// =============================================================================

const visionSystemPrompt = "You are a helpful language and vision assistant. " +
	"You are able to understand the visual content that the user provides, " +
	"and assist the user with a variety of tasks using natural language."

var templates = map[string]*Template{
	"llama_2": {
		Name:   "llama_2",
		System: visionSystemPrompt,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleLlama2,
		Sep:    "<s>",
		Sep2:   "</s>",
	},
	"mistral": {
		Name:  "mistral",
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: StyleLlama2,
		Sep:   "",
		Sep2:  "</s>",
	},
	"vicuna_v1": {
		Name: "vicuna_v1",
		System: "A chat between a curious user and an artificial intelligence assistant. " +
			"The assistant gives helpful, detailed, and polite answers to the user's questions.",
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: StyleTwo,
		Sep:   " ",
		Sep2:  "</s>",
	},
	"chatml": {
		Name:   "chatml",
		System: visionSystemPrompt,
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  StyleChatML,
		Sep:    "<|im_end|>\n",
		Sep2:   "<|im_end|>",
	},
	"plain": {
		Name:  "plain",
		Style: StylePlain,
		Sep:   " ",
		Sep2:  "\n",
	},
}

// LookupTemplate returns the registered template with the given name.
// An empty name selects DefaultTemplateName.
func LookupTemplate(name string) (*Template, error) {
	if name == "" {
		name = DefaultTemplateName
	}
	t, ok := templates[name]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	return t, nil
}

// TemplateNames lists the registered template names in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
