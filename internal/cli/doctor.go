// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Environment health checks for vidchat.
//
// Command: doctor
// Short:   Check that Ollama, the model and ffmpeg are ready
//
// Checks Performed:
//   1. Configuration   Active profile resolves to a model tag
//   2. Ollama          Server responds at the configured URL
//   3. Model           The effective model tag is pulled and accepts images
//   4. ffmpeg          ffmpeg and ffprobe are on PATH (needed for video)
//   5. Data directory  Transcripts and scratch media can be written
//   6. Feedback store  The SQLite database opens
//
// Exit Codes:
//   0   All checks passed (warnings allowed)
//   1   One or more checks failed

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jeranaias/vidchat/internal/ollama"
)

// =============================================================================
// DOCTOR STYLES
// =============================================================================

var (
	checkPassStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	checkWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")).
			Bold(true)

	checkFailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	fixStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true).
			PaddingLeft(2)
)

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	CheckPass CheckStatus = iota
	CheckWarn
	CheckFail
)

// String returns the string representation of the check status.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *CheckStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pass":
		*s = CheckPass
	case "warn":
		*s = CheckWarn
	case "fail":
		*s = CheckFail
	default:
		return fmt.Errorf("unknown check status %q", b)
	}
	return nil
}

// Symbol returns the styled marker for the check status.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckPass:
		return checkPassStyle.Render("[OK]")
	case CheckWarn:
		return checkWarnStyle.Render("[!!]")
	case CheckFail:
		return checkFailStyle.Render("[FAIL]")
	default:
		return "?"
	}
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s %s", c.Status.Symbol(), RenderLabel(c.Name+":", 16), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + fixStyle.Render("-> "+c.Fix)
	}
	return result
}

// DoctorReport is the --json payload of doctor.
type DoctorReport struct {
	Checks []*HealthCheck `json:"checks"`
	Passed int            `json:"passed"`
	Warned int            `json:"warned"`
	Failed int            `json:"failed"`
}

// =============================================================================
// COMMAND
// =============================================================================

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that Ollama, the model and ffmpeg are ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runDoctor(ctx, cmd.OutOrStdout(), a)
		},
	}
}

func runDoctor(ctx context.Context, w io.Writer, a *app) error {
	checks := runAllChecks(ctx, a)

	report := DoctorReport{Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case CheckPass:
			report.Passed++
		case CheckWarn:
			report.Warned++
		case CheckFail:
			report.Failed++
		}
	}

	if a.jsonOut {
		if err := NewJSONResponse("doctor", report).Print(w); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, TitleStyle.Render("vidchat doctor"))
		for _, c := range checks {
			fmt.Fprintln(w, c.Render())
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("%d passed, %d warnings, %d failed",
			report.Passed, report.Warned, report.Failed)))
	}

	if report.Failed > 0 {
		return &CommandError{Command: "doctor", Action: "check", Reason: fmt.Sprintf("%d check(s) failed", report.Failed)}
	}
	return nil
}

func runAllChecks(ctx context.Context, a *app) []*HealthCheck {
	checks := []*HealthCheck{checkConfig(a)}

	client := a.newClient()
	ollamaCheck := checkOllamaRunning(ctx, client)
	checks = append(checks, ollamaCheck)
	if ollamaCheck.Status == CheckPass {
		checks = append(checks, checkModel(ctx, a, client))
	}

	checks = append(checks,
		checkFFmpeg(a),
		checkWritable("Data directory", a.cfg.ConversationsDir()),
		checkWritable("Scratch", a.cfg.ScratchDir()),
		checkFeedbackStore(ctx, a),
	)
	return checks
}

// =============================================================================
// CHECKS
// =============================================================================

func checkConfig(a *app) *HealthCheck {
	check := &HealthCheck{Name: "Configuration"}
	eff, err := a.cfg.Effective()
	if err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		check.Fix = "Run: vidchat config show"
		return check
	}
	check.Status = CheckPass
	check.Message = fmt.Sprintf("profile %s, model %s", eff.Profile, eff.ModelTag)
	return check
}

func checkOllamaRunning(ctx context.Context, client *ollama.Client) *HealthCheck {
	check := &HealthCheck{Name: "Ollama"}
	if err := client.CheckRunning(ctx); err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		check.Fix = "Run: ollama serve"
		return check
	}
	check.Status = CheckPass
	check.Message = "running at " + client.GetConfig().BaseURL
	return check
}

func checkModel(ctx context.Context, a *app, client *ollama.Client) *HealthCheck {
	check := &HealthCheck{Name: "Model"}
	eff, err := a.cfg.Effective()
	if err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		return check
	}

	info, err := client.GetModel(ctx, eff.ModelTag)
	if err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		if ollama.IsModelNotFound(err) {
			check.Message = eff.ModelTag + " is not pulled"
		}
		check.Fix = "Run: ollama pull " + eff.ModelTag
		return check
	}
	if !info.SupportsVision() {
		check.Status = CheckWarn
		check.Message = eff.ModelTag + " does not advertise image input"
		check.Fix = "Use a vision model such as " + ollama.DefaultModel
		return check
	}
	check.Status = CheckPass
	check.Message = eff.ModelTag + " (vision)"
	return check
}

// checkFFmpeg warns rather than fails: images and text work without it.
func checkFFmpeg(a *app) *HealthCheck {
	check := &HealthCheck{Name: "ffmpeg"}
	if err := a.newFFmpeg().CheckInstalled(); err != nil {
		check.Status = CheckWarn
		check.Message = err.Error() + "; video turns will fail"
		check.Fix = "Install ffmpeg (includes ffprobe) or set media.ffmpeg / media.ffprobe"
		return check
	}
	check.Status = CheckPass
	check.Message = "ffmpeg and ffprobe found"
	return check
}

func checkWritable(name, dir string) *HealthCheck {
	check := &HealthCheck{Name: name}
	if err := os.MkdirAll(dir, 0700); err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		return check
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		check.Status = CheckFail
		check.Message = dir + " is not writable: " + err.Error()
		check.Fix = "Check permissions or set storage.data_dir"
		return check
	}
	f.Close()
	os.Remove(f.Name())

	check.Status = CheckPass
	check.Message = dir
	return check
}

func checkFeedbackStore(ctx context.Context, a *app) *HealthCheck {
	check := &HealthCheck{Name: "Feedback store"}
	store, err := a.feedbackStore()
	if err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		check.Fix = "Move or delete " + filepath.Base(a.cfg.FeedbackPath())
		return check
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		check.Status = CheckFail
		check.Message = err.Error()
		return check
	}
	check.Status = CheckPass
	check.Message = fmt.Sprintf("%s (%d entries)", store.Path(), stats.Total)
	return check
}
