// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"VIDCHAT_OLLAMA_URL", "VIDCHAT_MODEL", "VIDCHAT_PROFILE", "VIDCHAT_LOG_LEVEL", "VIDCHAT_ADDR"} {
		t.Setenv(k, "")
	}
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sampling.Temperature != 0.2 || cfg.Sampling.TopP != 0.7 || cfg.Sampling.MaxOutputTokens != 512 {
		t.Errorf("sampling = %+v", cfg.Sampling)
	}
	if cfg.Media.NumFrames != 16 {
		t.Errorf("num_frames = %d", cfg.Media.NumFrames)
	}
	if cfg.Server.Addr != "127.0.0.1:7860" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Model.ConvMode != "llama_2" {
		t.Errorf("conv_mode = %q", cfg.Model.ConvMode)
	}
}

// =============================================================================
// LOADING
// =============================================================================

func TestLoadFromPath_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[model]
model = "llava:13b"
profile = "adhoc"

[sampling]
top_p = 0.0

[server]
addr = "0.0.0.0:9000"
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Model.Model != "llava:13b" || cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("explicit values lost: %+v %+v", cfg.Model, cfg.Server)
	}
	if cfg.Sampling.TopP != 0 {
		t.Errorf("explicit top_p 0 overwritten: %v", cfg.Sampling.TopP)
	}
	if cfg.Sampling.Temperature != 0.2 || cfg.Media.NumFrames != 16 {
		t.Errorf("defaults not filled: %+v %+v", cfg.Sampling, cfg.Media)
	}
	if _, ok := cfg.Profiles[ProfileDefault]; !ok {
		t.Error("built-in profiles missing")
	}
}

func TestLoadFromPath_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[model]\nmodle = \"typo\"\n")
	_, err := LoadFromPath(path)
	if err == nil || !strings.Contains(err.Error(), "modle") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[sampling]
temperature = 3.0

[media]
num_frames = 500

[logging]
format = "xml"
`)
	_, err := LoadFromPath(path)
	var verrs ValidateErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidateErrors, got %T: %v", err, err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"sampling", "media.num_frames", "logging.format"} {
		if !fields[f] {
			t.Errorf("missing error for %s in %v", f, verrs)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VIDCHAT_OLLAMA_URL", "http://gpu-box:11434")
	t.Setenv("VIDCHAT_MODEL", "llava:34b")
	t.Setenv("VIDCHAT_PROFILE", "adhoc")
	t.Setenv("VIDCHAT_LOG_LEVEL", "debug")
	t.Setenv("VIDCHAT_ADDR", ":8080")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Model.OllamaURL != "http://gpu-box:11434" || cfg.Model.Model != "llava:34b" || cfg.Model.Profile != "adhoc" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Logging.Level != "debug" || cfg.Server.Addr != ":8080" {
		t.Errorf("logging=%+v addr=%q", cfg.Logging, cfg.Server.Addr)
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.Model.Model = "llava:13b"
	cfg.Profiles["cpu"] = Profile{Device: "cpu", Temperature: 0.5}
	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 && os.PathSeparator == '/' {
		t.Errorf("perm = %o", perm)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if loaded.Model.Model != "llava:13b" || loaded.Profiles["cpu"].Device != "cpu" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

// =============================================================================
// PROFILES
// =============================================================================

func TestEffective(t *testing.T) {
	cfg := Default()
	cfg.Model.Model = "llava:7b"

	eff, err := cfg.Effective()
	if err != nil {
		t.Fatal(err)
	}
	if eff.ModelTag != "llava:7b" || eff.NumGPU != nil {
		t.Errorf("default profile = %+v", eff)
	}

	cfg.Model.Profile = ProfileAdhoc
	eff, _ = cfg.Effective()
	if eff.ModelTag != "llava:7b-q4_0" {
		t.Errorf("adhoc tag = %q", eff.ModelTag)
	}

	cfg.Profiles["cpu"] = Profile{Device: "cpu", Temperature: 0.6}
	cfg.Model.Profile = "cpu"
	eff, _ = cfg.Effective()
	if eff.NumGPU == nil || *eff.NumGPU != 0 {
		t.Errorf("cpu profile NumGPU = %v", eff.NumGPU)
	}
	if eff.Sampling.Temperature != 0.6 || eff.Sampling.TopP != 0.7 {
		t.Errorf("sampling = %+v", eff.Sampling)
	}

	cfg.Model.Profile = "missing"
	if _, err := cfg.Effective(); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestApplyQuantization(t *testing.T) {
	tests := []struct {
		tag, quant, want string
	}{
		{"llava:7b", "", "llava:7b"},
		{"llava:7b", "q4_0", "llava:7b-q4_0"},
		{"llava", "q4_0", "llava:q4_0"},
		{"llava:7b-q4_0", "q4_0", "llava:7b-q4_0"},
	}
	for _, tt := range tests {
		if got := ApplyQuantization(tt.tag, tt.quant); got != tt.want {
			t.Errorf("ApplyQuantization(%q, %q) = %q, want %q", tt.tag, tt.quant, got, tt.want)
		}
	}
}

func TestValidate_Profiles(t *testing.T) {
	cfg := Default()
	cfg.Profiles["bad"] = Profile{Quantization: "Q4 0", Device: "tpu", Temperature: 5}
	cfg.Model.Profile = "nope"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"profiles.bad.quantization", "profiles.bad.device", "profiles.bad.temperature", "model.profile"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

func TestGet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("sampling.top_p")
	if err != nil || FormatValue(v) != "0.7" {
		t.Errorf("sampling.top_p = %v, %v", v, err)
	}
	v, err = cfg.Get("profiles.adhoc.quantization")
	if err != nil || v != "q4_0" {
		t.Errorf("profiles.adhoc.quantization = %v, %v", v, err)
	}
	if _, err := cfg.Get("model.nope"); err == nil {
		t.Error("expected unknown key error")
	}
	if _, err := cfg.Get("model.model.x"); err == nil {
		t.Error("expected not a table error")
	}
	if _, err := cfg.Get(""); err == nil {
		t.Error("expected empty key error")
	}
}

func TestDirectories(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/srv/vidchat"

	if cfg.ScratchDir() != filepath.Join("/srv/vidchat", "scratch") {
		t.Errorf("ScratchDir = %q", cfg.ScratchDir())
	}
	if cfg.FeedbackPath() != filepath.Join("/srv/vidchat", "feedback.db") {
		t.Errorf("FeedbackPath = %q", cfg.FeedbackPath())
	}
	cfg.Media.ScratchDir = "/tmp/media"
	if cfg.ScratchDir() != "/tmp/media" {
		t.Errorf("explicit ScratchDir = %q", cfg.ScratchDir())
	}
	if cfg.Timeout() != 5*time.Minute {
		t.Errorf("Timeout = %v", cfg.Timeout())
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Profiles["new"] = Profile{}
	if _, ok := cfg.Profiles["new"]; ok {
		t.Error("clone shares profiles map")
	}
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[model]\nmodel = \"llava:7b\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 50*time.Millisecond, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// An invalid write is skipped.
	os.WriteFile(path, []byte("[sampling]\ntemperature = 9.0\n"), 0600)
	time.Sleep(300 * time.Millisecond)
	select {
	case c := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", c.Sampling)
	default:
	}

	os.WriteFile(path, []byte("[model]\nmodel = \"llava:13b\"\n"), 0600)

	select {
	case c := <-reloaded:
		if c.Model.Model != "llava:13b" {
			t.Errorf("reloaded model = %q", c.Model.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload within 3s")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
