// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/ollama"
	"github.com/jeranaias/vidchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete vidchat configuration.
type Config struct {
	Model    ModelConfig    `toml:"model" json:"model"`
	Sampling chat.Sampling  `toml:"sampling" json:"sampling"`
	Media    MediaConfig    `toml:"media" json:"media"`
	Server   ServerConfig   `toml:"server" json:"server"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`

	// Profiles are named deployment variants selected by model.profile.
	Profiles map[string]Profile `toml:"profiles" json:"profiles"`
}

// ModelConfig selects the backend and the conversation template.
type ModelConfig struct {
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	Model     string `toml:"model" json:"model"`
	ConvMode  string `toml:"conv_mode" json:"conv_mode"`
	// TimeoutSecs bounds one generation request.
	TimeoutSecs int    `toml:"timeout" json:"timeout"`
	KeepAlive   string `toml:"keep_alive" json:"keep_alive"`
	Profile     string `toml:"profile" json:"profile"`
}

// MediaConfig controls media resolution.
type MediaConfig struct {
	// ScratchDir holds uploaded and copied media. Empty means
	// <data_dir>/scratch.
	ScratchDir    string `toml:"scratch_dir" json:"scratch_dir"`
	NumFrames     int    `toml:"num_frames" json:"num_frames"`
	MaxImageMB    int    `toml:"max_image_mb" json:"max_image_mb"`
	ScratchTTLHrs int    `toml:"scratch_ttl_hours" json:"scratch_ttl_hours"`
	FFmpeg        string `toml:"ffmpeg" json:"ffmpeg"`
	FFprobe       string `toml:"ffprobe" json:"ffprobe"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
	// RateLimit is requests per second per client IP (0 = unlimited).
	RateLimit          float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst          int     `toml:"rate_burst" json:"rate_burst"`
	SessionTimeoutSecs int     `toml:"session_timeout_secs" json:"session_timeout_secs"`
	MaxSessions        int     `toml:"max_sessions" json:"max_sessions"`
	MaxUploadMB        int     `toml:"max_upload_mb" json:"max_upload_mb"`
	// AutoSave stores a session's transcript when it expires.
	AutoSave bool `toml:"auto_save" json:"auto_save"`
}

// StorageConfig locates persisted data.
type StorageConfig struct {
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Profile overrides model precision, placement and temperature.
type Profile struct {
	// Quantization is appended to the model tag, e.g. "q4_0" turns
	// llava:7b into llava:7b-q4_0. Empty means full precision.
	Quantization string `toml:"quantization" json:"quantization"`
	// Device is "gpu" or "cpu". CPU pins every layer off the GPU.
	Device      string  `toml:"device" json:"device"`
	Temperature float64 `toml:"temperature" json:"temperature"`
}

// Built-in profile names.
const (
	ProfileDefault = "default"
	ProfileAdhoc   = "adhoc"
)

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			OllamaURL:   ollama.DefaultBaseURL,
			Model:       ollama.DefaultModel,
			ConvMode:    model.DefaultTemplateName,
			TimeoutSecs: 300,
			KeepAlive:   "5m",
			Profile:     ProfileDefault,
		},
		Sampling: chat.DefaultSampling(),
		Media: MediaConfig{
			NumFrames:     media.DefaultNumFrames,
			MaxImageMB:    int(media.DefaultMaxImageBytes >> 20),
			ScratchTTLHrs: 24,
			FFmpeg:        "ffmpeg",
			FFprobe:       "ffprobe",
		},
		Server: ServerConfig{
			Addr:               "127.0.0.1:7860",
			RateLimit:          5,
			RateBurst:          10,
			SessionTimeoutSecs: 1800,
			MaxSessions:        256,
			MaxUploadMB:        200,
			AutoSave:           true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Profiles: builtinProfiles(),
	}
}

func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileDefault: {Device: "gpu", Temperature: 0.2},
		ProfileAdhoc:   {Quantization: "q4_0", Device: "gpu", Temperature: 0.2},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the vidchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return filepath.Join(home, ".vidchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	if c.Storage.DataDir != "" {
		return expandHome(c.Storage.DataDir)
	}
	dir, err := ConfigDir()
	if err != nil {
		return ".vidchat"
	}
	return dir
}

// ScratchDir returns the expanded media scratch directory.
func (c *Config) ScratchDir() string {
	if c.Media.ScratchDir != "" {
		return expandHome(c.Media.ScratchDir)
	}
	return filepath.Join(c.DataDir(), "scratch")
}

// ConversationsDir returns where transcripts are saved.
func (c *Config) ConversationsDir() string {
	return filepath.Join(c.DataDir(), "conversations")
}

// FeedbackPath returns the feedback database path.
func (c *Config) FeedbackPath() string {
	return filepath.Join(c.DataDir(), "feedback.db")
}

// Timeout returns the generation timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Model.TimeoutSecs) * time.Second
}

// SessionTimeout returns the idle timeout of server sessions.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Server.SessionTimeoutSecs) * time.Second
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.vidchat/config.toml if it exists, falling back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid config")
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, errors.Wrapf(err, "load config from %s", path)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg and fills zero values from defaults.
func LoadTOML(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrap(err, "decode TOML")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	fillDefaults(cfg)
	return nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Model.OllamaURL == "" {
		cfg.Model.OllamaURL = defaults.Model.OllamaURL
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = defaults.Model.Model
	}
	if cfg.Model.ConvMode == "" {
		cfg.Model.ConvMode = defaults.Model.ConvMode
	}
	if cfg.Model.TimeoutSecs == 0 {
		cfg.Model.TimeoutSecs = defaults.Model.TimeoutSecs
	}
	if cfg.Model.Profile == "" {
		cfg.Model.Profile = defaults.Model.Profile
	}

	// Sampling
	if cfg.Sampling.Temperature == 0 {
		cfg.Sampling.Temperature = defaults.Sampling.Temperature
	}
	if cfg.Sampling.MaxOutputTokens == 0 {
		cfg.Sampling.MaxOutputTokens = defaults.Sampling.MaxOutputTokens
	}

	// Media
	if cfg.Media.NumFrames == 0 {
		cfg.Media.NumFrames = defaults.Media.NumFrames
	}
	if cfg.Media.MaxImageMB == 0 {
		cfg.Media.MaxImageMB = defaults.Media.MaxImageMB
	}
	if cfg.Media.FFmpeg == "" {
		cfg.Media.FFmpeg = defaults.Media.FFmpeg
	}
	if cfg.Media.FFprobe == "" {
		cfg.Media.FFprobe = defaults.Media.FFprobe
	}

	// Server
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.SessionTimeoutSecs == 0 {
		cfg.Server.SessionTimeoutSecs = defaults.Server.SessionTimeoutSecs
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = defaults.Server.MaxSessions
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = defaults.Server.MaxUploadMB
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	// User profiles extend the built-ins; a user profile with a built-in
	// name replaces it.
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	for name, p := range builtinProfiles() {
		if _, ok := cfg.Profiles[name]; !ok {
			cfg.Profiles[name] = p
		}
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# vidchat configuration file\n")
	buf.WriteString("# Generated by vidchat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return errors.Wrap(err, "encode config")
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var quantizationPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Model
	if u, err := url.Parse(c.Model.OllamaURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("model.ollama_url", "must be an http(s) URL, got %q", c.Model.OllamaURL)
	}
	if strings.TrimSpace(c.Model.Model) == "" {
		add("model.model", "must not be empty")
	}
	if _, err := model.LookupTemplate(c.Model.ConvMode); err != nil {
		add("model.conv_mode", "unknown template %q, must be one of: %s", c.Model.ConvMode, strings.Join(model.TemplateNames(), ", "))
	}
	if c.Model.TimeoutSecs < 0 {
		add("model.timeout", "must not be negative")
	}
	if c.Model.KeepAlive != "" {
		if _, err := time.ParseDuration(c.Model.KeepAlive); err != nil {
			add("model.keep_alive", "invalid duration %q", c.Model.KeepAlive)
		}
	}
	if _, ok := c.Profiles[c.Model.Profile]; !ok {
		add("model.profile", "unknown profile %q, must be one of: %s", c.Model.Profile, strings.Join(c.ProfileNames(), ", "))
	}

	// Sampling
	if err := c.Sampling.Validate(); err != nil {
		add("sampling", "%v", err)
	}

	// Media
	if c.Media.NumFrames < 1 || c.Media.NumFrames > 64 {
		add("media.num_frames", "must be between 1 and 64, got %d", c.Media.NumFrames)
	}
	if c.Media.MaxImageMB < 1 {
		add("media.max_image_mb", "must be positive")
	}
	if c.Media.ScratchTTLHrs < 0 {
		add("media.scratch_ttl_hours", "must not be negative")
	}

	// Server
	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1 when rate_limit is set")
	}
	if c.Server.SessionTimeoutSecs < 60 {
		add("server.session_timeout_secs", "must be at least 60, got %d", c.Server.SessionTimeoutSecs)
	}
	if c.Server.MaxSessions < 1 {
		add("server.max_sessions", "must be positive")
	}
	if c.Server.MaxUploadMB < 1 || c.Server.MaxUploadMB > 4096 {
		add("server.max_upload_mb", "must be between 1 and 4096, got %d", c.Server.MaxUploadMB)
	}

	// Logging
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil || c.Logging.Level == "" {
		add("logging.level", "invalid level %q", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "console" && f != "json" {
		add("logging.format", "must be console or json, got %q", c.Logging.Format)
	}

	// Profiles
	for _, name := range c.ProfileNames() {
		p := c.Profiles[name]
		field := "profiles." + name
		if !quantizationPattern.MatchString(p.Quantization) {
			add(field+".quantization", "invalid tag suffix %q", p.Quantization)
		}
		switch p.Device {
		case "", "gpu", "cpu":
		default:
			add(field+".device", "must be gpu or cpu, got %q", p.Device)
		}
		if p.Temperature != 0 && (p.Temperature < chat.MinTemperature || p.Temperature > chat.MaxTemperature) {
			add(field+".temperature", "must be between %.1f and %.1f", chat.MinTemperature, chat.MaxTemperature)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// PROFILES
// =============================================================================

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Effective is the backend setup after applying the active profile.
type Effective struct {
	Profile  string
	ModelTag string
	// NumGPU is nil to let Ollama decide, or 0 for CPU only.
	NumGPU   *int
	Sampling chat.Sampling
}

// Effective resolves the active profile against the model and sampling
// sections.
func (c *Config) Effective() (Effective, error) {
	p, ok := c.Profiles[c.Model.Profile]
	if !ok {
		return Effective{}, errors.Errorf("unknown profile %q", c.Model.Profile)
	}

	eff := Effective{
		Profile:  c.Model.Profile,
		ModelTag: ApplyQuantization(c.Model.Model, p.Quantization),
		Sampling: c.Sampling,
	}
	if p.Device == "cpu" {
		zero := 0
		eff.NumGPU = &zero
	}
	if p.Temperature != 0 {
		eff.Sampling.Temperature = p.Temperature
	}
	return eff, nil
}

// ApplyQuantization appends a quantization suffix to an Ollama model tag.
// Tags that already end with the suffix are returned unchanged.
func ApplyQuantization(modelTag, quant string) string {
	if quant == "" || strings.HasSuffix(modelTag, quant) {
		return modelTag
	}
	if strings.Contains(modelTag, ":") {
		return modelTag + "-" + quant
	}
	return modelTag + ":" + quant
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - VIDCHAT_OLLAMA_URL: overrides model.ollama_url
//   - VIDCHAT_MODEL: overrides model.model
//   - VIDCHAT_PROFILE: overrides model.profile
//   - VIDCHAT_LOG_LEVEL: overrides logging.level
//   - VIDCHAT_ADDR: overrides server.addr
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VIDCHAT_OLLAMA_URL"); v != "" {
		c.Model.OllamaURL = v
	}
	if v := os.Getenv("VIDCHAT_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("VIDCHAT_PROFILE"); v != "" {
		c.Model.Profile = v
	}
	if v := os.Getenv("VIDCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIDCHAT_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// =============================================================================
// GET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its TOML key path, e.g. "sampling.top_p" or
// "profiles.adhoc.quantization".
func (c *Config) Get(key string) (any, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		switch v.Kind() {
		case reflect.Struct:
			field, ok := fieldByTag(v, part)
			if !ok {
				return nil, errors.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
			}
			v = field
		case reflect.Map:
			elem := v.MapIndex(reflect.ValueOf(part))
			if !elem.IsValid() {
				return nil, errors.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
			}
			v = elem
		default:
			return nil, errors.Errorf("%s is not a table", strings.Join(parts[:i], "."))
		}
	}
	return v.Interface(), nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// FormatValue renders a Get result for display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// =============================================================================
// CLONE / STRING
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Profiles != nil {
		clone.Profiles = make(map[string]Profile, len(c.Profiles))
		for k, v := range c.Profiles {
			clone.Profiles[k] = v
		}
	}
	return &clone
}

// String returns the config as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
