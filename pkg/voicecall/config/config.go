// Package config loads client settings from a YAML or JSON file with
// VOICECALL_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Duration accepts "5s" style strings or integer milliseconds in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// File also writes logs to a rotating file.
	File string `json:"file" yaml:"file"`
}

func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Config struct {
	AgentID string `json:"agent_id" yaml:"agent_id"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	// SignedURL makes direct mode request a signed conversation URL first.
	SignedURL bool `json:"signed_url" yaml:"signed_url"`

	DirectURL    string   `json:"direct_url" yaml:"direct_url"`
	DirectProbe  string   `json:"direct_probe_url" yaml:"direct_probe_url"`
	RelayURL     string   `json:"relay_url" yaml:"relay_url"`
	RelayToken   string   `json:"relay_token" yaml:"relay_token"`
	ProbeTimeout Duration `json:"probe_timeout" yaml:"probe_timeout"`
	ForceRelay   bool     `json:"force_relay" yaml:"force_relay"`

	SessionStoreURL   string `json:"session_store_url" yaml:"session_store_url"`
	SessionStoreToken string `json:"session_store_token" yaml:"session_store_token"`
	PeerBaseURL       string `json:"peer_base_url" yaml:"peer_base_url"`

	RetryBase        Duration `json:"retry_base" yaml:"retry_base"`
	RetryMaxAttempts int      `json:"retry_max_attempts" yaml:"retry_max_attempts"`

	GeminiAPIKey string `json:"gemini_api_key" yaml:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model" yaml:"gemini_model"`

	WindowSize int `json:"window_size" yaml:"window_size"`
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	DynamicVariables map[string]string `json:"dynamic_variables" yaml:"dynamic_variables"`
	Prompt           string            `json:"prompt" yaml:"prompt"`
	FirstMessage     string            `json:"first_message" yaml:"first_message"`
	Language         string            `json:"language" yaml:"language"`
	VoiceID          string            `json:"voice_id" yaml:"voice_id"`

	Log LogConfig `json:"log" yaml:"log"`
}

func Default() *Config {
	return &Config{
		DirectURL:        "wss://api.elevenlabs.io/v1/convai/conversation",
		PeerBaseURL:      "https://api.elevenlabs.io",
		ProbeTimeout:     Duration(5 * time.Second),
		RetryBase:        Duration(2 * time.Second),
		RetryMaxAttempts: 5,
		GeminiModel:      "gemini-2.5-flash",
		WindowSize:       4096,
		SampleRate:       16000,
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (or VOICECALL_CONFIG when path is empty) over Default,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOICECALL_CONFIG")
	}
	cfg := Default()
	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
		return nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
}

func (c *Config) applyEnv() error {
	c.AgentID = envOr("VOICECALL_AGENT_ID", c.AgentID)
	c.APIKey = envOr("VOICECALL_API_KEY", envOr("ELEVENLABS_API_KEY", c.APIKey))
	c.SignedURL = envBoolOr("VOICECALL_SIGNED_URL", c.SignedURL)
	c.DirectURL = envOr("VOICECALL_DIRECT_URL", c.DirectURL)
	c.DirectProbe = envOr("VOICECALL_DIRECT_PROBE_URL", c.DirectProbe)
	c.RelayURL = envOr("VOICECALL_RELAY_URL", c.RelayURL)
	c.RelayToken = envOr("VOICECALL_RELAY_TOKEN", c.RelayToken)
	c.ForceRelay = envBoolOr("VOICECALL_FORCE_RELAY", c.ForceRelay)
	c.SessionStoreURL = envOr("VOICECALL_SESSION_STORE_URL", c.SessionStoreURL)
	c.SessionStoreToken = envOr("VOICECALL_SESSION_STORE_TOKEN", c.SessionStoreToken)
	c.PeerBaseURL = envOr("VOICECALL_PEER_BASE_URL", c.PeerBaseURL)
	c.GeminiAPIKey = envOr("VOICECALL_GEMINI_API_KEY", envOr("GEMINI_API_KEY", c.GeminiAPIKey))
	c.GeminiModel = envOr("VOICECALL_GEMINI_MODEL", c.GeminiModel)
	c.Log.Level = envOr("VOICECALL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("VOICECALL_LOG_FORMAT", c.Log.Format)
	c.Log.File = envOr("VOICECALL_LOG_FILE", c.Log.File)

	var err error
	if c.ProbeTimeout, err = envDuration("VOICECALL_PROBE_TIMEOUT", c.ProbeTimeout); err != nil {
		return err
	}
	if c.RetryBase, err = envDuration("VOICECALL_RETRY_BASE", c.RetryBase); err != nil {
		return err
	}
	if c.RetryMaxAttempts, err = envInt("VOICECALL_RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts); err != nil {
		return err
	}
	if c.WindowSize, err = envInt("VOICECALL_WINDOW_SIZE", c.WindowSize); err != nil {
		return err
	}
	if c.SampleRate, err = envInt("VOICECALL_SAMPLE_RATE", c.SampleRate); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be > 0")
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry_base must be > 0")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts must be > 0")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be > 0")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be > 0")
	}
	if c.ForceRelay && strings.TrimSpace(c.RelayURL) == "" {
		return fmt.Errorf("force_relay requires relay_url")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be one of text|json")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envInt and envDuration reject malformed values instead of falling back to
// the current value.
func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func envDuration(key string, def Duration) (Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5s", key)
	}
	return Duration(d), nil
}
