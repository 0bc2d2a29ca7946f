package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// Tokens are the bearer tokens clients present to the relay. They are not
	// the upstream API key.
	Tokens map[string]struct{}

	// Upstream conversation socket and the key the relay injects.
	UpstreamURL    string
	UpstreamAPIKey string

	// Empty allowlist accepts any agent id.
	AgentAllowlist map[string]struct{}

	// Empty => same-origin and non-browser clients only.
	AllowedOrigins map[string]struct{}

	MaxSessions        int
	MaxSessionDuration time.Duration
	MaxMessageBytes    int64

	UpstreamHandshakeTimeout time.Duration
	WSWriteTimeout           time.Duration
	WSPingInterval           time.Duration

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("VOICECALL_RELAY_ADDR", ":8081"),
		AuthMode:                 AuthMode(envOr("VOICECALL_RELAY_AUTH_MODE", string(AuthModeRequired))),
		Tokens:                   make(map[string]struct{}),
		UpstreamURL:              envOr("VOICECALL_RELAY_UPSTREAM_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		UpstreamAPIKey:           envOr("VOICECALL_RELAY_UPSTREAM_API_KEY", os.Getenv("ELEVENLABS_API_KEY")),
		AgentAllowlist:           make(map[string]struct{}),
		AllowedOrigins:           make(map[string]struct{}),
		MaxSessions:              envIntOr("VOICECALL_RELAY_MAX_SESSIONS", 100),
		MaxSessionDuration:       envDurationOr("VOICECALL_RELAY_MAX_SESSION_DURATION", time.Hour),
		MaxMessageBytes:          envInt64Or("VOICECALL_RELAY_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		UpstreamHandshakeTimeout: envDurationOr("VOICECALL_RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:           envDurationOr("VOICECALL_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:           envDurationOr("VOICECALL_RELAY_WS_PING_INTERVAL", 20*time.Second),
		ReadHeaderTimeout:        envDurationOr("VOICECALL_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:              envDurationOr("VOICECALL_RELAY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("VOICECALL_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICECALL_RELAY_AUTH_MODE must be one of required|disabled")
	}

	for _, token := range splitCSV(os.Getenv("VOICECALL_RELAY_TOKENS")) {
		cfg.Tokens[token] = struct{}{}
	}
	for _, agent := range splitCSV(os.Getenv("VOICECALL_RELAY_AGENT_ALLOWLIST")) {
		cfg.AgentAllowlist[agent] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICECALL_RELAY_CORS_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_UPSTREAM_URL must be a ws:// or wss:// url")
	}
	if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_UPSTREAM_API_KEY (or ELEVENLABS_API_KEY) must be set")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.Tokens) == 0 {
		return Config{}, fmt.Errorf("VOICECALL_RELAY_TOKENS must be set when VOICECALL_RELAY_AUTH_MODE=required")
	}

	return cfg, nil
}

// AgentAllowed reports whether agentID may be relayed.
func (c Config) AgentAllowed(agentID string) bool {
	if len(c.AgentAllowlist) == 0 {
		return true
	}
	_, ok := c.AgentAllowlist[agentID]
	return ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
