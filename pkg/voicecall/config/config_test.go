package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var clientEnvKeys = []string{
	"VOICECALL_CONFIG",
	"VOICECALL_AGENT_ID",
	"VOICECALL_API_KEY",
	"ELEVENLABS_API_KEY",
	"VOICECALL_SIGNED_URL",
	"VOICECALL_DIRECT_URL",
	"VOICECALL_DIRECT_PROBE_URL",
	"VOICECALL_RELAY_URL",
	"VOICECALL_RELAY_TOKEN",
	"VOICECALL_FORCE_RELAY",
	"VOICECALL_PROBE_TIMEOUT",
	"VOICECALL_SESSION_STORE_URL",
	"VOICECALL_SESSION_STORE_TOKEN",
	"VOICECALL_PEER_BASE_URL",
	"VOICECALL_RETRY_BASE",
	"VOICECALL_RETRY_MAX_ATTEMPTS",
	"VOICECALL_GEMINI_API_KEY",
	"GEMINI_API_KEY",
	"VOICECALL_GEMINI_MODEL",
	"VOICECALL_WINDOW_SIZE",
	"VOICECALL_SAMPLE_RATE",
	"VOICECALL_LOG_LEVEL",
	"VOICECALL_LOG_FORMAT",
	"VOICECALL_LOG_FILE",
}

func clearClientEnv(t *testing.T) {
	t.Helper()
	for _, k := range clientEnvKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearClientEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProbeTimeout.Std() != 5*time.Second {
		t.Fatalf("ProbeTimeout=%v", cfg.ProbeTimeout.Std())
	}
	if cfg.RetryBase.Std() != 2*time.Second || cfg.RetryMaxAttempts != 5 {
		t.Fatalf("retry=%v/%d", cfg.RetryBase.Std(), cfg.RetryMaxAttempts)
	}
	if cfg.WindowSize != 4096 || cfg.SampleRate != 16000 {
		t.Fatalf("window=%d rate=%d", cfg.WindowSize, cfg.SampleRate)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearClientEnv(t)
	path := writeFile(t, "voicecall.yaml", `
agent_id: agent_yaml
relay_url: https://relay.example
probe_timeout: 3s
retry_base: 250
retry_max_attempts: 3
dynamic_variables:
  user_name: Ada
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentID != "agent_yaml" || cfg.RelayURL != "https://relay.example" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.ProbeTimeout.Std() != 3*time.Second {
		t.Fatalf("ProbeTimeout=%v", cfg.ProbeTimeout.Std())
	}
	if cfg.RetryBase.Std() != 250*time.Millisecond || cfg.RetryMaxAttempts != 3 {
		t.Fatalf("retry=%v/%d", cfg.RetryBase.Std(), cfg.RetryMaxAttempts)
	}
	if cfg.DynamicVariables["user_name"] != "Ada" {
		t.Fatalf("dynamic variables=%v", cfg.DynamicVariables)
	}
	if cfg.Log.SlogLevel().String() != "DEBUG" || cfg.Log.Format != "json" {
		t.Fatalf("log=%+v", cfg.Log)
	}
	if cfg.WindowSize != 4096 {
		t.Fatalf("unset field lost its default: window=%d", cfg.WindowSize)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearClientEnv(t)
	path := writeFile(t, "voicecall.json", `{"agent_id":"agent_json","probe_timeout":"1500ms","force_relay":true,"relay_url":"http://127.0.0.1:8080"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentID != "agent_json" || !cfg.ForceRelay || cfg.ProbeTimeout.Std() != 1500*time.Millisecond {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearClientEnv(t)
	path := writeFile(t, "voicecall.yml", "agent_id: from_file\n")
	t.Setenv("VOICECALL_AGENT_ID", "from_env")
	t.Setenv("ELEVENLABS_API_KEY", "xi_env")
	t.Setenv("GEMINI_API_KEY", "gem_env")
	t.Setenv("VOICECALL_RETRY_BASE", "10ms")
	t.Setenv("VOICECALL_FORCE_RELAY", "yes")
	t.Setenv("VOICECALL_RELAY_URL", "https://relay.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentID != "from_env" || cfg.APIKey != "xi_env" || cfg.GeminiAPIKey != "gem_env" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.RetryBase.Std() != 10*time.Millisecond || !cfg.ForceRelay {
		t.Fatalf("retry=%v force=%v", cfg.RetryBase.Std(), cfg.ForceRelay)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearClientEnv(t)
	path := writeFile(t, "c.yaml", "agent_id: via_env_path\n")
	t.Setenv("VOICECALL_CONFIG", path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentID != "via_env_path" {
		t.Fatalf("agent=%q", cfg.AgentID)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{name: "bad int env", env: map[string]string{"VOICECALL_WINDOW_SIZE": "big"}, wantErr: "VOICECALL_WINDOW_SIZE"},
		{name: "bad duration env", env: map[string]string{"VOICECALL_PROBE_TIMEOUT": "soon"}, wantErr: "VOICECALL_PROBE_TIMEOUT"},
		{name: "zero attempts", env: map[string]string{"VOICECALL_RETRY_MAX_ATTEMPTS": "0"}, wantErr: "retry_max_attempts"},
		{name: "force relay without url", env: map[string]string{"VOICECALL_FORCE_RELAY": "true"}, wantErr: "force_relay"},
		{name: "bad log format", env: map[string]string{"VOICECALL_LOG_FORMAT": "xml"}, wantErr: "log.format"},
		{name: "bad yaml duration", file: "probe_timeout: later\n", wantErr: "parse yaml config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearClientEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, "bad.yaml", tt.file)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearClientEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("err=%v", err)
	}
}
