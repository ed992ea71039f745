package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Backend.APIKey = "sk-test"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"
	return cfg
}

func TestExpandEnvVars_Set(t *testing.T) {
	t.Setenv("CHATBRIDGE_TEST_VAR", "value123")
	out := ExpandEnvVars(`{"key": "${CHATBRIDGE_TEST_VAR}"}`)
	if out != `{"key": "value123"}` {
		t.Fatalf("unexpected expansion: %s", out)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("CHATBRIDGE_UNSET_VAR")
	out := ExpandEnvVars(`${CHATBRIDGE_UNSET_VAR:-fallback}`)
	if out != "fallback" {
		t.Fatalf("expected fallback, got %s", out)
	}
}

func TestExpandEnvVars_UnsetNoDefault(t *testing.T) {
	os.Unsetenv("CHATBRIDGE_UNSET_VAR")
	in := `${CHATBRIDGE_UNSET_VAR}`
	if out := ExpandEnvVars(in); out != in {
		t.Fatalf("unset var without default should stay literal, got %s", out)
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.APIKey = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "backend.apiKey") {
		t.Fatalf("expected apiKey error, got %v", err)
	}
}

func TestValidate_BadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Mode = "websocket"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown backend mode")
	}
}

func TestValidate_PollIntervalVsTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.PollIntervalSeconds = 60
	cfg.Backend.RunTimeoutSeconds = 60
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when poll interval >= run timeout")
	}
}

func TestValidate_VKRequiresConfirmation(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.VK.Enabled = true
	cfg.Channels.VK.Token = "vk-token"
	cfg.Channels.VK.Confirmation = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "confirmation") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	t.Setenv("CHATBRIDGE_TEST_KEY", "sk-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"backend": {"apiKey": "${CHATBRIDGE_TEST_KEY}", "personaPath": "persona.yaml"},
		"channels": {"telegram": {"enabled": true, "token": "123:abc"}}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.APIKey != "sk-env" {
		t.Fatalf("env var not expanded: %q", cfg.Backend.APIKey)
	}
	if cfg.Backend.RunTimeoutSeconds != 60 {
		t.Fatalf("defaults not applied: %d", cfg.Backend.RunTimeoutSeconds)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Fatal("telegram should be enabled")
	}
}

func TestSanitize_RedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.VK.Token = "vk-secret"
	out := Sanitize(cfg)
	if out.Backend.APIKey != "***" || out.Channels.Telegram.Token != "***" || out.Channels.VK.Token != "***" {
		t.Fatalf("secrets not redacted: %+v", out)
	}
	if cfg.Backend.APIKey != "sk-test" {
		t.Fatal("sanitize must not mutate the original")
	}
}
