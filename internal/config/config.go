package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for chatbridge. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Backend    BackendConfig    `json:"backend"`
	Channels   ChannelsConfig   `json:"channels"`
	Notify     NotifyConfig     `json:"notify"`
	Transcript TranscriptConfig `json:"transcript"`
}

type GeneralConfig struct {
	LogLevel           string `json:"logLevel"`
	LogFile            string `json:"logFile,omitempty"`
	HealthAddr         string `json:"healthAddr,omitempty"` // optional liveness endpoint, e.g. ":8081"
	MaxConcurrentUsers int    `json:"maxConcurrentUsers"`
}

// BackendConfig configures the assistant backend and run execution.
type BackendConfig struct {
	APIKey              string `json:"apiKey"`
	APIBase             string `json:"apiBase,omitempty"`
	PersonaPath         string `json:"personaPath"`
	Mode                string `json:"mode"` // "stream" | "poll"
	RunTimeoutSeconds   int    `json:"runTimeoutSeconds"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	VK       VKConfig       `json:"vk"`
}

type TelegramConfig struct {
	Enabled            bool     `json:"enabled"`
	Token              string   `json:"token"`
	AllowFrom          []string `json:"allowFrom,omitempty"` // chat IDs, empty = allow all
	PollTimeoutSeconds int      `json:"pollTimeoutSeconds"`
}

type VKConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	Confirmation string `json:"confirmation"` // token echoed back on address verification
	Addr         string `json:"addr"`
	Path         string `json:"path"`
	APIVersion   string `json:"apiVersion"`
}

// NotifyConfig configures the operator-handoff notification sidecar.
// Token may reuse the Telegram bot token; ChatID is the operator inbox.
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
}

// TranscriptConfig configures the append-only (question, response) log.
type TranscriptConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Backend.PersonaPath = ExpandPath(cfg.Backend.PersonaPath)
	cfg.Transcript.DBPath = ExpandPath(cfg.Transcript.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val, exists := os.LookupEnv(groups[1])
		if exists && val != "" {
			return val
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the config for fatal startup errors.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Backend.APIKey == "" {
		errs = append(errs, "backend.apiKey is required")
	}
	if cfg.Backend.PersonaPath == "" {
		errs = append(errs, "backend.personaPath is required")
	}
	switch cfg.Backend.Mode {
	case "stream", "poll":
	default:
		errs = append(errs, "backend.mode must be one of: stream, poll")
	}
	if cfg.Backend.RunTimeoutSeconds < 1 {
		errs = append(errs, "backend.runTimeoutSeconds must be >= 1")
	}
	if cfg.Backend.PollIntervalSeconds < 1 {
		errs = append(errs, "backend.pollIntervalSeconds must be >= 1")
	}
	if cfg.Backend.PollIntervalSeconds >= cfg.Backend.RunTimeoutSeconds {
		errs = append(errs, "backend.pollIntervalSeconds must be smaller than backend.runTimeoutSeconds")
	}
	if cfg.General.MaxConcurrentUsers < 1 || cfg.General.MaxConcurrentUsers > 100 {
		errs = append(errs, "general.maxConcurrentUsers must be between 1 and 100")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.VK.Enabled {
		if cfg.Channels.VK.Token == "" {
			errs = append(errs, "channels.vk.token is required when vk is enabled")
		}
		if cfg.Channels.VK.Confirmation == "" {
			errs = append(errs, "channels.vk.confirmation is required when vk is enabled")
		}
	}
	if cfg.Notify.Enabled {
		if cfg.Notify.Token == "" {
			errs = append(errs, "notify.token is required when notify is enabled")
		}
		if cfg.Notify.ChatID == 0 {
			errs = append(errs, "notify.chatId is required when notify is enabled")
		}
	}
	if cfg.Transcript.Enabled && cfg.Transcript.DBPath == "" {
		errs = append(errs, "transcript.dbPath is required when transcript is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a copy with credentials redacted, for display.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = "***"
	}
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = "***"
	}
	if out.Channels.VK.Token != "" {
		out.Channels.VK.Token = "***"
	}
	if out.Notify.Token != "" {
		out.Notify.Token = "***"
	}
	return &out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
