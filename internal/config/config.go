package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for chatsync.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Backend  BackendConfig  `json:"backend"`
	Identity IdentityConfig `json:"identity"`
	Notify   NotifyConfig   `json:"notify"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// BackendConfig selects and locates the document backend. Mode "local"
// opens the SQLite backend in-process; mode "remote" dials a served one.
type BackendConfig struct {
	Mode      string `json:"mode"` // "local" | "remote"
	Addr      string `json:"addr"` // remote base URL, e.g. http://127.0.0.1:8790
	DBPath    string `json:"dbPath"`
	Listen    string `json:"listen"`              // serve bind address
	PublicURL string `json:"publicUrl,omitempty"` // object URL prefix when serving
}

type IdentityConfig struct {
	UserID string `json:"userId,omitempty"` // empty: anonymous identity per process
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the unread-room notifier.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chatId,omitempty"`
	PollSeconds int    `json:"pollSeconds"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.chatsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

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

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Backend.DBPath = expandPath(cfg.Backend.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Backend.Mode {
	case "local", "remote":
		// valid
	default:
		errs = append(errs, "backend.mode must be one of: local, remote")
	}
	if cfg.Backend.Mode == "remote" && cfg.Backend.Addr == "" {
		errs = append(errs, "backend.addr is required in remote mode")
	}
	if cfg.Backend.Mode == "local" && cfg.Backend.DBPath == "" {
		errs = append(errs, "backend.dbPath is required in local mode")
	}

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required when the notifier is enabled")
		}
		if cfg.Notify.Telegram.ChatID == 0 {
			errs = append(errs, "notify.telegram.chatId is required when the notifier is enabled")
		}
	}
	if cfg.Notify.Telegram.PollSeconds < 1 {
		errs = append(errs, "notify.telegram.pollSeconds must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
