package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const appName = "kernelwire"

// Environment variables that override file values.
const (
	EnvLogLevel = "KERNELWIRE_LOG_LEVEL"
	EnvLogPath  = "KERNELWIRE_LOG_PATH"
)

// Config represents kernel configuration. Connection parameters are not part
// of it; they come from the descriptor handed over by the front end.
type Config struct {
	LogLevel           string `json:"log_level"` // debug, info, warn, error, none
	LogPath            string `json:"log_path"`
	Username           string `json:"username"`
	HeartbeatBackoffMs int    `json:"heartbeat_backoff_ms"`
	LockStarvationMs   int    `json:"lock_starvation_ms"`
	EnginePollMs       int    `json:"engine_poll_ms"`
	CommBuffer         int    `json:"comm_buffer"`
	HistoryPath        string `json:"history_path"` // empty keeps history in memory
	DisableHistory     bool   `json:"disable_history,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "kernel"
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		LogLevel:           "info",
		LogPath:            filepath.Join(stateDir, appName+".log"),
		Username:           defaultUsername(),
		HeartbeatBackoffMs: 100,
		LockStarvationMs:   1000,
		EnginePollMs:       10,
		CommBuffer:         64,
		HistoryPath:        filepath.Join(stateDir, "history.db"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.ApplyEnv()
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv lets environment variables override logging settings.
func (c *Config) ApplyEnv() {
	if envLevel := strings.TrimSpace(os.Getenv(EnvLogLevel)); envLevel != "" {
		c.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv(EnvLogPath)); envPath != "" {
		c.LogPath = envPath
	}
}

// Validate rejects values the kernel cannot run with.
func (c *Config) Validate() error {
	if c.HeartbeatBackoffMs < 0 {
		return fmt.Errorf("heartbeat_backoff_ms must not be negative")
	}
	if c.LockStarvationMs < 0 {
		return fmt.Errorf("lock_starvation_ms must not be negative")
	}
	if c.EnginePollMs <= 0 {
		return fmt.Errorf("engine_poll_ms must be positive")
	}
	if c.CommBuffer < 0 {
		return fmt.Errorf("comm_buffer must not be negative")
	}
	return nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// HeartbeatBackoff is the pause after a failed heartbeat receive.
func (c *Config) HeartbeatBackoff() time.Duration {
	return time.Duration(c.HeartbeatBackoffMs) * time.Millisecond
}

// LockStarvation is the wait beyond which lock acquisition is logged.
func (c *Config) LockStarvation() time.Duration {
	return time.Duration(c.LockStarvationMs) * time.Millisecond
}

// EnginePoll is the interval at which the engine runs its idle callback.
func (c *Config) EnginePoll() time.Duration {
	return time.Duration(c.EnginePollMs) * time.Millisecond
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
