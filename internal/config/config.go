package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for gather-sync.
type Config struct {
	// Base URL of the Gather REST API.
	APIBaseURL string `env:"GATHER_API_URL" envDefault:"https://api.gather.events"`

	// WebSocket URL for the realtime channel. When empty it is derived
	// from APIBaseURL by swapping the scheme and appending /ws.
	RealtimeURL string `env:"GATHER_WS_URL"`

	// Account credentials. Optional when a persisted token pair exists;
	// the daemon then resumes the previous session instead of logging in.
	Email    string `env:"GATHER_EMAIL"`
	Password string `env:"GATHER_PASSWORD"`

	// Directory holding the local state database. Defaults to
	// ~/.gather-sync/ when empty.
	StateDir string `env:"GATHER_STATE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Reconnect attempt budget for the realtime channel. After this many
	// consecutive failures the channel settles in the disconnected state.
	ReconnectMaxAttempts int `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "gather-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.RealtimeURL == "" {
		derived, err := deriveRealtimeURL(cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("deriving realtime URL: %w", err)
		}

		cfg.RealtimeURL = derived
	}

	if cfg.StateDir != "" {
		absDir, err := filepath.Abs(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
		}

		cfg.StateDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("GATHER_API_URL must not be empty")
	}

	// Credentials are all-or-nothing. Both empty means "resume the
	// persisted session"; exactly one set is always a mistake.
	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("GATHER_EMAIL and GATHER_PASSWORD must be set together")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// deriveRealtimeURL converts an API base URL into the websocket endpoint:
// https://api.gather.events -> wss://api.gather.events/ws
func deriveRealtimeURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parsing API base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported API scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	return u.String(), nil
}

// DefaultStateDir returns the default state directory: ~/.gather-sync/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gather-sync"), nil
}

// HasCredentials reports whether a login email and password are configured.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
