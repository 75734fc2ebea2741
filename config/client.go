package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ClientConfig holds the device agent configuration. Unlike the server it is
// read from the environment only.
type ClientConfig struct {
	ServerURL string `env:"CLIPSYNC_SERVER_URL" envDefault:"ws://localhost:3000/ws"`
	APIURL    string `env:"CLIPSYNC_API_URL" envDefault:"http://localhost:3000"`

	// Bearer token, or a file the identity agent keeps refreshed.
	Token     string `env:"CLIPSYNC_TOKEN"`
	TokenFile string `env:"CLIPSYNC_TOKEN_FILE"`

	// Device name shown in the device list. Defaults to the hostname.
	DeviceName string `env:"CLIPSYNC_DEVICE_NAME"`

	HistoryPath  string `env:"CLIPSYNC_HISTORY_PATH"`
	HistoryLimit int    `env:"CLIPSYNC_HISTORY_LIMIT" envDefault:"200"`

	InitialBackoff    time.Duration `env:"CLIPSYNC_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff        time.Duration `env:"CLIPSYNC_MAX_BACKOFF" envDefault:"30s"`
	MaxAttempts       int           `env:"CLIPSYNC_MAX_ATTEMPTS" envDefault:"8"`
	HeartbeatInterval time.Duration `env:"CLIPSYNC_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"CLIPSYNC_HEARTBEAT_TIMEOUT" envDefault:"10s"`
}

// LoadClient reads the agent configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "clipsync"
		}
		cfg.DeviceName = hostname
	}

	if cfg.HistoryPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.HistoryPath = filepath.Join(home, ".clipsync", "history.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (cfg *ClientConfig) validate() error {
	if cfg.Token == "" && cfg.TokenFile == "" {
		return fmt.Errorf("CLIPSYNC_TOKEN or CLIPSYNC_TOKEN_FILE is required")
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		return fmt.Errorf("invalid backoff window %s..%s", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("CLIPSYNC_MAX_ATTEMPTS must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		return fmt.Errorf("CLIPSYNC_HISTORY_LIMIT must be positive")
	}
	return nil
}
