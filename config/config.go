package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall relay server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Relay      RelayConfig      `yaml:"relay"`
}

// WorkerPoolConfig holds the configuration for the push notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" env:"CLIPSYNC_VAPID_PUBLIC_KEY"`
	PrivateKey string `yaml:"vapid_private_key" env:"CLIPSYNC_VAPID_PRIVATE_KEY"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are present.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// AuthConfig holds the bearer token verification settings.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"CLIPSYNC_JWT_SECRET"`
	Issuer        string        `yaml:"issuer"`
	LeewaySeconds int           `yaml:"leeway_seconds"`
	Leeway        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the device directory connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn" env:"CLIPSYNC_DATABASE_DSN"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// RelayConfig tunes the WebSocket relay.
type RelayConfig struct {
	SendBuffer          int           `yaml:"send_buffer"`
	PingIntervalSeconds int           `yaml:"ping_interval_seconds"`
	PongWaitSeconds     int           `yaml:"pong_wait_seconds"`
	MessagesPerSec      float64       `yaml:"messages_per_sec"`
	MessageBurst        int           `yaml:"message_burst"`
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`
	DedupTTLSeconds     int           `yaml:"dedup_ttl_seconds"`
	PresenceQueueSize   int           `yaml:"presence_queue_size"`
	PingInterval        time.Duration `yaml:"-"`
	PongWait            time.Duration `yaml:"-"`
	DedupTTL            time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path and overlays secrets
// from the environment (and a .env file, when present).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret (or CLIPSYNC_JWT_SECRET) is required")
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}
	cfg.Server.CacheTTL = time.Duration(cfg.Server.CacheTTLSeconds) * time.Second

	if cfg.Auth.LeewaySeconds < 0 {
		cfg.Auth.LeewaySeconds = 0
	}
	cfg.Auth.Leeway = time.Duration(cfg.Auth.LeewaySeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = 32
	}
	if cfg.Relay.PingIntervalSeconds <= 0 {
		cfg.Relay.PingIntervalSeconds = 30
	}
	if cfg.Relay.PongWaitSeconds <= cfg.Relay.PingIntervalSeconds {
		cfg.Relay.PongWaitSeconds = cfg.Relay.PingIntervalSeconds * 2
	}
	if cfg.Relay.MessagesPerSec <= 0 {
		cfg.Relay.MessagesPerSec = 20
	}
	if cfg.Relay.MessageBurst <= 0 {
		cfg.Relay.MessageBurst = 10
	}
	if cfg.Relay.MaxMessageBytes <= 0 {
		cfg.Relay.MaxMessageBytes = 1 << 20
	}
	if cfg.Relay.DedupTTLSeconds <= 0 {
		cfg.Relay.DedupTTLSeconds = 60
	}
	if cfg.Relay.PresenceQueueSize <= 0 {
		cfg.Relay.PresenceQueueSize = 256
	}
	cfg.Relay.PingInterval = time.Duration(cfg.Relay.PingIntervalSeconds) * time.Second
	cfg.Relay.PongWait = time.Duration(cfg.Relay.PongWaitSeconds) * time.Second
	cfg.Relay.DedupTTL = time.Duration(cfg.Relay.DedupTTLSeconds) * time.Second
}
