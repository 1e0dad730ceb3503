// Package config loads server settings from the environment, after merging an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Upload backends.
const (
	BackendFS        = "fs"
	BackendJetStream = "jetstream"
)

// Config holds every setting of the chat server.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":4000"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	AllowAnonymous bool          `envconfig:"ALLOW_ANONYMOUS" default:"false"`
	ClientOrigin   string        `envconfig:"CLIENT_ORIGIN"`
	ServerName     string        `envconfig:"SERVER_NAME"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"1s"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	UploadBackend  string `envconfig:"UPLOAD_BACKEND" default:"fs"`
	UploadDir      string `envconfig:"UPLOAD_DIR" default:"uploads"`
	UploadBucket   string `envconfig:"UPLOAD_BUCKET" default:"chat-uploads"`
	MaxUploadBytes int    `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`

	// Optional backends; empty disables them.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NATSURL     string `envconfig:"NATS_URL"`
}

// Load reads .env (if present) into the process environment without
// overriding variables that are already set, then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv parses the environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must not be empty")
	}
	switch c.UploadBackend {
	case BackendFS:
	case BackendJetStream:
		if c.NATSURL == "" {
			return errors.New("config: UPLOAD_BACKEND=jetstream requires NATS_URL")
		}
	default:
		return fmt.Errorf("config: unknown UPLOAD_BACKEND %q", c.UploadBackend)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	return nil
}
