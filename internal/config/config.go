package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. IZICHAT_SERVER_WS_URL.
const EnvPrefix = "IZICHAT"

// Config represents the global ~/.izichat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" envconfig:"DEFAULT_SESSION" validate:"omitempty,max=64"`
	LogLevel       string `toml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	Server      Server      `toml:"server" envconfig:"SERVER"`
	Auth        Auth        `toml:"auth" envconfig:"AUTH"`
	Transport   Transport   `toml:"transport" envconfig:"TRANSPORT"`
	Outbox      Outbox      `toml:"outbox" envconfig:"OUTBOX"`
	Attachments Attachments `toml:"attachments" envconfig:"ATTACHMENTS"`
	Store       Store       `toml:"store" envconfig:"STORE"`
}

// Server locates the chat backend.
type Server struct {
	WebSocketURL string `toml:"ws_url" envconfig:"WS_URL" validate:"omitempty,url"`
	APIURL       string `toml:"api_url" envconfig:"API_URL" validate:"omitempty,url"`
}

// Auth holds the bearer token and, optionally, the key used to verify it.
type Auth struct {
	Token      string `toml:"token" envconfig:"TOKEN"`
	SigningKey string `toml:"signing_key" envconfig:"SIGNING_KEY"`
}

// Transport tunes the real-time session.
type Transport struct {
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" envconfig:"MAX_RECONNECT_ATTEMPTS" validate:"gte=0"`
	BackoffBase          time.Duration `toml:"backoff_base" envconfig:"BACKOFF_BASE" validate:"gte=0"`
	BackoffMax           time.Duration `toml:"backoff_max" envconfig:"BACKOFF_MAX" validate:"gte=0"`
	PingInterval         time.Duration `toml:"ping_interval" envconfig:"PING_INTERVAL" validate:"gte=0"`
	TypingTTL            time.Duration `toml:"typing_ttl" envconfig:"TYPING_TTL" validate:"gte=0"`
}

// Outbox holds delivery deadlines.
type Outbox struct {
	StillSendingAfter time.Duration `toml:"still_sending_after" envconfig:"STILL_SENDING_AFTER" validate:"gte=0"`
	FailAfter         time.Duration `toml:"fail_after" envconfig:"FAIL_AFTER" validate:"gte=0"`
}

// Attachments bounds what can be attached.
type Attachments struct {
	MaxSizeMB          int      `toml:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"gt=0"`
	HeadroomMultiplier float64  `toml:"headroom_multiplier" envconfig:"HEADROOM_MULTIPLIER" validate:"gte=1"`
	AllowedTypes       []string `toml:"allowed_types" envconfig:"ALLOWED_TYPES" validate:"omitempty,dive,required"`
}

// Store bounds the local database.
type Store struct {
	QuotaMB int `toml:"quota_mb" envconfig:"QUOTA_MB" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Transport: Transport{
			MaxReconnectAttempts: 5,
			BackoffBase:          time.Second,
			BackoffMax:           30 * time.Second,
			PingInterval:         30 * time.Second,
			TypingTTL:            3 * time.Second,
		},
		Outbox: Outbox{
			StillSendingAfter: 10 * time.Second,
			FailAfter:         time.Minute,
		},
		Attachments: Attachments{
			MaxSizeMB:          10,
			HeadroomMultiplier: 2,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective configuration: defaults, then the TOML file
// at path if it exists, then a .env file in the working directory, then
// IZICHAT_* environment variables. The result is validated.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
