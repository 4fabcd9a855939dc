// Package config loads engine configuration from the environment.
// Secrets (database DSN, encryption key, provider keys) are env-only and
// never written to disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the engine.
type Config struct {
	Env        string `env:"ENV" env-default:"local"`
	ListenAddr string `env:"LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	BaseURL    string `env:"BASE_URL" env-default:""`
	LogPath    string `env:"LOG_PATH" env-default:""`

	Database Database
	Redis    Redis
	Security Security
	Telegram Telegram
	Ingest   Ingest
	Analysis Analysis
	Uploads  Uploads
}

// Database selects the persistence backend. sqlite is the default for
// single-node installs; postgresql is used when DATABASE_URL points at a
// server.
type Database struct {
	Type string `env:"DB_TYPE" env-default:"sqlite"`
	URL  string `env:"DATABASE_URL" env-default:""`
	Path string `env:"DATABASE_PATH" env-default:"almudeer.db"`
}

// Redis is optional. When URL is empty the engine falls back to in-process
// counters and a local event bus, which is correct for a single node.
type Redis struct {
	URL string `env:"REDIS_URL" env-default:""`
}

// Security carries the credential-store key material and the admin guard.
type Security struct {
	EncryptionKey string `env:"ENCRYPTION_KEY" env-default:""`
	AdminKey      string `env:"ADMIN_KEY" env-default:""`
}

// Telegram holds the MTProto application identity used by user-account
// transports. Bot transports carry their token in the credential store.
type Telegram struct {
	APIID   int    `env:"TELEGRAM_API_ID" env-default:"0"`
	APIHash string `env:"TELEGRAM_API_HASH" env-default:""`
}

// Ingest tunes the polling scheduler and per-sender quotas.
type Ingest struct {
	PollIntervalSeconds int `env:"POLL_INTERVAL_SECONDS" env-default:"300"`
	MaxPerSenderDay     int `env:"MAX_MESSAGES_PER_USER_DAY" env-default:"50"`
	MaxPerSenderMinute  int `env:"MAX_MESSAGES_PER_USER_MINUTE" env-default:"1"`
	BackfillDays        int `env:"BACKFILL_DAYS" env-default:"30"`
	WorkerCount         int `env:"WORKER_COUNT" env-default:"2"`
}

// Analysis selects the AI provider. OpenAI wins when both keys are set.
type Analysis struct {
	OpenAIKey   string `env:"OPENAI_API_KEY" env-default:""`
	OpenAIModel string `env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	GoogleKey   string `env:"GOOGLE_API_KEY" env-default:""`
	GoogleModel string `env:"GOOGLE_MODEL" env-default:"gemini-2.0-flash"`
}

// Uploads is where downloaded media lands, and the public URL prefix the
// API serves it under.
type Uploads struct {
	Dir           string `env:"UPLOAD_DIR" env-default:"uploads"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:""`
}

// PollInterval returns the scheduler cycle length.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Ingest.PollIntervalSeconds) * time.Second
}

// IsProd reports whether the engine runs with production logging.
func (c *Config) IsProd() bool { return c.Env == "prod" }

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first (missing file is an error); otherwise a ./.env file is
// applied when present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Type {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("DB_TYPE must be sqlite or postgresql, got %q", c.Database.Type)
	}
	if c.Database.Type == "postgresql" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DB_TYPE=postgresql")
	}
	if c.Ingest.PollIntervalSeconds < 10 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be at least 10")
	}
	return nil
}
