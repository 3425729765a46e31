// Package config loads walletd settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/retry"
)

type Config struct {
	DBPath     string `env:"WALLET_DB_PATH" envDefault:"./data/wallet.db"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8787"`

	AuthorityURL  string        `env:"AUTHORITY_URL,required,notEmpty"`
	SessionSecret string        `env:"SESSION_SECRET,required,notEmpty"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"5m"`

	// FeeSchedulePath points at a YAML fee schedule. Empty means the built-in one.
	FeeSchedulePath string `env:"FEE_SCHEDULE_PATH"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"250ms"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`

	CommitTimeout time.Duration `env:"COMMIT_TIMEOUT" envDefault:"15s"`

	// CORSAllowedOrigin is the one browser origin allowed to call walletd.
	// Empty means browser requests carrying an Origin header are refused.
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`

	PINMaxAttempts int           `env:"PIN_MAX_ATTEMPTS" envDefault:"5"`
	PINLockout     time.Duration `env:"PIN_LOCKOUT" envDefault:"15m"`

	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepConcurrency     int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
	IdempotencyRetention time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"720h"`
}

// Load reads a .env file if there is one, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found, relying on environment variables")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.RetryMaxAttempts < 1:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	case c.RetryMultiplier < 1:
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %v", c.RetryMultiplier)
	case c.CommitTimeout <= 0:
		return fmt.Errorf("COMMIT_TIMEOUT must be positive, got %v", c.CommitTimeout)
	case c.SweepInterval <= 0:
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %v", c.SweepInterval)
	case c.PINMaxAttempts < 1:
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be at least 1, got %d", c.PINMaxAttempts)
	case c.PINLockout <= 0:
		return fmt.Errorf("PIN_LOCKOUT must be positive, got %v", c.PINLockout)
	case c.SweepConcurrency < 1:
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	return nil
}

// RetryPolicy is the backoff for calls to the remote authority. The sweeper
// uses the same curve to space out requeued operations.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}
