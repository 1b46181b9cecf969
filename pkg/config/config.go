// Package config loads the server configuration from the environment
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/repository"
)

// Config holds every setting of the server. Flags may override Port and Debug after Load.
type Config struct {
	Port         string   `env:"PORT" envDefault:"8080"`
	Debug        bool     `env:"DEBUG" envDefault:"false"`
	APIKeys      []string `env:"API_KEYS" envSeparator:","`
	FrontendPath string   `env:"FRONTEND_PATH"`

	DefaultInitial   time.Duration `env:"DEFAULT_INITIAL_TIME" envDefault:"5m"`
	DefaultIncrement time.Duration `env:"DEFAULT_INCREMENT" envDefault:"3s"`
	TimeControlsFile string        `env:"TIME_CONTROLS_FILE"`

	SpectatorTTL time.Duration `env:"SPECTATOR_TTL" envDefault:"2m"`
	InboundRate  float64       `env:"WS_RATE_LIMIT" envDefault:"10"`
	InboundBurst int           `env:"WS_RATE_BURST" envDefault:"20"`

	// NATSURL selects the JetStream conclusion store; empty keeps conclusions in memory
	NATSURL           string `env:"NATS_URL"`
	NATSStream        string `env:"NATS_STREAM" envDefault:"SESSION_CONCLUSIONS"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"sessions.concluded"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment into a Config and validates it
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c Config) Validate() error {
	if err := c.DefaultTimeControl().Validate(); err != nil {
		return fmt.Errorf("default time control: %w", err)
	}
	if c.SpectatorTTL <= 0 {
		return errors.New("SPECTATOR_TTL must be positive")
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		return errors.New("WS_RATE_LIMIT and WS_RATE_BURST must be positive")
	}
	return nil
}

// DefaultTimeControl is used for sessions created without a time control or preset
func (c Config) DefaultTimeControl() clock.TimeControl {
	return clock.Uniform(c.DefaultInitial, c.DefaultIncrement)
}

// JetStream returns the conclusion stream settings
func (c Config) JetStream() repository.JetStreamConfig {
	js := repository.DefaultJetStreamConfig()
	js.URL = c.NATSURL
	js.StreamName = c.NATSStream
	js.SubjectPrefix = c.NATSSubjectPrefix
	return js
}
