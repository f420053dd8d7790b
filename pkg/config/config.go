// Package config loads the ck command's settings.
//
// Values are layered: Default, then a YAML file, then COORDKIT_* environment
// variables, then command-line flags (applied by the command itself). Each
// layer only overrides the keys it sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable, e.g. COORDKIT_LOG_LEVEL.
const EnvPrefix = "coordkit"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid value")

// Config holds every setting. Field names map to environment variables by
// splitting words: QueueCapacity is COORDKIT_QUEUE_CAPACITY.
type Config struct {
	LogLevel       string `yaml:"log_level" split_words:"true"`
	LogDevelopment bool   `yaml:"log_development" split_words:"true"`

	// Journal is the SQLite path for the event journal. Empty keeps the
	// journal in memory for the life of the process.
	Journal       string `yaml:"journal"`
	JournalBuffer int    `yaml:"journal_buffer" split_words:"true"`

	// ck semaphore
	Permits int           `yaml:"permits"`
	Workers int           `yaml:"workers"`
	Hold    time.Duration `yaml:"hold"`

	// ck bank
	Accounts  int   `yaml:"accounts"`
	Transfers int   `yaml:"transfers"`
	Deposit   int64 `yaml:"deposit"`

	// ck pipeline
	Producers     int           `yaml:"producers"`
	Validators    int           `yaml:"validators"`
	Processors    int           `yaml:"processors"`
	QueueCapacity int           `yaml:"queue_capacity" split_words:"true"`
	MaxDelay      time.Duration `yaml:"max_delay" split_words:"true"`
	ProducerRate  float64       `yaml:"producer_rate" split_words:"true"`
	ItemRange     int           `yaml:"item_range" split_words:"true"`
	ValidBelow    int           `yaml:"valid_below" split_words:"true"`
	RunFor        time.Duration `yaml:"run_for" split_words:"true"`
	Seed          uint64        `yaml:"seed"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel:      "warn",
		JournalBuffer: 1024,

		Permits: 3,
		Workers: 10,
		Hold:    10 * time.Millisecond,

		Accounts:  4,
		Transfers: 10000,
		Deposit:   1000,

		Producers:     10,
		Validators:    2,
		Processors:    3,
		QueueCapacity: 16,
		MaxDelay:      time.Second,
		ItemRange:     100,
		ValidBelow:    50,
		RunFor:        5 * time.Second,
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when
// path is empty) and then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, c, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects negative counts and durations.
func (c *Config) Validate() error {
	ints := []struct {
		name string
		v    int64
	}{
		{"journal_buffer", int64(c.JournalBuffer)},
		{"permits", int64(c.Permits)},
		{"workers", int64(c.Workers)},
		{"accounts", int64(c.Accounts)},
		{"transfers", int64(c.Transfers)},
		{"deposit", c.Deposit},
		{"producers", int64(c.Producers)},
		{"validators", int64(c.Validators)},
		{"processors", int64(c.Processors)},
		{"queue_capacity", int64(c.QueueCapacity)},
		{"item_range", int64(c.ItemRange)},
		{"valid_below", int64(c.ValidBelow)},
		{"hold", int64(c.Hold)},
		{"max_delay", int64(c.MaxDelay)},
		{"run_for", int64(c.RunFor)},
	}
	for _, f := range ints {
		if f.v < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalid, f.name, f.v)
		}
	}
	if c.ProducerRate < 0 {
		return fmt.Errorf("%w: producer_rate must not be negative, got %g", ErrInvalid, c.ProducerRate)
	}
	return nil
}
