// Package config loads the pipeline's YAML tuning file. Everything has a
// working default so an empty file (or none at all) boots a usable instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/retry"
)

type Config struct {
	Dispatcher struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int32         `yaml:"batch_size"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
		WorkerID     string        `yaml:"worker_id"`
	} `yaml:"dispatcher"`

	Outbox struct {
		PollInterval time.Duration          `yaml:"poll_interval"`
		BatchSize    int32                  `yaml:"batch_size"`
		RetryTier    models.CommandPriority `yaml:"retry_tier"`
		UseListener  bool                   `yaml:"use_listener"`
	} `yaml:"outbox"`

	Timer struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int32         `yaml:"batch_size"`
	} `yaml:"timer"`

	Reaper struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"reaper"`

	Retry map[string]RetryTier `yaml:"retry"`

	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
		Enabled       bool   `yaml:"enabled"`
	} `yaml:"nats"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Debug          bool     `yaml:"debug"`
	} `yaml:"http"`
}

// RetryTier overrides one priority tier's backoff policy.
type RetryTier struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

func Default() *Config {
	var cfg Config
	cfg.Dispatcher.PollInterval = 500 * time.Millisecond
	cfg.Dispatcher.BatchSize = 50
	cfg.Dispatcher.LeaseTTL = 2 * time.Minute
	cfg.Outbox.PollInterval = 5 * time.Second
	cfg.Outbox.BatchSize = 100
	cfg.Outbox.RetryTier = models.PriorityNormal
	cfg.Timer.PollInterval = 5 * time.Second
	cfg.Timer.BatchSize = 100
	cfg.Reaper.Interval = 30 * time.Second
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Stream = "ENTITY_EVENTS"
	cfg.NATS.SubjectPrefix = "core.entity.events"
	cfg.HTTP.Addr = ":8085"
	return &cfg
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; NATS_URL and HTTP_ADDR env vars win over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RetryTable builds the backoff table: tier defaults with any configured
// overrides applied field by field.
func (c *Config) RetryTable() retry.Table {
	table := retry.DefaultTable()
	for tier, override := range c.Retry {
		policy := table[models.CommandPriority(tier)]
		if override.MaxAttempts > 0 {
			policy.MaxAttempts = override.MaxAttempts
		}
		if override.InitialDelay > 0 {
			policy.InitialDelay = override.InitialDelay
		}
		if override.Multiplier > 0 {
			policy.Multiplier = override.Multiplier
		}
		if override.MaxDelay > 0 {
			policy.MaxDelay = override.MaxDelay
		}
		table[models.CommandPriority(tier)] = policy
	}
	return table
}

func (c *Config) validate() error {
	if c.Dispatcher.PollInterval <= 0 || c.Outbox.PollInterval <= 0 || c.Timer.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Dispatcher.BatchSize <= 0 || c.Outbox.BatchSize <= 0 || c.Timer.BatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Dispatcher.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	switch c.Outbox.RetryTier {
	case models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityBulk:
	default:
		return fmt.Errorf("unknown outbox retry_tier %q", c.Outbox.RetryTier)
	}
	for tier := range c.Retry {
		switch models.CommandPriority(tier) {
		case models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityBulk:
		default:
			return fmt.Errorf("unknown retry tier %q", tier)
		}
	}
	return nil
}
