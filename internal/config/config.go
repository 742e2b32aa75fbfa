// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Backend names.
const (
	BackendNative    = "native"
	BackendGeometric = "geometric"
)

type Config struct {
	Environment string `env:"GEOMOPT_ENV" envDefault:"development"`
	Logging     struct {
		Level      string `env:"LOG_LEVEL" envDefault:"info"`
		Format     string `env:"LOG_FORMAT" envDefault:"json"`
		Output     string `env:"LOG_OUTPUT" envDefault:"stderr"`
		MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
		MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
		MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
	}
	Optimizer struct {
		Backend string `env:"GEOMOPT_BACKEND" envDefault:"native"`
		// Python is the interpreter used by the geometric backend
		Python string `env:"GEOMOPT_PYTHON" envDefault:"python3"`
		// ScratchDir is the parent of per-job scratch directories; empty
		// means the system temp directory
		ScratchDir string `env:"GEOMOPT_SCRATCH_DIR"`
	}
	HTTP struct {
		// MetricsAddr enables the status server when set, e.g. ":9090"
		MetricsAddr     string        `env:"GEOMOPT_METRICS_ADDR"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return LoadWith(env.Options{})
}

// LoadWith reads the configuration using opts, for example an explicit
// Environment map in tests.
func LoadWith(opts env.Options) (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch c.Optimizer.Backend {
	case BackendNative, BackendGeometric:
	default:
		return fmt.Errorf("unknown optimizer backend %q (want %q or %q)",
			c.Optimizer.Backend, BackendNative, BackendGeometric)
	}
	if c.Optimizer.Backend == BackendGeometric && c.Optimizer.Python == "" {
		return fmt.Errorf("GEOMOPT_PYTHON must be set for the %s backend", BackendGeometric)
	}
	return nil
}
