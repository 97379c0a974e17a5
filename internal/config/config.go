package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Solver struct {
		// Defaults applied to solve requests that leave options unset.
		InitialRadius  float64       `env:"SOLVER_INITIAL_RADIUS" envDefault:"0.1"`
		MinRadius      float64       `env:"SOLVER_MIN_RADIUS" envDefault:"1e-8"`
		MaxEvaluations int           `env:"SOLVER_MAX_EVALUATIONS" envDefault:"1000"`
		ObjectiveTol   float64       `env:"SOLVER_OBJECTIVE_TOL" envDefault:"1e-12"`
		MaxDuration    time.Duration `env:"SOLVER_MAX_DURATION" envDefault:"5m"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development runs default to verbose logging.
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
