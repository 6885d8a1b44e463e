package database

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LoadConfigFromEnv binds the DB_* environment variables onto a Config.
// Every variable has a default except DB_PASSWORD.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse DB_* environment: %w", err)
	}
	return cfg, nil
}
