package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file at path (skipped when path is empty or the
// file does not exist), environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No config file, using defaults and environment", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config file: %w", err)
			}
			slog.Info("Loaded config file", "path", path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
