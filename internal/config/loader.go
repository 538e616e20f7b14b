package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/lriba/testweaver/pkg/models"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Generation.Tests == "" {
		cfg.Generation.Tests = models.GenerateModelsAndFirstTest
	}
	if cfg.Generation.MaxFixAttempts == 0 {
		cfg.Generation.MaxFixAttempts = 3
	}
	if cfg.Generation.MaxTestFixAttempts == 0 {
		cfg.Generation.MaxTestFixAttempts = 3
	}
	if cfg.Generation.Namespace == "" {
		cfg.Generation.Namespace = "framework_generator"
	}

	if cfg.Toolchain.Install == "" {
		cfg.Toolchain.Install = "npm install --loglevel=error"
	}
	if cfg.Toolchain.Compile == "" {
		cfg.Toolchain.Compile = "npx tsc --noEmit"
	}
	if cfg.Toolchain.Lint == "" {
		cfg.Toolchain.Lint = "npm run lint"
	}
	if cfg.Toolchain.Format == "" {
		cfg.Toolchain.Format = "npm run prettify"
	}
	if cfg.Toolchain.Test == "" {
		cfg.Toolchain.Test = "npm test --"
	}

	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.2
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 8192
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}
}
