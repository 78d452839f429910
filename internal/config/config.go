// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the dev command's settings from the optional
// rollout.yaml file, environment variables, and defaults, in that
// ascending precedence order. Command-line flags override all of these at
// the cmd layer.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variable overrides.
const (
	EnvBaseURL       = "LMNR_BASE_URL"
	EnvProjectAPIKey = "LMNR_PROJECT_API_KEY"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "rollout.yaml"

// configValidate is the validator instance for this package.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config is the resolved dev-command configuration.
//
// # Validation
//
// Uses go-playground/validator:
//   - BaseURL: required, must be a URL
//   - ports: 0-65535 (0 means "use the default for the scheme")
//   - LogLevel: one of debug, info, warn, error when set
type Config struct {
	// BaseURL is the backend the control channel and REST client talk to.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// ProjectAPIKey authenticates against the backend project.
	ProjectAPIKey string `yaml:"project_api_key"`

	// HTTPPort and GRPCPort are the backend ports passed through to the
	// worker's tracing layer.
	HTTPPort int `yaml:"http_port" validate:"gte=0,lte=65535"`
	GRPCPort int `yaml:"grpc_port" validate:"gte=0,lte=65535"`

	// FrontendPort builds the human-facing session URL.
	FrontendPort int `yaml:"frontend_port" validate:"gte=0,lte=65535"`

	// LogLevel controls the dev command's own logging.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the baseline configuration before file and env overlays.
func Default() Config {
	return Config{
		BaseURL:      "https://api.lmnr.ai",
		HTTPPort:     443,
		GRPCPort:     8443,
		FrontendPort: 443,
		LogLevel:     "info",
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load resolves the configuration: defaults, then the YAML file at path
// (a missing file is fine, defaults apply), then environment variables.
// The result is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file: defaults + env only.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvProjectAPIKey); v != "" {
		cfg.ProjectAPIKey = v
	}
}
