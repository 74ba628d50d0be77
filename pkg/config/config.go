/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads and validates component configuration from JSON
// files. Components declare their own config structs and optionally
// implement Defaulter and Validator.
package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/fleetgate/pkg/logger"
)

var (
	errLoadConfigFailed = errors.New("failed to load configuration")
	errInvalidConfigPtr = errors.New("config must be a non-nil pointer")
)

// ConfigLoader reads a configuration source into dst.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Defaulter lets a config struct fill unset fields after loading.
type Defaulter interface {
	SetDefaults()
}

// Validator lets a config struct reject invalid values after defaulting.
type Validator interface {
	Validate() error
}

// Config holds the configuration loading dependencies.
type Config struct {
	loader ConfigLoader
	logger logger.Logger
}

// NewConfig initializes a Config with the default file loader. A nil logger
// falls back to the test logger so config loading never dereferences nil.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Config{
		loader: &FileConfigLoader{},
		logger: log,
	}
}

// SetLoader replaces the loader, for tests or alternative sources.
func (c *Config) SetLoader(loader ConfigLoader) {
	c.loader = loader
}

// LoadAndValidate loads the config at path into cfg, applies defaults, and
// validates.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	if cfg == nil {
		return errInvalidConfigPtr
	}

	if err := c.loader.Load(ctx, path, cfg); err != nil {
		return fmt.Errorf("%w: %w", errLoadConfigFailed, err)
	}

	if defaulter, ok := cfg.(Defaulter); ok {
		defaulter.SetDefaults()
	}

	if validator, ok := cfg.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	c.logger.Debug().Str("path", path).Msg("Configuration loaded")

	return nil
}
