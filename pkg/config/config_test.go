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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	Endpoint string `json:"endpoint"`
	Workers  int    `json:"workers"`

	validateErr error
}

func (c *fakeConfig) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
}

func (c *fakeConfig) Validate() error {
	return c.validateErr
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidate_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{"endpoint": "localhost:50051"}`)

	var cfg fakeConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "localhost:50051", cfg.Endpoint)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadAndValidate_ExplicitValueWins(t *testing.T) {
	path := writeConfigFile(t, `{"endpoint": "localhost:50051", "workers": 16}`)

	var cfg fakeConfig

	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))
	assert.Equal(t, 16, cfg.Workers)
}

func TestLoadAndValidate_ValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `{"endpoint": "localhost:50051"}`)

	wantErr := errors.New("bad endpoint")
	cfg := fakeConfig{validateErr: wantErr}

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	assert.ErrorIs(t, err, wantErr)
}

func TestLoadAndValidate_MissingFile(t *testing.T) {
	var cfg fakeConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "/nonexistent/config.json", &cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errLoadConfigFailed)
}

func TestLoadAndValidate_MalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"endpoint": `)

	var cfg fakeConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	assert.ErrorIs(t, err, errLoadConfigFailed)
}

func TestLoadAndValidate_NilConfig(t *testing.T) {
	err := NewConfig(nil).LoadAndValidate(context.Background(), "unused.json", nil)
	assert.ErrorIs(t, err, errInvalidConfigPtr)
}

type memoryLoader struct {
	loaded bool
}

func (m *memoryLoader) Load(_ context.Context, _ string, dst interface{}) error {
	m.loaded = true

	if cfg, ok := dst.(*fakeConfig); ok {
		cfg.Endpoint = "in-memory"
	}

	return nil
}

func TestSetLoader(t *testing.T) {
	loader := &memoryLoader{}

	c := NewConfig(nil)
	c.SetLoader(loader)

	var cfg fakeConfig

	require.NoError(t, c.LoadAndValidate(context.Background(), "ignored", &cfg))
	assert.True(t, loader.loaded)
	assert.Equal(t, "in-memory", cfg.Endpoint)
}
