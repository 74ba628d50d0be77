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

package controlplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/models"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config

	cfg.SetDefaults()

	assert.Equal(t, defaultAuditLog, cfg.AuditLog)
	assert.Equal(t, defaultConcurrency, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace.Duration())
	assert.Empty(t, cfg.VaultPath)
}

func TestConfig_SetDefaultsVaultPathFromMasterKey(t *testing.T) {
	cfg := Config{MasterKey: "hunter2"}

	cfg.SetDefaults()

	assert.Equal(t, defaultVaultPath, cfg.VaultPath)
}

func TestConfig_ValidateVaultRequiresMasterKey(t *testing.T) {
	cfg := Config{VaultPath: "/tmp/vault.json"}

	assert.ErrorIs(t, cfg.Validate(), errNoMasterKey)
}

func TestConfig_ValidateRules(t *testing.T) {
	tests := []struct {
		name    string
		rule    models.PolicyRule
		wantErr error
	}{
		{
			name: "valid condition",
			rule: models.PolicyRule{Name: "blocklist", Condition: `requested_by in ["mallory"]`, Effect: models.EffectDeny},
		},
		{
			name: "empty condition is allowed",
			rule: models.PolicyRule{Name: "placeholder", Effect: models.EffectDeny},
		},
		{
			name:    "missing name",
			rule:    models.PolicyRule{Condition: "true", Effect: models.EffectDeny},
			wantErr: errMissingRuleKey,
		},
		{
			name:    "malformed condition",
			rule:    models.PolicyRule{Name: "broken", Condition: `exec("rm -rf /")`, Effect: models.EffectDeny},
			wantErr: errInvalidRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Rules: []models.PolicyRule{tt.rule}}

			err := cfg.Validate()

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateSeedDevices(t *testing.T) {
	tests := []struct {
		name    string
		device  DeviceConfig
		wantErr error
	}{
		{
			name:   "loopback device",
			device: DeviceConfig{DeviceID: "dev1", ConnectionURI: "loopback:dev1", Connector: "loopback"},
		},
		{
			name:   "no connector",
			device: DeviceConfig{DeviceID: "dev1", ConnectionURI: "usb:SERIAL"},
		},
		{
			name:   "tool device",
			device: DeviceConfig{DeviceID: "dev1", ConnectionURI: "usb:SERIAL", Connector: "tool", ToolBinary: "adb"},
		},
		{
			name:    "missing device id",
			device:  DeviceConfig{ConnectionURI: "usb:SERIAL"},
			wantErr: errBadSeedDevice,
		},
		{
			name:    "missing connection uri",
			device:  DeviceConfig{DeviceID: "dev1"},
			wantErr: errBadSeedDevice,
		},
		{
			name:    "tool without binary",
			device:  DeviceConfig{DeviceID: "dev1", ConnectionURI: "usb:SERIAL", Connector: "tool"},
			wantErr: errUnknownSeed,
		},
		{
			name:    "unknown connector",
			device:  DeviceConfig{DeviceID: "dev1", ConnectionURI: "usb:SERIAL", Connector: "carrier-pigeon"},
			wantErr: errUnknownSeed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Devices: []DeviceConfig{tt.device}}

			err := cfg.Validate()

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
