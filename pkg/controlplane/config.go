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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/policy"
)

const (
	defaultAuditLog    = "/var/lib/fleetgate/audit.log.jsonl"
	defaultVaultPath   = "/var/lib/fleetgate/vault.json"
	defaultConcurrency = 8
)

var (
	errNoMasterKey    = errors.New("vault_path set without master_key")
	errBadSeedDevice  = errors.New("seed device requires device_id and connection_uri")
	errUnknownSeed    = errors.New("unknown seed connector type")
	errInvalidRule    = errors.New("invalid policy rule condition")
	errMissingRuleKey = errors.New("policy rule requires a name")
)

// DeviceConfig seeds one device registration at startup.
type DeviceConfig struct {
	DeviceID      string            `json:"device_id"`
	ConnectionURI string            `json:"connection_uri"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Connector selects the transport: "loopback", "tool", or "" for none
	// (commands are rejected until one is bound).
	Connector  string   `json:"connector,omitempty"`
	ToolBinary string   `json:"tool_binary,omitempty"`
	ToolArgs   []string `json:"tool_args,omitempty"`
}

// Config is the control plane server configuration.
type Config struct {
	Logging       *logger.Config      `json:"logging,omitempty"`
	AuditLog      string              `json:"audit_log"`
	VaultPath     string              `json:"vault_path,omitempty"`
	MasterKey     string              `json:"master_key,omitempty"`
	Concurrency   int                 `json:"concurrency"`
	ShutdownGrace models.Duration     `json:"shutdown_grace,omitempty"`
	Rules         []models.PolicyRule `json:"rules,omitempty"`
	Devices       []DeviceConfig      `json:"devices,omitempty"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.AuditLog == "" {
		c.AuditLog = defaultAuditLog
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = models.Duration(5 * time.Second)
	}

	if c.VaultPath == "" && c.MasterKey != "" {
		c.VaultPath = defaultVaultPath
	}
}

// Validate rejects configurations that cannot produce a working server.
// Rule conditions are parsed here so malformed policy is caught at startup,
// in addition to the per-evaluation validation the engine always performs.
func (c *Config) Validate() error {
	if c.VaultPath != "" && c.MasterKey == "" {
		return errNoMasterKey
	}

	for _, rule := range c.Rules {
		if rule.Name == "" {
			return errMissingRuleKey
		}

		if rule.Condition == "" {
			continue
		}

		if _, err := policy.ParseCondition(rule.Condition); err != nil {
			return fmt.Errorf("%w: rule %s: %w", errInvalidRule, rule.Name, err)
		}
	}

	for _, device := range c.Devices {
		if device.DeviceID == "" || device.ConnectionURI == "" {
			return errBadSeedDevice
		}

		switch device.Connector {
		case "", "loopback":
		case "tool":
			if device.ToolBinary == "" {
				return fmt.Errorf("%w: device %s: tool connector requires tool_binary", errUnknownSeed, device.DeviceID)
			}
		default:
			return fmt.Errorf("%w: device %s: %q", errUnknownSeed, device.DeviceID, device.Connector)
		}
	}

	return nil
}
