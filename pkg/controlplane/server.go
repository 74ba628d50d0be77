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

// Package controlplane assembles the fleetgate core: telemetry bus, audit
// kernel, policy engine, connection matrix, and command router, wired in
// leaf-first dependency order. Producers (automation facades, consoles,
// dashboards) all submit commands through the same Dispatch surface.
package controlplane

import (
	"context"
	"fmt"

	"github.com/carverauto/fleetgate/pkg/audit"
	"github.com/carverauto/fleetgate/pkg/connection"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/policy"
	"github.com/carverauto/fleetgate/pkg/router"
	"github.com/carverauto/fleetgate/pkg/telemetry"
	"github.com/carverauto/fleetgate/pkg/vault"
)

// Server owns the wired core components for one control plane instance.
type Server struct {
	config Config
	log    logger.Logger

	bus    *telemetry.Bus
	audit  *audit.Kernel
	engine *policy.Engine
	matrix *connection.Matrix
	router *router.Router
	vault  *vault.Vault

	observer *telemetry.Subscription
}

// New builds and bootstraps a server from the configuration.
func New(cfg *Config, log logger.Logger) (*Server, error) {
	bus := telemetry.NewBus(log)

	kernel, err := audit.New(cfg.AuditLog, bus, log)
	if err != nil {
		return nil, err
	}

	if err := kernel.Bootstrap(); err != nil {
		return nil, err
	}

	engine := policy.NewEngine(cfg.Rules, bus, log)
	matrix := connection.NewMatrix(bus, kernel, log)

	s := &Server{
		config: *cfg,
		log:    log,
		bus:    bus,
		audit:  kernel,
		engine: engine,
		matrix: matrix,
		router: router.New(matrix, engine, kernel, bus, log, cfg.Concurrency),
	}

	if cfg.VaultPath != "" {
		v, err := vault.New(cfg.VaultPath, cfg.MasterKey, bus)
		if err != nil {
			return nil, err
		}

		if err := v.Bootstrap(); err != nil {
			return nil, err
		}

		s.vault = v
	}

	if err := s.registerSeedDevices(); err != nil {
		return nil, err
	}

	return s, nil
}

// Start implements lifecycle.Service. It attaches a wildcard observer that
// logs every telemetry event at debug level.
func (s *Server) Start(_ context.Context) error {
	s.observer = s.bus.Subscribe(telemetry.TopicWildcard, func(event models.TelemetryEvent) {
		s.log.Debug().
			Str("topic", event.Topic).
			Interface("payload", event.Payload).
			Msg("Telemetry event")
	})

	s.log.Info().
		Int("devices", len(s.matrix.ListDevices())).
		Int("rules", len(s.engine.Rules())).
		Msg("Control plane started")

	return nil
}

// Stop implements lifecycle.Service. Queued telemetry is drained before the
// observer detaches so shutdown never loses emitted events.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.bus.Drain()
		close(done)
	}()

	grace := s.config.ShutdownGrace.Duration()

	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-done:
	case <-drainCtx.Done():
		s.log.Warn().Dur("grace", grace).Msg("Telemetry drain timed out during shutdown")
	}

	s.bus.Unsubscribe(s.observer)
	s.log.Info().Msg("Control plane stopped")

	return nil
}

// Dispatch submits a request through the command router.
func (s *Server) Dispatch(ctx context.Context, request *models.CommandRequest, extra map[string]any) ([]*models.CommandResult, error) {
	return s.router.Dispatch(ctx, request, models.PolicyContextFromRequest(request), extra)
}

// Bus exposes the telemetry bus for subscribers such as dashboards.
func (s *Server) Bus() *telemetry.Bus { return s.bus }

// Audit exposes the audit kernel for tail/verify consumers.
func (s *Server) Audit() *audit.Kernel { return s.audit }

// Matrix exposes the connection registry.
func (s *Server) Matrix() *connection.Matrix { return s.matrix }

// Engine exposes the policy engine for rule management.
func (s *Server) Engine() *policy.Engine { return s.engine }

// Vault returns the secret store, or nil when not configured.
func (s *Server) Vault() *vault.Vault { return s.vault }

func (s *Server) registerSeedDevices() error {
	for _, seed := range s.config.Devices {
		device := models.Device{
			DeviceID:      seed.DeviceID,
			ConnectionURI: seed.ConnectionURI,
			Status:        models.DeviceStatusUnknown,
			Tags:          seed.Tags,
			Metadata:      seed.Metadata,
		}

		var connector connection.DeviceConnector

		switch seed.Connector {
		case "loopback":
			connector = connection.LoopbackConnector{}
		case "tool":
			connector = connection.NewToolConnector(seed.ToolBinary, seed.ToolArgs...)
		}

		if err := s.matrix.RegisterDevice(device, connector); err != nil {
			return fmt.Errorf("register seed device %s: %w", seed.DeviceID, err)
		}
	}

	return nil
}
