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

// Package connection maintains the registry of managed devices and their
// transport connectors. The matrix serializes bookkeeping, never device I/O:
// its lock is released before any connector runs, so a slow device cannot
// stall lookups or registration for others.
package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/fleetgate/pkg/audit"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

// ErrUnknownDevice is returned for operations that require a registered
// device id, such as BindConnector. Execute on an unknown device does not
// error: it fails fast with a rejected result, because that is an expected,
// auditable outcome every caller must handle.
var ErrUnknownDevice = errors.New("unknown device")

// State tracks one registered device and its transport binding. The matrix
// is the exclusive writer.
type State struct {
	Device    models.Device
	Connector DeviceConnector
	LastSeen  time.Time
	Healthy   bool
	Transport string
}

// Matrix is the device-keyed connection registry and the single chokepoint
// for device I/O.
type Matrix struct {
	bus   *telemetry.Bus
	audit *audit.Kernel
	log   logger.Logger

	mu     sync.Mutex
	states map[string]*State

	defaultConnector DeviceConnector
}

// NewMatrix creates an empty registry.
func NewMatrix(bus *telemetry.Bus, kernel *audit.Kernel, log logger.Logger) *Matrix {
	return &Matrix{
		bus:              bus,
		audit:            kernel,
		log:              log,
		states:           make(map[string]*State),
		defaultConnector: nullConnector{},
	}
}

// RegisterDevice creates or replaces the state for a device. The transport
// label is parsed from the connection URI scheme. Registration is recorded
// to the audit log and announced on the bus.
func (m *Matrix) RegisterDevice(device models.Device, connector DeviceConnector) error {
	state := &State{
		Device:    device,
		Connector: connector,
		LastSeen:  time.Now().UTC(),
		Healthy:   true,
		Transport: transportLabel(device.ConnectionURI),
	}

	m.mu.Lock()
	m.states[device.DeviceID] = state
	m.mu.Unlock()

	if err := m.audit.Append("connection.register", map[string]any{
		"device_id": device.DeviceID,
		"transport": device.ConnectionURI,
	}); err != nil {
		return err
	}

	m.bus.Emit("connection.device_registered", map[string]any{
		"device_id": device.DeviceID,
		"transport": device.ConnectionURI,
	})

	m.log.Info().
		Str("device_id", device.DeviceID).
		Str("transport", state.Transport).
		Msg("Device registered")

	return nil
}

// UnregisterDevice removes a device. Unknown ids are a no-op: unregister is
// idempotent by contract.
func (m *Matrix) UnregisterDevice(deviceID string) error {
	m.mu.Lock()
	_, known := m.states[deviceID]
	delete(m.states, deviceID)
	m.mu.Unlock()

	if !known {
		return nil
	}

	if err := m.audit.Append("connection.unregister", map[string]any{
		"device_id": deviceID,
	}); err != nil {
		return err
	}

	m.bus.Emit("connection.device_unregistered", map[string]any{
		"device_id": deviceID,
	})

	return nil
}

// BindConnector replaces the transport adapter of an already-known device.
func (m *Matrix) BindConnector(deviceID string, connector DeviceConnector) error {
	m.mu.Lock()

	state, ok := m.states[deviceID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownDevice
	}

	state.Connector = connector
	state.LastSeen = time.Now().UTC()
	transport := state.Transport
	m.mu.Unlock()

	m.bus.Emit("connection.connector_bound", map[string]any{
		"device_id": deviceID,
		"transport": transport,
	})

	return nil
}

// GetState returns a snapshot of one device's state, or false if unknown.
func (m *Matrix) GetState(deviceID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[deviceID]
	if !ok {
		return State{}, false
	}

	return *state, true
}

// ListDevices returns a snapshot of every registered device's state.
func (m *Matrix) ListDevices() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make(map[string]State, len(m.states))
	for id, state := range m.states {
		devices[id] = *state
	}

	return devices
}

// Execute routes one single-device request through the device's connector.
// Lookup and the last-seen update happen inside a short critical section
// that is released before the connector's I/O. An unknown device fails fast
// with a synchronous rejection; a known device without a connector falls
// back to the default rejecting connector. Connector faults surface as
// failed results, never as panics or dropped requests.
func (m *Matrix) Execute(ctx context.Context, deviceID string, request *models.CommandRequest) *models.CommandResult {
	m.mu.Lock()

	state, ok := m.states[deviceID]
	if !ok {
		m.mu.Unlock()

		result := models.NewCommandResult(request.RequestID, deviceID)
		result.MarkComplete(models.CommandRejected, "", "Device not registered", 1)

		return result
	}

	connector := state.Connector
	if connector == nil {
		connector = m.defaultConnector
	}

	state.LastSeen = time.Now().UTC()
	m.mu.Unlock()

	result, err := connector.Execute(ctx, request)
	if err != nil || result == nil {
		result = models.NewCommandResult(request.RequestID, deviceID)

		detail := "connector returned no result"
		if err != nil {
			detail = err.Error()
		}

		result.MarkComplete(models.CommandFailed, "", detail, -1)
	}

	healthy := result.Status != models.CommandFailed && result.Status != models.CommandRejected

	m.mu.Lock()
	if state, ok := m.states[deviceID]; ok {
		state.Healthy = healthy
	}
	m.mu.Unlock()

	m.bus.Emit("connection.command_completed", map[string]any{
		"device_id":  deviceID,
		"request_id": request.RequestID,
		"status":     string(result.Status),
		"exit_code":  exitCodeValue(result),
	})

	return result
}

func transportLabel(connectionURI string) string {
	if label, _, found := strings.Cut(connectionURI, ":"); found && label != "" {
		return label
	}

	return "unknown"
}

func exitCodeValue(result *models.CommandResult) any {
	if result.ExitCode == nil {
		return nil
	}

	return *result.ExitCode
}
