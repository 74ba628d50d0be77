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

// Package router is the top-level dispatch entry point: policy check,
// concurrency-bounded fan-out across the connection matrix, audit recording.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetgate/pkg/audit"
	"github.com/carverauto/fleetgate/pkg/connection"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/policy"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

const defaultConcurrency = 8

// ErrNoTargetDevices reports a request with an empty device list. That is
// programmer error at the submission site and fails loudly instead of being
// absorbed into a rejected result.
var ErrNoTargetDevices = errors.New("command request must target at least one device")

// Router dispatches authorized requests across the fleet. One router is
// shared by every producer; its admission gate bounds total in-flight device
// operations system-wide, across all concurrent requests.
type Router struct {
	matrix *connection.Matrix
	engine *policy.Engine
	audit  *audit.Kernel
	bus    *telemetry.Bus
	log    logger.Logger
	gate   *semaphore.Weighted
}

// New creates a router with the given global concurrency bound. A bound of
// zero or less falls back to the default.
func New(matrix *connection.Matrix, engine *policy.Engine, kernel *audit.Kernel, bus *telemetry.Bus, log logger.Logger, concurrency int) *Router {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Router{
		matrix: matrix,
		engine: engine,
		audit:  kernel,
		bus:    bus,
		log:    log,
		gate:   semaphore.NewWeighted(int64(concurrency)),
	}
}

// Dispatch authorizes the request and fans it out to every target device,
// returning one result per device in target order. It waits for all
// per-device dispatches before returning; there is no partial-result
// timeout of its own, so bounded waits come from the caller's context,
// which the admission gate and the connector contract both honor.
func (r *Router) Dispatch(ctx context.Context, request *models.CommandRequest, policyCtx models.PolicyContext, extra map[string]any) ([]*models.CommandResult, error) {
	if len(request.DeviceIDs) == 0 {
		return nil, ErrNoTargetDevices
	}

	if err := r.audit.RecordCommandRequest(request); err != nil {
		return nil, fmt.Errorf("record command request: %w", err)
	}

	decision := r.engine.Evaluate(policyCtx, extra)
	if !decision.Allowed {
		return r.rejectAll(request, decision.Reasons)
	}

	results := make([]*models.CommandResult, len(request.DeviceIDs))

	g, gctx := errgroup.WithContext(ctx)

	for i, deviceID := range request.DeviceIDs {
		g.Go(func() error {
			result, err := r.dispatchToDevice(gctx, request, deviceID)
			if err != nil {
				return err
			}

			results[i] = result

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// dispatchToDevice runs one per-device operation through the admission gate.
// The gate is released exactly once on every exit path.
func (r *Router) dispatchToDevice(ctx context.Context, request *models.CommandRequest, deviceID string) (*models.CommandResult, error) {
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission gate: %w", err)
	}
	defer r.gate.Release(1)

	single := request.WithDevices(deviceID)

	r.bus.Emit("command.dispatched", map[string]any{
		"request_id": request.RequestID,
		"device_id":  deviceID,
	})

	result := r.matrix.Execute(ctx, deviceID, single)

	if err := r.audit.RecordCommandResult(result); err != nil {
		return nil, fmt.Errorf("record command result: %w", err)
	}

	r.bus.Emit("command.completed", map[string]any{
		"request_id": request.RequestID,
		"device_id":  deviceID,
		"status":     string(result.Status),
		"exit_code":  exitCodeValue(result),
	})

	return result, nil
}

// rejectAll synthesizes one rejected result per target device carrying the
// aggregated deny reasons. No connector is touched on this path.
func (r *Router) rejectAll(request *models.CommandRequest, reasons []string) ([]*models.CommandResult, error) {
	detail := strings.Join(reasons, "; ")
	if detail == "" {
		detail = "Policy denied"
	}

	results := make([]*models.CommandResult, 0, len(request.DeviceIDs))

	for _, deviceID := range request.DeviceIDs {
		result := models.NewCommandResult(request.RequestID, deviceID)
		result.MarkComplete(models.CommandRejected, "", detail, 1)

		if err := r.audit.RecordCommandResult(result); err != nil {
			return nil, fmt.Errorf("record rejected result: %w", err)
		}

		r.bus.Emit("command.rejected", map[string]any{
			"request_id": request.RequestID,
			"device_id":  deviceID,
			"reasons":    reasons,
		})

		results = append(results, result)
	}

	r.log.Info().
		Str("request_id", request.RequestID).
		Str("action", request.Action).
		Int("devices", len(request.DeviceIDs)).
		Msg("Request rejected by policy")

	return results, nil
}

func exitCodeValue(result *models.CommandResult) any {
	if result.ExitCode == nil {
		return nil
	}

	return *result.ExitCode
}
