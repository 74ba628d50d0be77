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

package connection

import (
	"context"
	"fmt"

	"github.com/carverauto/fleetgate/pkg/models"
)

// DeviceConnector is the single capability a transport adapter implements.
// Any transport qualifies: a wrapped device-management tool, a network
// client, or a deterministic test double. Timeouts and cancellation of one
// device operation are the connector's contract; callers pass a context.
type DeviceConnector interface {
	Execute(ctx context.Context, request *models.CommandRequest) (*models.CommandResult, error)
}

func firstDevice(request *models.CommandRequest) string {
	if len(request.DeviceIDs) > 0 {
		return request.DeviceIDs[0]
	}

	return "unknown"
}

// nullConnector is the fallback used when a registered device has no bound
// transport. It rejects every request.
type nullConnector struct{}

func (nullConnector) Execute(_ context.Context, request *models.CommandRequest) (*models.CommandResult, error) {
	result := models.NewCommandResult(request.RequestID, firstDevice(request))
	result.MarkComplete(models.CommandRejected, "", "No connector registered for device", 1)

	return result, nil
}

// LoopbackConnector echoes commands back without touching any transport.
// It backs loopback:// device registrations and deterministic tests.
type LoopbackConnector struct{}

func (LoopbackConnector) Execute(_ context.Context, request *models.CommandRequest) (*models.CommandResult, error) {
	deviceID := firstDevice(request)

	result := models.NewCommandResult(request.RequestID, deviceID)
	result.MarkRunning()
	result.MarkComplete(models.CommandSuccess, fmt.Sprintf("loopback:%s:%s", deviceID, request.Action), "", 0)

	return result, nil
}
