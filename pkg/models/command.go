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

package models

import (
	"time"

	"github.com/google/uuid"
)

// CommandPriority orders requests when producers queue them.
type CommandPriority int

const (
	PriorityLow      CommandPriority = 10
	PriorityNormal   CommandPriority = 20
	PriorityHigh     CommandPriority = 30
	PriorityCritical CommandPriority = 40
)

func (p CommandPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "NORMAL"
	}
}

// CommandRequest is an immutable, normalized command submission. Per-device
// dispatch clones the request down to a single-device subset via WithDevices.
type CommandRequest struct {
	Action      string            `json:"action"`
	DeviceIDs   []string          `json:"device_ids"`
	Arguments   map[string]string `json:"arguments,omitempty"`
	RequestedBy string            `json:"requested_by"`
	Priority    CommandPriority   `json:"priority"`
	RequestID   string            `json:"request_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewCommandRequest builds a request with a fresh request id and creation time.
func NewCommandRequest(action string, deviceIDs []string, arguments map[string]string, requestedBy string) *CommandRequest {
	if requestedBy == "" {
		requestedBy = "system"
	}

	return &CommandRequest{
		Action:      action,
		DeviceIDs:   append([]string(nil), deviceIDs...),
		Arguments:   arguments,
		RequestedBy: requestedBy,
		Priority:    PriorityNormal,
		RequestID:   uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
	}
}

// WithDevices returns a copy of the request targeting only the given devices.
// The request id and creation time are preserved so all results of one
// logical request stay correlated.
func (r *CommandRequest) WithDevices(deviceIDs ...string) *CommandRequest {
	clone := *r
	clone.DeviceIDs = append([]string(nil), deviceIDs...)

	return &clone
}

// CommandStatus tracks a result through its lifecycle.
type CommandStatus string

const (
	CommandAccepted CommandStatus = "accepted"
	CommandRunning  CommandStatus = "running"
	CommandSuccess  CommandStatus = "success"
	CommandFailed   CommandStatus = "failed"
	CommandRejected CommandStatus = "rejected"
)

// CommandResult is the per-device outcome of a request. It is mutable and
// exclusively owned by the dispatch path handling that device.
type CommandResult struct {
	RequestID   string        `json:"request_id"`
	DeviceID    string        `json:"device_id"`
	Status      CommandStatus `json:"status"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewCommandResult creates an accepted result for one device of a request.
func NewCommandResult(requestID, deviceID string) *CommandResult {
	return &CommandResult{
		RequestID: requestID,
		DeviceID:  deviceID,
		Status:    CommandAccepted,
	}
}

// MarkRunning transitions the result to running and stamps the start time.
func (r *CommandResult) MarkRunning() {
	now := time.Now().UTC()
	r.Status = CommandRunning
	r.StartedAt = &now
}

// MarkComplete finalizes the result with output and an exit code.
func (r *CommandResult) MarkComplete(status CommandStatus, stdout, stderr string, exitCode int) {
	now := time.Now().UTC()
	r.Status = status
	r.Stdout = stdout
	r.Stderr = stderr
	r.ExitCode = &exitCode
	r.CompletedAt = &now
}
