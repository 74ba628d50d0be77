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
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sort"
	"time"

	"github.com/carverauto/fleetgate/pkg/models"
)

const defaultToolTimeout = 30 * time.Second

// ToolConnector wraps an external device-management binary (adb, fastboot,
// vendor flashers). The wire protocol lives entirely in the tool; this
// connector only translates requests into an argument vector and captures
// the outcome.
//
// The invocation is `binary [args...] [serialFlag deviceID] action [k=v...]`
// with request arguments appended in sorted key order for reproducibility.
type ToolConnector struct {
	Binary     string
	Args       []string
	SerialFlag string
	Timeout    time.Duration
}

// NewToolConnector builds a connector for the given binary with an adb-style
// "-s <serial>" device selector.
func NewToolConnector(binary string, args ...string) *ToolConnector {
	return &ToolConnector{
		Binary:     binary,
		Args:       args,
		SerialFlag: "-s",
		Timeout:    defaultToolTimeout,
	}
}

func (c *ToolConnector) Execute(ctx context.Context, request *models.CommandRequest) (*models.CommandResult, error) {
	deviceID := firstDevice(request)
	result := models.NewCommandResult(request.RequestID, deviceID)
	result.MarkRunning()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Binary, c.argv(deviceID, request)...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	switch {
	case err == nil:
		result.MarkComplete(models.CommandSuccess, stdout.String(), stderr.String(), 0)
	case isExitError(err):
		var exitErr *exec.ExitError

		errors.As(err, &exitErr)
		result.MarkComplete(models.CommandFailed, stdout.String(), stderr.String(), exitErr.ExitCode())
	default:
		// Tool missing, context expired, or the process never started.
		result.MarkComplete(models.CommandFailed, stdout.String(), err.Error(), -1)
	}

	return result, nil
}

func (c *ToolConnector) argv(deviceID string, request *models.CommandRequest) []string {
	argv := append([]string(nil), c.Args...)

	if c.SerialFlag != "" {
		argv = append(argv, c.SerialFlag, deviceID)
	}

	argv = append(argv, request.Action)

	keys := make([]string, 0, len(request.Arguments))
	for k := range request.Arguments {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		argv = append(argv, k+"="+request.Arguments[k])
	}

	return argv
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
