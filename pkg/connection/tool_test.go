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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/models"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestToolConnector_Argv(t *testing.T) {
	connector := NewToolConnector("adb", "wait-for-device")

	request := models.NewCommandRequest("install", []string{"SERIAL123"}, map[string]string{
		"path":    "/tmp/app.apk",
		"flags":   "-r",
		"channel": "stable",
	}, "tester")

	argv := connector.argv("SERIAL123", request)

	// Request arguments follow the action in sorted key order.
	assert.Equal(t, []string{
		"wait-for-device",
		"-s", "SERIAL123",
		"install",
		"channel=stable",
		"flags=-r",
		"path=/tmp/app.apk",
	}, argv)
}

func TestToolConnector_ArgvWithoutSerialFlag(t *testing.T) {
	connector := NewToolConnector("fleetctl")
	connector.SerialFlag = ""

	request := models.NewCommandRequest("reboot", []string{"dev1"}, nil, "tester")

	assert.Equal(t, []string{"reboot"}, connector.argv("dev1", request))
}

func TestToolConnector_ExecuteSuccess(t *testing.T) {
	skipWithoutShell(t)

	connector := NewToolConnector("echo")
	connector.SerialFlag = ""

	request := models.NewCommandRequest("ping", []string{"dev1"}, nil, "tester")

	result, err := connector.Execute(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, models.CommandSuccess, result.Status)
	assert.Equal(t, "ping\n", result.Stdout)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.NotNil(t, result.StartedAt)
	assert.NotNil(t, result.CompletedAt)
}

func TestToolConnector_ExecuteNonZeroExit(t *testing.T) {
	skipWithoutShell(t)

	connector := NewToolConnector("sh", "-c", "exit 3")
	connector.SerialFlag = ""

	request := models.NewCommandRequest("check", []string{"dev1"}, nil, "tester")

	result, err := connector.Execute(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, models.CommandFailed, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
}

func TestToolConnector_ExecuteMissingBinary(t *testing.T) {
	connector := NewToolConnector("/nonexistent/fleet-tool")
	connector.SerialFlag = ""

	request := models.NewCommandRequest("ping", []string{"dev1"}, nil, "tester")

	result, err := connector.Execute(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, models.CommandFailed, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, -1, *result.ExitCode)
	assert.NotEmpty(t, result.Stderr)
}
