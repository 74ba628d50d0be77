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

// DeviceStatus describes the last known state of a managed device.
type DeviceStatus string

const (
	DeviceStatusUnknown  DeviceStatus = "unknown"
	DeviceStatusOnline   DeviceStatus = "online"
	DeviceStatusOffline  DeviceStatus = "offline"
	DeviceStatusFastboot DeviceStatus = "fastboot"
	DeviceStatusRecovery DeviceStatus = "recovery"
)

// Device represents a managed device. Devices are immutable values owned by
// the connection matrix; status changes replace the value wholesale.
type Device struct {
	DeviceID      string            `json:"device_id"`
	ConnectionURI string            `json:"connection_uri"`
	Status        DeviceStatus      `json:"status"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewDevice creates a device in the unknown state.
func NewDevice(deviceID, connectionURI string) Device {
	return Device{
		DeviceID:      deviceID,
		ConnectionURI: connectionURI,
		Status:        DeviceStatusUnknown,
	}
}

// WithStatus returns a copy of the device with the given status.
func (d Device) WithStatus(status DeviceStatus) Device {
	updated := d
	updated.Status = status

	return updated
}
