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

package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vault.json")
	bus := telemetry.NewBus(logger.NewTestLogger())

	v, err := New(path, "correct horse battery staple", bus)
	require.NoError(t, err)
	require.NoError(t, v.Bootstrap())

	return v, path
}

func TestVault_StoreAndRetrieve(t *testing.T) {
	v, _ := newTestVault(t)

	require.NoError(t, v.StoreSecret("adb-key", "secret-material", []string{"transport"}))

	value, ok, err := v.RetrieveSecret("adb-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret-material", value)
}

func TestVault_UnknownSecret(t *testing.T) {
	v, _ := newTestVault(t)

	value, ok, err := v.RetrieveSecret("missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, value)
}

func TestVault_ValueIsEncryptedAtRest(t *testing.T) {
	v, path := newTestVault(t)

	require.NoError(t, v.StoreSecret("token", "hunter2", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

func TestVault_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	bus := telemetry.NewBus(logger.NewTestLogger())

	v, err := New(path, "master", bus)
	require.NoError(t, err)
	require.NoError(t, v.StoreSecret("token", "hunter2", []string{"ci"}))

	reopened, err := New(path, "master", bus)
	require.NoError(t, err)

	value, ok, err := reopened.RetrieveSecret("token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hunter2", value)

	names := reopened.ListSecrets(true)
	assert.Equal(t, []string{"ci"}, names["token"])
}

func TestVault_WrongMasterKeyFailsDecryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	bus := telemetry.NewBus(logger.NewTestLogger())

	v, err := New(path, "right-key", bus)
	require.NoError(t, err)
	require.NoError(t, v.StoreSecret("token", "hunter2", nil))

	wrong, err := New(path, "wrong-key", bus)
	require.NoError(t, err)

	_, _, err = wrong.RetrieveSecret("token")
	assert.Error(t, err)
}

func TestVault_ReplacePreservesCreationTime(t *testing.T) {
	v, _ := newTestVault(t)

	require.NoError(t, v.StoreSecret("token", "v1", nil))

	first := v.entries["token"]

	require.NoError(t, v.StoreSecret("token", "v2", nil))

	second := v.entries["token"]
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	value, ok, err := v.RetrieveSecret("token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestVault_Delete(t *testing.T) {
	v, _ := newTestVault(t)

	require.NoError(t, v.StoreSecret("token", "hunter2", nil))

	existed, err := v.DeleteSecret("token")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = v.DeleteSecret("token")
	require.NoError(t, err)
	assert.False(t, existed)

	_, ok, err := v.RetrieveSecret("token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVault_ListSecrets(t *testing.T) {
	v, _ := newTestVault(t)

	require.NoError(t, v.StoreSecret("a", "1", []string{"x"}))
	require.NoError(t, v.StoreSecret("b", "2", nil))

	withTags := v.ListSecrets(true)
	require.Len(t, withTags, 2)
	assert.Equal(t, []string{"x"}, withTags["a"])
	assert.Nil(t, withTags["b"])

	bare := v.ListSecrets(false)
	require.Len(t, bare, 2)
	assert.Nil(t, bare["a"])
}

func TestVault_EmitsAccessEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	bus := telemetry.NewBus(logger.NewTestLogger())

	w := bus.Watch("*")
	defer w.Close()

	v, err := New(path, "master", bus)
	require.NoError(t, err)

	require.NoError(t, v.StoreSecret("token", "hunter2", nil))

	_, _, err = v.RetrieveSecret("token")
	require.NoError(t, err)

	_, err = v.DeleteSecret("token")
	require.NoError(t, err)

	bus.Drain()

	var topics []string

	for range 3 {
		event := <-w.Events()
		topics = append(topics, event.Topic)
	}

	assert.Equal(t, "vault.secret_stored,vault.secret_accessed,vault.secret_deleted", strings.Join(topics, ","))
}
