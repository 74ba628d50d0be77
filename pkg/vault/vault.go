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

// Package vault stores connector credentials and other operator secrets
// encrypted at rest, keyed by a master passphrase.
package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carverauto/fleetgate/pkg/crypto/secrets"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

// Entry is one stored secret. Value holds the encrypted payload.
type Entry struct {
	Value     string   `json:"value"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

type vaultFile struct {
	Salt    string           `json:"salt"`
	Entries map[string]Entry `json:"entries"`
}

// Vault is a small encrypted secret store backed by one JSON file. The salt
// is generated per vault and persisted alongside the entries, so the same
// master key unlocks the store across process lifetimes.
type Vault struct {
	storagePath string
	bus         *telemetry.Bus

	mu      sync.Mutex
	cipher  *secrets.Cipher
	salt    []byte
	entries map[string]Entry
}

// New opens or prepares a vault at the given path, deriving the cipher key
// from the master key and the stored (or freshly generated) salt.
func New(storagePath, masterKey string, bus *telemetry.Bus) (*Vault, error) {
	v := &Vault{
		storagePath: storagePath,
		bus:         bus,
		entries:     make(map[string]Entry),
	}

	if err := v.load(); err != nil {
		return nil, err
	}

	if v.salt == nil {
		salt, err := secrets.NewSalt()
		if err != nil {
			return nil, err
		}

		v.salt = salt
	}

	cipher, err := secrets.NewCipher(secrets.DeriveKey(masterKey, v.salt))
	if err != nil {
		return nil, err
	}

	v.cipher = cipher

	return v, nil
}

// Bootstrap creates the storage file if it does not exist yet.
func (v *Vault) Bootstrap() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.storagePath); os.IsNotExist(err) {
		return v.writeLocked()
	} else if err != nil {
		return fmt.Errorf("vault: stat storage: %w", err)
	}

	return nil
}

// StoreSecret encrypts and persists a named secret, replacing any previous
// value while preserving its creation time.
func (v *Vault) StoreSecret(name, value string, tags []string) error {
	encrypted, err := v.cipher.Encrypt([]byte(value))
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	v.mu.Lock()

	createdAt := now
	if existing, ok := v.entries[name]; ok {
		createdAt = existing.CreatedAt
	}

	entry := Entry{
		Value:     encrypted,
		Tags:      append([]string(nil), tags...),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	v.entries[name] = entry

	err = v.writeLocked()
	v.mu.Unlock()

	if err != nil {
		return err
	}

	v.bus.Emit("vault.secret_stored", map[string]any{
		"name": name,
		"tags": entry.Tags,
	})

	return nil
}

// RetrieveSecret decrypts a stored secret. It reports false for unknown
// names; decryption failures (wrong master key, tampered file) error.
func (v *Vault) RetrieveSecret(name string) (string, bool, error) {
	v.mu.Lock()
	entry, ok := v.entries[name]
	v.mu.Unlock()

	if !ok {
		return "", false, nil
	}

	plaintext, err := v.cipher.Decrypt(entry.Value)
	if err != nil {
		return "", false, err
	}

	v.bus.Emit("vault.secret_accessed", map[string]any{"name": name})

	return string(plaintext), true, nil
}

// DeleteSecret removes a secret and reports whether it existed.
func (v *Vault) DeleteSecret(name string) (bool, error) {
	v.mu.Lock()

	_, ok := v.entries[name]
	if !ok {
		v.mu.Unlock()
		return false, nil
	}

	delete(v.entries, name)
	err := v.writeLocked()
	v.mu.Unlock()

	if err != nil {
		return false, err
	}

	v.bus.Emit("vault.secret_deleted", map[string]any{"name": name})

	return true, nil
}

// ListSecrets returns the stored names, mapped to their tags when
// includeTags is set.
func (v *Vault) ListSecrets(includeTags bool) map[string][]string {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make(map[string][]string, len(v.entries))

	for name, entry := range v.entries {
		if includeTags {
			names[name] = append([]string(nil), entry.Tags...)
		} else {
			names[name] = nil
		}
	}

	return names
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("vault: read storage: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("vault: parse storage: %w", err)
	}

	if file.Salt != "" {
		salt, err := base64.StdEncoding.DecodeString(file.Salt)
		if err != nil {
			return fmt.Errorf("vault: decode salt: %w", err)
		}

		v.salt = salt
	}

	if file.Entries != nil {
		v.entries = file.Entries
	}

	return nil
}

func (v *Vault) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(v.storagePath), 0o750); err != nil {
		return fmt.Errorf("vault: create storage dir: %w", err)
	}

	file := vaultFile{
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Entries: v.entries,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal storage: %w", err)
	}

	if err := os.WriteFile(v.storagePath, data, 0o600); err != nil {
		return fmt.Errorf("vault: write storage: %w", err)
	}

	return nil
}
