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

// Package audit implements the append-only, tamper-evident audit log. Every
// record's hash covers the previous record's hash, forming a chain rooted at
// an all-zero genesis value; silent reordering or edits break verification.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carverauto/fleetgate/pkg/hashutil"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

const (
	// KindCommandRequest tags records written for accepted submissions.
	KindCommandRequest = "command_request"
	// KindCommandResult tags records written for per-device outcomes.
	KindCommandResult = "command_result"
)

// Record is one line of the audit log. Payload stays a map so consumers
// can parse records of any kind; the canonical hashed form is produced by
// canonicalize, which serializes with deterministic key order.
type Record struct {
	Timestamp string         `json:"timestamp"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// Kernel is the append-only hash-chained record store. The chain pointer and
// the backing file are mutated only inside the kernel's own critical
// section: appends are strictly sequential even under concurrent callers.
type Kernel struct {
	storagePath string
	bus         *telemetry.Bus
	log         logger.Logger

	mu       sync.Mutex
	lastHash string
}

// New creates a kernel for the given storage path. If a log already exists,
// the chain pointer is recovered from its last line so new records chain
// correctly across process lifetimes.
func New(storagePath string, bus *telemetry.Bus, log logger.Logger) (*Kernel, error) {
	k := &Kernel{
		storagePath: storagePath,
		bus:         bus,
		log:         log,
		lastHash:    hashutil.GenesisHash,
	}

	if _, err := os.Stat(storagePath); err == nil {
		last, err := readLastHash(storagePath)
		if err != nil {
			return nil, fmt.Errorf("audit: recover chain pointer: %w", err)
		}

		k.lastHash = last
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: stat storage: %w", err)
	}

	return k, nil
}

// Bootstrap creates the storage file and resets the chain pointer to genesis
// when no log exists yet.
func (k *Kernel) Bootstrap() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(k.storagePath), 0o750); err != nil {
		return fmt.Errorf("audit: create storage dir: %w", err)
	}

	if _, err := os.Stat(k.storagePath); os.IsNotExist(err) {
		if err := os.WriteFile(k.storagePath, nil, 0o600); err != nil {
			return fmt.Errorf("audit: create storage: %w", err)
		}

		k.lastHash = hashutil.GenesisHash

		k.log.Info().Str("path", k.storagePath).Msg("Audit log created at genesis")
	} else if err != nil {
		return fmt.Errorf("audit: stat storage: %w", err)
	}

	return nil
}

// Append writes one record and advances the chain. The serialization, hash
// computation, write, and pointer advance all happen inside one chain-wide
// critical section so the next hash is never computed from a stale pointer.
func (k *Kernel) Append(kind string, payload map[string]any) error {
	k.mu.Lock()

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	canonical, err := canonicalize(timestamp, kind, payload)
	if err != nil {
		k.mu.Unlock()
		return fmt.Errorf("audit: canonicalize record: %w", err)
	}

	digest := hashutil.ChainDigest(k.lastHash, canonical)

	record := Record{
		Timestamp: timestamp,
		Kind:      kind,
		Payload:   payload,
		Hash:      digest,
		PrevHash:  k.lastHash,
	}

	if err := k.writeLine(&record); err != nil {
		k.mu.Unlock()
		return err
	}

	k.lastHash = digest
	k.mu.Unlock()

	k.bus.Emit("audit.record_appended", map[string]any{
		"kind":      kind,
		"hash":      digest,
		"prev_hash": record.PrevHash,
	})

	return nil
}

// RecordCommandRequest appends a typed record for a submitted request.
func (k *Kernel) RecordCommandRequest(request *models.CommandRequest) error {
	payload := map[string]any{
		"request_id":   request.RequestID,
		"action":       request.Action,
		"device_ids":   request.DeviceIDs,
		"arguments":    request.Arguments,
		"requested_by": request.RequestedBy,
		"priority":     request.Priority.String(),
		"created_at":   request.CreatedAt.Format(time.RFC3339Nano),
	}

	return k.Append(KindCommandRequest, payload)
}

// RecordCommandResult appends a typed record for one per-device outcome.
func (k *Kernel) RecordCommandResult(result *models.CommandResult) error {
	payload := map[string]any{
		"request_id": result.RequestID,
		"device_id":  result.DeviceID,
		"status":     string(result.Status),
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
	}

	if result.ExitCode != nil {
		payload["exit_code"] = *result.ExitCode
	}

	if result.StartedAt != nil {
		payload["started_at"] = result.StartedAt.Format(time.RFC3339Nano)
	}

	if result.CompletedAt != nil {
		payload["completed_at"] = result.CompletedAt.Format(time.RFC3339Nano)
	}

	return k.Append(KindCommandResult, payload)
}

// Tail returns the most recent limit records, oldest first.
func (k *Kernel) Tail(limit int) ([]Record, error) {
	records, err := k.readAll()
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	return records, nil
}

// Verify replays the whole chain from genesis, recomputing every hash the
// same way Append does. It returns false at the first mismatch. An empty or
// missing log is trivially valid. A broken chain is only reported, never
// repaired.
func (k *Kernel) Verify() (bool, error) {
	records, err := k.readAll()
	if err != nil {
		return false, err
	}

	prevHash := hashutil.GenesisHash

	for _, record := range records {
		canonical, err := canonicalize(record.Timestamp, record.Kind, record.Payload)
		if err != nil {
			return false, fmt.Errorf("audit: canonicalize stored record: %w", err)
		}

		expected := hashutil.ChainDigest(prevHash, canonical)

		if !hashutil.EqualDigest(expected, record.Hash) || record.PrevHash != prevHash {
			return false, nil
		}

		prevHash = record.Hash
	}

	return true, nil
}

// canonicalize produces the byte form covered by the chain hash. A sorted
// map marshal keeps the serialization deterministic between Append and
// Verify across process lifetimes.
func canonicalize(timestamp, kind string, payload map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"kind":      kind,
		"payload":   payload,
		"timestamp": timestamp,
	})
}

func (k *Kernel) writeLine(record *Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	f, err := os.OpenFile(k.storagePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open storage: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}

	return nil
}

func (k *Kernel) readAll() ([]Record, error) {
	f, err := os.Open(k.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("audit: open storage: %w", err)
	}
	defer f.Close()

	var records []Record

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("audit: parse record: %w", err)
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read storage: %w", err)
	}

	return records, nil
}

func readLastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	last := hashutil.GenesisHash

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return "", err
		}

		last = record.Hash
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}

	return last, nil
}
