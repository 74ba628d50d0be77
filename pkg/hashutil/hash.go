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

// Package hashutil provides SHA-256 helpers for the audit hash chain. The
// canonical digest form everywhere in fleetgate is 64 lowercase hex chars.
package hashutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// GenesisHash is the chain pointer before any record exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainDigest computes the next chain hash from the previous record's hash
// and the canonical serialization of the new record.
func ChainDigest(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil))
}

// EqualDigest reports whether two hex digests match, in constant time.
func EqualDigest(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsHexDigest reports whether s is a well-formed 64-char lowercase hex digest.
func IsHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}

	if strings.ToLower(s) != s {
		return false
	}

	_, err := hex.DecodeString(s)

	return err == nil
}
