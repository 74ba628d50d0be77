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

// Package secrets provides AES-256-GCM helpers for encrypting sensitive
// blobs before storage, plus passphrase-based key derivation for stores that
// are unlocked with a master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength   = 32
	nonceLength = 12
	saltLength  = 16
	pbkdf2Iters = 210_000
)

var (
	// ErrInvalidKeyLength indicates the provided key is not the required size.
	ErrInvalidKeyLength = errors.New("secrets: encryption key must be 32 bytes")
	// ErrCiphertextTooShort indicates the ciphertext payload is shorter than the nonce.
	ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")
)

// Cipher wraps AES-GCM for encrypting sensitive values before storage.
type Cipher struct {
	key []byte
}

// NewCipher constructs a Cipher from the provided key bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKeyLength
	}

	buf := make([]byte, keyLength)
	copy(buf, key)

	return &Cipher{key: buf}, nil
}

// NewSalt generates a random salt for key derivation.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secrets: generate salt: %w", err)
	}

	return salt, nil
}

// DeriveKey stretches a passphrase into a cipher key with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, keyLength, sha256.New)
}

// Encrypt serialises plaintext using AES-256-GCM and returns a base64
// payload with the nonce prefixed.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt and returns the original plaintext bytes.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode ciphertext: %w", err)
	}

	if len(payload) < nonceLength {
		return nil, ErrCiphertextTooShort
	}

	nonce := payload[:nonceLength]
	ciphertext := payload[nonceLength:]

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt payload: %w", err)
	}

	return plaintext, nil
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}

	return gcm, nil
}
