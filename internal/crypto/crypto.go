// Copyright 2025 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto implements the optional at-rest encryption layer.
// Content chunks, symlink targets, and key-value payloads pass through a
// Codec on their way to and from the database; everything else (schema,
// inode metadata, directory names) stays in the clear so that ordinary
// SQL queries keep working.
package crypto

import (
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"agentfs/internal/common"
)

// KeySize is the required length of a raw encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

const saltSize = 16

// keyCheckPlaintext is sealed into schema_info at create time so a wrong
// key is detected at open, not on the first read.
const keyCheckPlaintext = "agentfs key check v1"

// KDFParams records the argon2id parameters used to stretch a passphrase
// into a key. The parameters are persisted alongside the store so the same
// key can be re-derived on every open.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
	Salt    []byte `json:"salt"`
}

// DefaultKDFParams returns the argon2id parameters used for new stores,
// with a freshly generated random salt.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, saltSize)
	if _, err := crand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("generating KDF salt: %w", err)
	}
	return KDFParams{
		Time:    2,
		Memory:  64 * 1024,
		Threads: 4,
		Salt:    salt,
	}, nil
}

// DeriveKey stretches a passphrase into a KeySize-byte key.
func DeriveKey(passphrase string, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), p.Salt, p.Time, p.Memory, p.Threads, KeySize)
}

// EncodeParams serializes KDF parameters for storage in schema_info.
func EncodeParams(p KDFParams) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding KDF params: %w", err)
	}
	return string(raw), nil
}

// DecodeParams parses KDF parameters persisted by EncodeParams.
func DecodeParams(s string) (KDFParams, error) {
	var p KDFParams
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return KDFParams{}, fmt.Errorf("decoding KDF params: %w", err)
	}
	if len(p.Salt) == 0 || p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return KDFParams{}, fmt.Errorf("decoding KDF params: incomplete parameters")
	}
	return p, nil
}

// Codec seals plaintext blobs before they reach the database and opens
// them on the way back. Implementations must be safe for concurrent use.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
	Enabled() bool
}

// Noop returns the pass-through codec used when encryption is disabled.
func Noop() Codec {
	return noopCodec{}
}

type noopCodec struct{}

func (noopCodec) Seal(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (noopCodec) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (noopCodec) Enabled() bool                          { return false }

// NewAEAD returns a ChaCha20-Poly1305 codec for the given key.
// Sealed blobs carry a random nonce as a prefix, so every blob is
// independently decryptable.
func NewAEAD(key []byte) (Codec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return &aeadCodec{aead: aead}, nil
}

type aeadCodec struct {
	aead cipher.AEAD
}

func (c *aeadCodec) Enabled() bool { return true }

func (c *aeadCodec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCodec) Open(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("sealed blob too short (%d bytes): %w", len(ciphertext), common.ErrIntegrity)
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", common.ErrIntegrity)
	}
	return plaintext, nil
}

// SealKeyCheck produces the base64 token stored in schema_info at create
// time.
func SealKeyCheck(c Codec) (string, error) {
	sealed, err := c.Seal([]byte(keyCheckPlaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// VerifyKeyCheck validates the codec's key against a stored token.
// A token that decodes but fails to open means the key is wrong.
func VerifyKeyCheck(c Codec, token string) error {
	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("malformed key check token: %w", common.ErrIntegrity)
	}
	plaintext, err := c.Open(sealed)
	if err != nil {
		return common.ErrBadPassphrase
	}
	if string(plaintext) != keyCheckPlaintext {
		return common.ErrBadPassphrase
	}
	return nil
}
