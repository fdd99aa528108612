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

package agentfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// Options configures Open. The zero value opens an existing unencrypted
// store with defaults. Creation-time options (chunk size, encryption) are
// persisted in the store; reopening with a conflicting value is an error.
type Options struct {
	// CreateIfMissing creates the store file when it does not exist.
	CreateIfMissing bool `yaml:"create_if_missing"`

	// ChunkSize is the content chunk size in bytes, fixed at creation.
	ChunkSize int `yaml:"chunk_size"`

	// MaxBytes caps total stored content; writes past it fail with ENOSPC.
	// Zero means no quota.
	MaxBytes int64 `yaml:"max_bytes"`

	// Passphrase enables encryption, deriving the key with argon2id.
	Passphrase string `yaml:"passphrase"`

	// KeyHex supplies a raw 256-bit key as hex, bypassing the KDF.
	// Mutually exclusive with Passphrase.
	KeyHex string `yaml:"key_hex"`

	// BusyTimeout is the SQLite busy timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`

	// ExclusiveLock refuses to open a store already held by another
	// process.
	ExclusiveLock bool `yaml:"exclusive_lock"`

	// Logger overrides the default logrus logger. Not loadable from YAML.
	Logger *log.Logger `yaml:"-"`
}

// LoadOptions parses YAML options with strict field checking: any
// unrecognized option is an error, never silently ignored.
func LoadOptions(r io.Reader) (*Options, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	opts := new(Options)
	if err := dec.Decode(opts); err != nil {
		if errors.Is(err, io.EOF) {
			return &Options{}, nil
		}
		return nil, fmt.Errorf("parse options: %w", err)
	}
	return opts, nil
}

// storageConfig translates Options into the storage layer's config.
func (o *Options) storageConfig() (storage.Config, error) {
	cfg := storage.Config{
		ChunkSize:     o.ChunkSize,
		MaxBytes:      o.MaxBytes,
		BusyTimeout:   o.BusyTimeout,
		ExclusiveLock: o.ExclusiveLock,
		Passphrase:    o.Passphrase,
		Logger:        o.Logger,
	}
	if o.KeyHex != "" {
		if o.Passphrase != "" {
			return cfg, fmt.Errorf("passphrase and key_hex are mutually exclusive: %w", common.ErrInvalidArg)
		}
		key, err := hex.DecodeString(o.KeyHex)
		if err != nil {
			return cfg, fmt.Errorf("key_hex is not valid hex: %w", common.ErrInvalidArg)
		}
		cfg.Key = key
	}
	if o.MaxBytes < 0 {
		return cfg, fmt.Errorf("max_bytes must not be negative: %w", common.ErrInvalidArg)
	}
	return cfg, nil
}
