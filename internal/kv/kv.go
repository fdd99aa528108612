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

// Package kv provides the namespaced key-value store that lives alongside
// the filesystem in the same database file. Every entry carries a version
// counter, starting at 1 on creation and incremented on each write, which
// CompareAndSet uses for optimistic concurrency. Deleting a key discards
// its version history: a re-created key starts at 1 again.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfs/internal/common"
	"agentfs/internal/crypto"
	"agentfs/internal/storage"
	"agentfs/internal/util"
)

// MaxNamespaceLen and MaxKeyLen bound identifier sizes.
const (
	MaxNamespaceLen = 255
	MaxKeyLen       = 1024
)

// Entry is one key-value pair with its version metadata.
type Entry struct {
	Namespace string
	Key       string
	Value     []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the key-value API over an open store. Values are sealed with the
// store's codec, so they are encrypted at rest whenever the filesystem
// content is.
type Store struct {
	db    *storage.BunDB
	codec crypto.Codec
}

// New creates a key-value store over an open store.
func New(store *storage.Store) *Store {
	return &Store{
		db:    store.BunDB(),
		codec: store.Codec(),
	}
}

func validateIdent(kind, s string, max int) error {
	if s == "" {
		return fmt.Errorf("empty %s: %w", kind, common.ErrInvalidArg)
	}
	if len(s) > max {
		return fmt.Errorf("%s exceeds %d bytes: %w", kind, max, common.ErrNameTooLong)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%s contains a NUL byte: %w", kind, common.ErrInvalidArg)
	}
	return nil
}

func validatePair(namespace, key string) error {
	if err := validateIdent("namespace", namespace, MaxNamespaceLen); err != nil {
		return err
	}
	return validateIdent("key", key, MaxKeyLen)
}

func (s *Store) entryFromModel(m *storage.KVEntryModel) (*Entry, error) {
	value, err := s.codec.Open(m.Value)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Namespace: m.Namespace,
		Key:       m.Key,
		Value:     value,
		Version:   m.Version,
		CreatedAt: time.Unix(0, m.CreatedAt),
		UpdatedAt: time.Unix(0, m.UpdatedAt),
	}, nil
}

// Get returns the value for a key. A missing key fails with
// common.ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	entry, err := s.GetEntry(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetEntry returns the value together with its version metadata.
func (s *Store) GetEntry(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := validatePair(namespace, key); err != nil {
		return nil, err
	}
	model, err := util.RetryWithResult(ctx, func() (*storage.KVEntryModel, error) {
		return s.db.GetKV(ctx, namespace, key)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	return s.entryFromModel(model)
}

// Set writes a value unconditionally, creating the key at version 1 or
// bumping the version of an existing one. Returns the resulting version.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) (int64, error) {
	if err := validatePair(namespace, key); err != nil {
		return 0, err
	}
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return 0, err
	}
	return util.RetryWithResult(ctx, func() (int64, error) {
		return s.db.SetKV(ctx, namespace, key, sealed, time.Now().UnixNano())
	}, util.DatabaseRetryOptions(ctx)...)
}

// CompareAndSet writes a value only when the key's current version matches
// expected. expected 0 means the key must not exist yet. A mismatch fails
// with common.ErrVersionConflict and changes nothing. Returns the new
// version on success.
func (s *Store) CompareAndSet(ctx context.Context, namespace, key string, value []byte, expected int64) (int64, error) {
	if err := validatePair(namespace, key); err != nil {
		return 0, err
	}
	if expected < 0 {
		return 0, fmt.Errorf("negative expected version %d: %w", expected, common.ErrInvalidArg)
	}
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return 0, err
	}
	return util.RetryWithResult(ctx, func() (int64, error) {
		now := time.Now().UnixNano()
		if expected == 0 {
			if err := s.db.InsertKV(ctx, namespace, key, sealed, now); err != nil {
				if errors.Is(err, common.ErrExists) {
					return 0, common.ErrVersionConflict
				}
				return 0, err
			}
			return 1, nil
		}
		return s.db.UpdateKVIfVersion(ctx, namespace, key, sealed, expected, now)
	}, util.DatabaseRetryOptions(ctx)...)
}

// Delete removes a key. A missing key fails with common.ErrNotFound.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := validatePair(namespace, key); err != nil {
		return err
	}
	return util.Retry(ctx, func() error {
		return s.db.DeleteKV(ctx, namespace, key)
	}, util.DatabaseRetryOptions(ctx)...)
}

// Keys lists the keys of a namespace in sorted order. An unknown namespace
// yields an empty slice, not an error.
func (s *Store) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	entries, err := s.List(ctx, namespace, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// List returns the entries of a namespace whose keys start with prefix,
// ordered by key. An empty prefix matches every key.
func (s *Store) List(ctx context.Context, namespace, prefix string) ([]*Entry, error) {
	if err := validateIdent("namespace", namespace, MaxNamespaceLen); err != nil {
		return nil, err
	}
	models, err := util.RetryWithResult(ctx, func() ([]storage.KVEntryModel, error) {
		return s.db.ListKV(ctx, namespace)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(models))
	for i := range models {
		if prefix != "" && !strings.HasPrefix(models[i].Key, prefix) {
			continue
		}
		entry, err := s.entryFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Namespaces returns the distinct namespaces that hold at least one key,
// sorted.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	return util.RetryWithResult(ctx, func() ([]string, error) {
		return s.db.ListKVNamespaces(ctx)
	}, util.DatabaseRetryOptions(ctx)...)
}
