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

// Package agentfs is an embedded, transactional filesystem for AI agents,
// stored in a single SQLite file. It offers POSIX-style file operations
// with errno-mapped errors, optional authenticated encryption at rest, a
// namespaced key-value store with optimistic concurrency, and a built-in
// audit log of every operation. Everything lives in one portable file.
package agentfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"agentfs/internal/audit"
	"agentfs/internal/kv"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"

	log "github.com/sirupsen/logrus"
)

// AgentFS is an open store. All filesystem and key-value methods write one
// audit record per call; a failed audit write is logged and never fails the
// operation itself.
type AgentFS struct {
	store    *storage.Store
	fs       *vfs.Filesystem
	kv       *kv.Store
	recorder *audit.Recorder
	logger   *log.Logger
}

// Info describes an open store.
type Info struct {
	Path        string
	StoreID     string
	ChunkSize   int64
	MaxBytes    int64
	Encrypted   bool
	OpenHandles int
}

// Open opens a store file, creating it first when opts.CreateIfMissing is
// set and the file does not exist. A nil opts uses defaults.
func Open(path string, opts *Options) (*AgentFS, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg, err := opts.storageConfig()
	if err != nil {
		return nil, err
	}

	var store *storage.Store
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		store, err = storage.Open(path, cfg)
	case os.IsNotExist(statErr) && opts.CreateIfMissing:
		store, err = storage.Create(path, cfg)
	case os.IsNotExist(statErr):
		return nil, fmt.Errorf("store file not found: %s", path)
	default:
		return nil, statErr
	}
	if err != nil {
		return nil, err
	}

	return &AgentFS{
		store:    store,
		fs:       vfs.New(store),
		kv:       kv.New(store),
		recorder: audit.NewRecorder(store),
		logger:   store.Logger(),
	}, nil
}

// Create creates a new store file, failing if it already exists.
func Create(path string, opts *Options) (*AgentFS, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg, err := opts.storageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Create(path, cfg)
	if err != nil {
		return nil, err
	}
	return &AgentFS{
		store:    store,
		fs:       vfs.New(store),
		kv:       kv.New(store),
		recorder: audit.NewRecorder(store),
		logger:   store.Logger(),
	}, nil
}

// Close releases open handles, checkpoints the WAL, and closes the file.
func (a *AgentFS) Close(ctx context.Context) error {
	if err := a.fs.Close(ctx); err != nil {
		a.logger.WithError(err).Warn("failed to release handles on close")
	}
	return a.store.Close()
}

// FS returns the filesystem layer directly, bypassing the audit log.
func (a *AgentFS) FS() *vfs.Filesystem {
	return a.fs
}

// KV returns the audited key-value API.
func (a *AgentFS) KV() *KV {
	return &KV{a: a}
}

// Info returns metadata about the open store.
func (a *AgentFS) Info() Info {
	return Info{
		Path:        a.store.Path(),
		StoreID:     a.store.StoreID(),
		ChunkSize:   a.store.ChunkSize(),
		MaxBytes:    a.store.MaxBytes(),
		Encrypted:   a.store.Encrypted(),
		OpenHandles: a.fs.OpenHandles(),
	}
}

// ToolCalls returns audit records newest first. limit <= 0 returns all.
func (a *AgentFS) ToolCalls(ctx context.Context, limit int) ([]audit.Call, error) {
	return a.recorder.Calls(ctx, limit)
}

// ToolCallStats returns per-tool aggregates computed in SQL.
func (a *AgentFS) ToolCallStats(ctx context.Context) ([]audit.Stat, error) {
	return a.recorder.Stats(ctx)
}

// record writes the audit row for a finished operation. The row is written
// outside the operation's transaction: it survives rollbacks and records
// failures too.
func (a *AgentFS) record(ctx context.Context, tool, params string, startedAt time.Time, opErr error) {
	if err := a.recorder.Record(ctx, tool, params, startedAt, opErr); err != nil {
		a.logger.WithError(err).WithField("tool", tool).Warn("failed to write audit record")
	}
}

// auditParams renders key-value pairs as a compact JSON object.
func auditParams(pairs ...any) string {
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		m[key] = pairs[i+1]
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// --- Audited filesystem operations ---

// Mkdir creates a directory.
func (a *AgentFS) Mkdir(ctx context.Context, path string, mode uint32) error {
	start := time.Now()
	err := a.fs.Mkdir(ctx, path, mode)
	a.record(ctx, "mkdir", auditParams("path", path, "mode", mode), start, err)
	return err
}

// MkdirAll creates a directory and any missing parents.
func (a *AgentFS) MkdirAll(ctx context.Context, path string, mode uint32) error {
	start := time.Now()
	err := a.fs.MkdirAll(ctx, path, mode)
	a.record(ctx, "mkdir_all", auditParams("path", path, "mode", mode), start, err)
	return err
}

// Rmdir removes an empty directory.
func (a *AgentFS) Rmdir(ctx context.Context, path string) error {
	start := time.Now()
	err := a.fs.Rmdir(ctx, path)
	a.record(ctx, "rmdir", auditParams("path", path), start, err)
	return err
}

// ReadDir lists a directory sorted by name.
func (a *AgentFS) ReadDir(ctx context.Context, path string) ([]vfs.DirEntry, error) {
	start := time.Now()
	entries, err := a.fs.ReadDir(ctx, path)
	a.record(ctx, "read_dir", auditParams("path", path), start, err)
	return entries, err
}

// Stat returns metadata for a path, following symlinks.
func (a *AgentFS) Stat(ctx context.Context, path string) (*vfs.FileInfo, error) {
	start := time.Now()
	info, err := a.fs.Stat(ctx, path)
	a.record(ctx, "stat", auditParams("path", path), start, err)
	return info, err
}

// Lstat returns metadata without following a final symlink.
func (a *AgentFS) Lstat(ctx context.Context, path string) (*vfs.FileInfo, error) {
	start := time.Now()
	info, err := a.fs.Lstat(ctx, path)
	a.record(ctx, "lstat", auditParams("path", path), start, err)
	return info, err
}

// Exists reports whether a path resolves.
func (a *AgentFS) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	ok, err := a.fs.Exists(ctx, path)
	a.record(ctx, "exists", auditParams("path", path), start, err)
	return ok, err
}

// Symlink creates a symbolic link.
func (a *AgentFS) Symlink(ctx context.Context, target, linkpath string) error {
	start := time.Now()
	err := a.fs.Symlink(ctx, target, linkpath)
	a.record(ctx, "symlink", auditParams("target", target, "linkpath", linkpath), start, err)
	return err
}

// Readlink returns a symbolic link's target.
func (a *AgentFS) Readlink(ctx context.Context, path string) (string, error) {
	start := time.Now()
	target, err := a.fs.Readlink(ctx, path)
	a.record(ctx, "readlink", auditParams("path", path), start, err)
	return target, err
}

// Link creates a hard link.
func (a *AgentFS) Link(ctx context.Context, oldpath, newpath string) error {
	start := time.Now()
	err := a.fs.Link(ctx, oldpath, newpath)
	a.record(ctx, "link", auditParams("oldpath", oldpath, "newpath", newpath), start, err)
	return err
}

// Unlink removes a file or symlink.
func (a *AgentFS) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	err := a.fs.Unlink(ctx, path)
	a.record(ctx, "unlink", auditParams("path", path), start, err)
	return err
}

// Rename moves a path atomically.
func (a *AgentFS) Rename(ctx context.Context, oldpath, newpath string) error {
	start := time.Now()
	err := a.fs.Rename(ctx, oldpath, newpath)
	a.record(ctx, "rename", auditParams("oldpath", oldpath, "newpath", newpath), start, err)
	return err
}

// Remove deletes a file, symlink, or empty directory.
func (a *AgentFS) Remove(ctx context.Context, path string) error {
	start := time.Now()
	err := a.fs.Remove(ctx, path)
	a.record(ctx, "remove", auditParams("path", path), start, err)
	return err
}

// RemoveAll deletes a path and everything under it.
func (a *AgentFS) RemoveAll(ctx context.Context, path string) error {
	start := time.Now()
	err := a.fs.RemoveAll(ctx, path)
	a.record(ctx, "remove_all", auditParams("path", path), start, err)
	return err
}

// ReadFile reads a whole file.
func (a *AgentFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := a.fs.ReadFile(ctx, path)
	a.record(ctx, "read_file", auditParams("path", path), start, err)
	return data, err
}

// WriteFile replaces a file's content, creating it if missing.
func (a *AgentFS) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	start := time.Now()
	err := a.fs.WriteFile(ctx, path, data, mode)
	a.record(ctx, "write_file", auditParams("path", path, "bytes", len(data), "mode", mode), start, err)
	return err
}

// Chmod replaces the permission bits of a path.
func (a *AgentFS) Chmod(ctx context.Context, path string, mode uint32) error {
	start := time.Now()
	err := a.fs.Chmod(ctx, path, mode)
	a.record(ctx, "chmod", auditParams("path", path, "mode", mode), start, err)
	return err
}

// Chown sets the owner and group of a path.
func (a *AgentFS) Chown(ctx context.Context, path string, uid, gid int) error {
	start := time.Now()
	err := a.fs.Chown(ctx, path, uid, gid)
	a.record(ctx, "chown", auditParams("path", path, "uid", uid, "gid", gid), start, err)
	return err
}

// Chtimes sets the access and modification times of a path.
func (a *AgentFS) Chtimes(ctx context.Context, path string, atime, mtime time.Time) error {
	start := time.Now()
	err := a.fs.Chtimes(ctx, path, atime, mtime)
	a.record(ctx, "chtimes", auditParams("path", path), start, err)
	return err
}

// Truncate sets the size of a regular file.
func (a *AgentFS) Truncate(ctx context.Context, path string, size int64) error {
	start := time.Now()
	err := a.fs.Truncate(ctx, path, size)
	a.record(ctx, "truncate", auditParams("path", path, "size", size), start, err)
	return err
}

// OpenFile opens a file handle with POSIX-style flags.
func (a *AgentFS) OpenFile(ctx context.Context, path string, flags int, mode uint32) (*vfs.File, error) {
	start := time.Now()
	f, err := a.fs.OpenFile(ctx, path, flags, mode)
	a.record(ctx, "open", auditParams("path", path, "flags", flags, "mode", mode), start, err)
	return f, err
}

// --- Audited key-value operations ---

// KV is the audited view of the key-value store.
type KV struct {
	a *AgentFS
}

// Get returns the value for a key.
func (k *KV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	start := time.Now()
	value, err := k.a.kv.Get(ctx, namespace, key)
	k.a.record(ctx, "kv_get", auditParams("namespace", namespace, "key", key), start, err)
	return value, err
}

// GetEntry returns a value with its version metadata.
func (k *KV) GetEntry(ctx context.Context, namespace, key string) (*kv.Entry, error) {
	start := time.Now()
	entry, err := k.a.kv.GetEntry(ctx, namespace, key)
	k.a.record(ctx, "kv_get", auditParams("namespace", namespace, "key", key), start, err)
	return entry, err
}

// Set writes a value unconditionally, returning the new version.
func (k *KV) Set(ctx context.Context, namespace, key string, value []byte) (int64, error) {
	start := time.Now()
	version, err := k.a.kv.Set(ctx, namespace, key, value)
	k.a.record(ctx, "kv_set", auditParams("namespace", namespace, "key", key, "bytes", len(value)), start, err)
	return version, err
}

// CompareAndSet writes a value only at the expected version; expected 0
// requires the key to be absent.
func (k *KV) CompareAndSet(ctx context.Context, namespace, key string, value []byte, expected int64) (int64, error) {
	start := time.Now()
	version, err := k.a.kv.CompareAndSet(ctx, namespace, key, value, expected)
	k.a.record(ctx, "kv_compare_and_set",
		auditParams("namespace", namespace, "key", key, "expected", expected), start, err)
	return version, err
}

// Delete removes a key.
func (k *KV) Delete(ctx context.Context, namespace, key string) error {
	start := time.Now()
	err := k.a.kv.Delete(ctx, namespace, key)
	k.a.record(ctx, "kv_delete", auditParams("namespace", namespace, "key", key), start, err)
	return err
}

// Keys lists a namespace's keys with the given prefix in sorted order. An
// empty prefix matches every key.
func (k *KV) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := k.a.kv.Keys(ctx, namespace, prefix)
	k.a.record(ctx, "kv_keys", auditParams("namespace", namespace, "prefix", prefix), start, err)
	return keys, err
}

// List returns the entries of a namespace whose keys start with prefix,
// ordered by key.
func (k *KV) List(ctx context.Context, namespace, prefix string) ([]*kv.Entry, error) {
	start := time.Now()
	entries, err := k.a.kv.List(ctx, namespace, prefix)
	k.a.record(ctx, "kv_list", auditParams("namespace", namespace, "prefix", prefix), start, err)
	return entries, err
}

// Namespaces returns the distinct namespaces holding at least one key.
func (k *KV) Namespaces(ctx context.Context) ([]string, error) {
	start := time.Now()
	namespaces, err := k.a.kv.Namespaces(ctx)
	k.a.record(ctx, "kv_namespaces", auditParams(), start, err)
	return namespaces, err
}
