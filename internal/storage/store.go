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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"agentfs/internal/common"
	"agentfs/internal/crypto"
)

// Config holds the knobs applied when creating or opening a store file.
// Zero values select defaults.
type Config struct {
	// ChunkSize is the content chunk size for new stores. It is persisted at
	// create time; opening an existing store with a conflicting non-zero
	// value is an error.
	ChunkSize int

	// MaxBytes caps total stored content bytes. 0 means unlimited.
	MaxBytes int64

	// BusyTimeout is the SQLite busy_timeout in milliseconds.
	BusyTimeout int

	// ExclusiveLock takes a flock on a sidecar lock file, refusing to open
	// if another process holds it.
	ExclusiveLock bool

	// Passphrase enables at-rest encryption with an argon2id-derived key.
	Passphrase string

	// Key enables at-rest encryption with a raw 32-byte key. Mutually
	// exclusive with Passphrase.
	Key []byte

	// Logger receives operational logging. Defaults to the standard logger.
	Logger *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

// Store is a SQLite-backed agentfs store file.
type Store struct {
	path      string
	db        *sql.DB
	bunDB     *BunDB
	codec     crypto.Codec
	chunkSize int64
	maxBytes  int64
	storeID   string
	fileLock  *flock.Flock
	logger    *log.Logger
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout MUST be set first — all subsequent PRAGMAs (especially
	// journal_mode=WAL which needs exclusive access) will wait for locks
	// instead of failing immediately with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout(busyTimeout))); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: enables concurrent readers during writes, reduces lock contention.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL: WAL mode with NORMAL sync is safe against process
	// crashes (only vulnerable to OS crash / power loss). Avoids fsync on
	// every commit.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	// Foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Larger cache for better read performance (default is ~2MB, set to 8MB).
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	// Memory-map I/O for reads (256MB). Failure is non-fatal (may not be
	// supported on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")

	return nil
}

// buildCodec derives the data codec from the config. Returns the codec and
// the KDF parameter string to persist (empty unless a passphrase is used
// against fresh parameters).
func buildCodec(cfg Config, persistedParams string) (crypto.Codec, string, error) {
	if cfg.Passphrase != "" && len(cfg.Key) > 0 {
		return nil, "", fmt.Errorf("passphrase and raw key are mutually exclusive: %w", common.ErrInvalidArg)
	}
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != crypto.KeySize {
			return nil, "", fmt.Errorf("encryption key must be %d bytes, got %d: %w", crypto.KeySize, len(cfg.Key), common.ErrInvalidArg)
		}
		codec, err := crypto.NewAEAD(cfg.Key)
		return codec, "", err
	case cfg.Passphrase != "":
		var params crypto.KDFParams
		var paramsStr string
		if persistedParams != "" {
			var err error
			params, err = crypto.DecodeParams(persistedParams)
			if err != nil {
				return nil, "", err
			}
		} else {
			var err error
			params, err = crypto.DefaultKDFParams()
			if err != nil {
				return nil, "", err
			}
			paramsStr, err = crypto.EncodeParams(params)
			if err != nil {
				return nil, "", err
			}
		}
		codec, err := crypto.NewAEAD(crypto.DeriveKey(cfg.Passphrase, params))
		return codec, paramsStr, err
	default:
		return crypto.Noop(), "", nil
	}
}

// Create creates a new store file.
func Create(path string, cfg Config) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be positive: %w", common.ErrInvalidArg)
	}

	codec, kdfParams, err := buildCodec(cfg, "")
	if err != nil {
		return nil, err
	}

	fileLock, err := acquireLock(path, cfg.ExclusiveLock)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", BuildDSN(path, cfg.BusyTimeout))
	if err != nil {
		releaseLock(fileLock)
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
		releaseLock(fileLock)
	}

	// All PRAGMAs must be explicit — libsql ignores DSN-based parameters.
	if err := applyPragmas(db, cfg.BusyTimeout); err != nil {
		cleanup()
		return nil, err
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, storeSchema); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	storeID := uuid.NewString()
	now := time.Now().UnixNano()
	if err := execStatements(db, initStore,
		SchemaVersion, storeID, strconv.Itoa(chunkSize), DefaultDirMode, now, now, now); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	bunDB := NewBunDB(db)
	bgCtx := context.Background()

	scheme := EncryptionNone
	if codec.Enabled() {
		scheme = EncryptionChaCha20
	}
	if err := bunDB.SetSchemaInfo(bgCtx, infoKeyEncryption, scheme); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to record encryption scheme: %w", err)
	}
	if kdfParams != "" {
		if err := bunDB.SetSchemaInfo(bgCtx, infoKeyKDFParams, kdfParams); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to record KDF parameters: %w", err)
		}
	}
	if codec.Enabled() {
		token, err := crypto.SealKeyCheck(codec)
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := bunDB.SetSchemaInfo(bgCtx, infoKeyKeyCheck, token); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to record key check: %w", err)
		}
	}

	s := &Store{
		path:      path,
		db:        db,
		bunDB:     bunDB,
		codec:     codec,
		chunkSize: int64(chunkSize),
		maxBytes:  cfg.MaxBytes,
		storeID:   storeID,
		fileLock:  fileLock,
		logger:    cfg.logger(),
	}
	s.logger.WithField("path", path).Debug("created store")
	return s, nil
}

// Open opens an existing store file. The same encryption material used at
// create time must be supplied; a wrong passphrase or key fails here rather
// than on the first read.
func Open(path string, cfg Config) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	fileLock, err := acquireLock(path, cfg.ExclusiveLock)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", BuildDSN(path, cfg.BusyTimeout))
	if err != nil {
		releaseLock(fileLock)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cleanup := func() {
		db.Close()
		releaseLock(fileLock)
	}

	if err := applyPragmas(db, cfg.BusyTimeout); err != nil {
		cleanup()
		return nil, err
	}

	bunDB := NewBunDB(db)
	bgCtx := context.Background()

	fileType, err := bunDB.GetSchemaInfo(bgCtx, infoKeyType)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "agentfs" {
		cleanup()
		return nil, fmt.Errorf("not an agentfs store (type=%q)", fileType)
	}

	version, err := bunDB.GetSchemaInfo(bgCtx, infoKeyVersion)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SchemaVersion {
		cleanup()
		return nil, fmt.Errorf("unsupported schema version %q (want %q)", version, SchemaVersion)
	}

	scheme, err := bunDB.GetSchemaInfo(bgCtx, infoKeyEncryption)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read encryption scheme: %w", err)
	}
	needsKey := scheme == EncryptionChaCha20
	hasKey := cfg.Passphrase != "" || len(cfg.Key) > 0
	if needsKey && !hasKey {
		cleanup()
		return nil, fmt.Errorf("store is encrypted, no passphrase or key given: %w", common.ErrBadPassphrase)
	}
	if !needsKey && hasKey {
		cleanup()
		return nil, fmt.Errorf("store is not encrypted but encryption options were given: %w", common.ErrInvalidArg)
	}

	kdfParams, err := bunDB.GetSchemaInfo(bgCtx, infoKeyKDFParams)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read KDF parameters: %w", err)
	}
	codec, _, err := buildCodec(cfg, kdfParams)
	if err != nil {
		cleanup()
		return nil, err
	}
	if codec.Enabled() {
		token, err := bunDB.GetSchemaInfo(bgCtx, infoKeyKeyCheck)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to read key check: %w", err)
		}
		if err := crypto.VerifyKeyCheck(codec, token); err != nil {
			cleanup()
			return nil, err
		}
	}

	chunkSizeStr, err := bunDB.GetFSConfig(bgCtx, configKeyChunkSize)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read chunk size: %w", err)
	}
	chunkSize, err := strconv.Atoi(chunkSizeStr)
	if err != nil || chunkSize <= 0 {
		cleanup()
		return nil, fmt.Errorf("corrupt chunk size %q in fs_config", chunkSizeStr)
	}
	if cfg.ChunkSize != 0 && cfg.ChunkSize != chunkSize {
		cleanup()
		return nil, fmt.Errorf("chunk size %d conflicts with store's %d: %w", cfg.ChunkSize, chunkSize, common.ErrInvalidArg)
	}

	storeID, err := bunDB.GetSchemaInfo(bgCtx, infoKeyStoreID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read store id: %w", err)
	}

	s := &Store{
		path:      path,
		db:        db,
		bunDB:     bunDB,
		codec:     codec,
		chunkSize: int64(chunkSize),
		maxBytes:  cfg.MaxBytes,
		storeID:   storeID,
		fileLock:  fileLock,
		logger:    cfg.logger(),
	}

	if err := s.sweepOrphans(bgCtx); err != nil {
		s.logger.WithField("path", path).WithError(err).Warn("orphan sweep failed")
	}

	return s, nil
}

// sweepOrphans reclaims inodes whose last link was removed while a handle
// was still open in a previous session.
func (s *Store) sweepOrphans(ctx context.Context) error {
	orphans, err := s.bunDB.ListUnlinkedInodes(ctx)
	if err != nil {
		return err
	}
	for _, ino := range orphans {
		if err := s.bunDB.PurgeInode(ctx, ino); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		s.logger.WithField("count", len(orphans)).Debug("reclaimed orphaned inodes")
	}
	return nil
}

// Close closes the database connection and cleans up WAL files.
// It performs a TRUNCATE checkpoint to merge WAL data into the main database,
// then removes the -wal and -shm files.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// PRAGMA wal_checkpoint returns rows, so Query() not Exec()
	rows, err := s.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		s.logger.WithError(err).Warn("WAL checkpoint failed")
	} else {
		rows.Close()
	}

	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil

	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")

	releaseLock(s.fileLock)
	s.fileLock = nil

	return nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BunDB returns the Bun database wrapper.
func (s *Store) BunDB() *BunDB {
	return s.bunDB
}

// Codec returns the data codec (a no-op when encryption is disabled).
func (s *Store) Codec() crypto.Codec {
	return s.codec
}

// ChunkSize returns the content chunk size in bytes.
func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

// MaxBytes returns the content quota, 0 for unlimited.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// StoreID returns the uuid assigned at create time.
func (s *Store) StoreID() string {
	return s.storeID
}

// Logger returns the store's logger.
func (s *Store) Logger() *log.Logger {
	return s.logger
}

// Encrypted reports whether at-rest encryption is enabled.
func (s *Store) Encrypted() bool {
	return s.codec.Enabled()
}

// acquireLock takes the sidecar flock when exclusive mode is requested.
func acquireLock(path string, exclusive bool) (*flock.Flock, error) {
	if !exclusive {
		return nil, nil
	}
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store is locked by another process: %s", path)
	}
	return fl, nil
}

func releaseLock(fl *flock.Flock) {
	if fl == nil {
		return
	}
	_ = fl.Unlock()
	_ = os.Remove(fl.Path())
}
