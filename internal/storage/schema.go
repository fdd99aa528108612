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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// DefaultChunkSize is the content chunk size for new stores. The actual
// chunk size is fixed at create time and persisted in fs_config.
const DefaultChunkSize = 16384

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the SQLite busy_timeout for all stores.
const EnvBusyTimeout = "AGENTFS_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout in milliseconds.
// Priority: env var > configured value > default.
func GetBusyTimeout(configured int) int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configured > 0 {
		return configured
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout
func BuildDSN(path string, busyTimeout int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout(busyTimeout))
}

// File mode constants (POSIX bit layout)
const (
	ModeMask    = 0170000 // S_IFMT type mask
	ModeDir     = 0040000 // S_IFDIR
	ModeFile    = 0100000 // S_IFREG
	ModeSymlink = 0120000 // S_IFLNK
	ModePerm    = 0007777 // permission bits incl. setuid/setgid/sticky
)

// Default permissions
const (
	DefaultDirMode  = ModeDir | 0755  // rwxr-xr-x
	DefaultFileMode = ModeFile | 0644 // rw-r--r--
)

// Root inode number
const RootIno = 1

// MaxSymlinkHops bounds the total number of symlink traversals during a
// single path resolution.
const MaxSymlinkHops = 10

// Well-known schema_info keys
const (
	infoKeyVersion    = "version"
	infoKeyType       = "type"
	infoKeyStoreID    = "store_id"
	infoKeyEncryption = "encryption"
	infoKeyKDFParams  = "kdf_params"
	infoKeyKeyCheck   = "key_check"
)

// Well-known fs_config keys
const (
	configKeyChunkSize = "chunk_size"
)

// Encryption scheme identifiers persisted under infoKeyEncryption
const (
	EncryptionNone     = "none"
	EncryptionChaCha20 = "chacha20poly1305"
)

// Schema SQL for a store file
const storeSchema = `
-- Schema version and store identity
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Creation-time filesystem configuration
CREATE TABLE IF NOT EXISTS fs_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- File/directory metadata (inode table)
CREATE TABLE IF NOT EXISTS fs_inode (
    ino INTEGER PRIMARY KEY AUTOINCREMENT,
    mode INTEGER NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    nlink INTEGER NOT NULL DEFAULT 1,
    atime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    ctime INTEGER NOT NULL
);

-- Directory entries; a name is unique within its parent
CREATE TABLE IF NOT EXISTS fs_dentry (
    parent_ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    ino INTEGER NOT NULL,
    PRIMARY KEY (parent_ino, name)
);

CREATE INDEX IF NOT EXISTS idx_fs_dentry_ino ON fs_dentry(ino);

-- File content storage (chunked, sparse: missing chunks read as zeros)
CREATE TABLE IF NOT EXISTS fs_data (
    ino INTEGER NOT NULL,
    chunk_idx INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (ino, chunk_idx)
);

-- Symbolic link targets (BLOB: sealed when encryption is on)
CREATE TABLE IF NOT EXISTS fs_symlink (
    ino INTEGER PRIMARY KEY,
    target BLOB NOT NULL
);

-- Namespaced key-value store with per-row version counters
CREATE TABLE IF NOT EXISTS kv_store (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);

-- Audit log: one row per public operation
CREATE TABLE IF NOT EXISTS tool_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tool TEXT NOT NULL,
    params TEXT,
    status TEXT NOT NULL CHECK (status IN ('success', 'error')),
    error TEXT,
    started_at INTEGER NOT NULL,
    duration_us INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
CREATE INDEX IF NOT EXISTS idx_tool_calls_started ON tool_calls(started_at);
`

// Initial data for a new store
const initStore = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'agentfs');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('store_id', ?);

INSERT OR IGNORE INTO fs_config (key, value) VALUES ('chunk_size', ?);

-- Root directory inode (ino=1, nlink=2 for "." and its self-parent "..")
INSERT OR IGNORE INTO fs_inode (ino, mode, uid, gid, size, nlink, atime, mtime, ctime)
VALUES (1, ?, 0, 0, 0, 2, ?, ?, ?);
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	// Handle any remaining content
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// IsDir reports whether a mode denotes a directory.
func IsDir(mode int64) bool { return mode&ModeMask == ModeDir }

// IsRegular reports whether a mode denotes a regular file.
func IsRegular(mode int64) bool { return mode&ModeMask == ModeFile }

// IsSymlink reports whether a mode denotes a symbolic link.
func IsSymlink(mode int64) bool { return mode&ModeMask == ModeSymlink }
