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
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the agentfs database tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FSConfigModel represents the fs_config table
type FSConfigModel struct {
	bun.BaseModel `bun:"table:fs_config"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the fs_inode table.
// Times are stored as Unix nanoseconds.
type InodeModel struct {
	bun.BaseModel `bun:"table:fs_inode"`

	Ino   int64 `bun:"ino,pk,autoincrement"`
	Mode  int64 `bun:"mode,notnull"`
	UID   int64 `bun:"uid,notnull"`
	GID   int64 `bun:"gid,notnull"`
	Size  int64 `bun:"size,notnull"`
	Nlink int64 `bun:"nlink,notnull"`
	Atime int64 `bun:"atime,notnull"` // Unix nanoseconds
	Mtime int64 `bun:"mtime,notnull"` // Unix nanoseconds
	Ctime int64 `bun:"ctime,notnull"` // Unix nanoseconds
}

// Inode is the domain view of an fs_inode row.
type Inode struct {
	Ino   int64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  int64
	Nlink int32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return IsDir(int64(i.Mode)) }

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool { return IsRegular(int64(i.Mode)) }

// IsSymlink reports whether the inode is a symbolic link.
func (i *Inode) IsSymlink() bool { return IsSymlink(int64(i.Mode)) }

// ToInode converts an InodeModel to the domain Inode struct
func (m *InodeModel) ToInode() *Inode {
	return &Inode{
		Ino:   m.Ino,
		Mode:  uint32(m.Mode),
		Uid:   uint32(m.UID),
		Gid:   uint32(m.GID),
		Size:  m.Size,
		Nlink: int32(m.Nlink),
		Atime: time.Unix(0, m.Atime),
		Mtime: time.Unix(0, m.Mtime),
		Ctime: time.Unix(0, m.Ctime),
	}
}

// InodeModelFromInode converts a domain Inode to its row form
func InodeModelFromInode(inode *Inode) *InodeModel {
	return &InodeModel{
		Ino:   inode.Ino,
		Mode:  int64(inode.Mode),
		UID:   int64(inode.Uid),
		GID:   int64(inode.Gid),
		Size:  inode.Size,
		Nlink: int64(inode.Nlink),
		Atime: inode.Atime.UnixNano(),
		Mtime: inode.Mtime.UnixNano(),
		Ctime: inode.Ctime.UnixNano(),
	}
}

// DentryModel represents the fs_dentry table
type DentryModel struct {
	bun.BaseModel `bun:"table:fs_dentry"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// Dentry is the domain view of a directory entry.
type Dentry struct {
	ParentIno int64
	Name      string
	Ino       int64
}

// ToDentry converts a DentryModel to the domain Dentry struct
func (m *DentryModel) ToDentry() *Dentry {
	return &Dentry{
		ParentIno: m.ParentIno,
		Name:      m.Name,
		Ino:       m.Ino,
	}
}

// DataChunkModel represents the fs_data table (file content chunks).
// Data holds the sealed blob when encryption is enabled.
type DataChunkModel struct {
	bun.BaseModel `bun:"table:fs_data"`

	Ino      int64  `bun:"ino,pk"`
	ChunkIdx int64  `bun:"chunk_idx,pk"`
	Data     []byte `bun:"data,notnull"`
}

// SymlinkModel represents the fs_symlink table.
// Target holds the sealed blob when encryption is enabled.
type SymlinkModel struct {
	bun.BaseModel `bun:"table:fs_symlink"`

	Ino    int64  `bun:"ino,pk"`
	Target []byte `bun:"target,notnull"`
}

// KVEntryModel represents the kv_store table.
// Value holds the sealed blob when encryption is enabled.
type KVEntryModel struct {
	bun.BaseModel `bun:"table:kv_store"`

	Namespace string `bun:"namespace,pk"`
	Key       string `bun:"key,pk"`
	Value     []byte `bun:"value,notnull"`
	Version   int64  `bun:"version,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"` // Unix nanoseconds
	UpdatedAt int64  `bun:"updated_at,notnull"` // Unix nanoseconds
}

// ToolCallModel represents the tool_calls audit table
type ToolCallModel struct {
	bun.BaseModel `bun:"table:tool_calls"`

	ID         int64  `bun:"id,pk,autoincrement"`
	Tool       string `bun:"tool,notnull"`
	Params     string `bun:"params"`
	Status     string `bun:"status,notnull"` // "success" or "error"
	Error      string `bun:"error"`
	StartedAt  int64  `bun:"started_at,notnull"` // Unix nanoseconds
	DurationUS int64  `bun:"duration_us,notnull"`
}
