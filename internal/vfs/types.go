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

package vfs

import (
	"io/fs"
	"time"

	"agentfs/internal/storage"
)

// Open flags, fixed to the Linux numbering like the errno constants.
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2

	O_CREATE = 0x40
	O_EXCL   = 0x80
	O_TRUNC  = 0x200
	O_APPEND = 0x400

	accessModeMask = 0x3
)

// FileInfo describes an inode. It satisfies io/fs.FileInfo so callers can
// use it wherever the standard interfaces are expected.
type FileInfo struct {
	name  string
	ino   int64
	mode  uint32
	size  int64
	nlink int32
	uid   uint32
	gid   uint32
	atime time.Time
	mtime time.Time
	ctime time.Time
}

func (fi *FileInfo) Name() string        { return fi.name }
func (fi *FileInfo) Size() int64         { return fi.size }
func (fi *FileInfo) ModTime() time.Time  { return fi.mtime }
func (fi *FileInfo) IsDir() bool         { return storage.IsDir(int64(fi.mode)) }
func (fi *FileInfo) Sys() any            { return nil }

// Mode converts the stored POSIX mode into an io/fs.FileMode.
func (fi *FileInfo) Mode() fs.FileMode {
	m := fs.FileMode(fi.mode & 0o777)
	switch int64(fi.mode) & storage.ModeMask {
	case storage.ModeDir:
		m |= fs.ModeDir
	case storage.ModeSymlink:
		m |= fs.ModeSymlink
	}
	if fi.mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if fi.mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if fi.mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// PosixMode returns the raw mode word, type bits included.
func (fi *FileInfo) PosixMode() uint32 { return fi.mode }

func (fi *FileInfo) Ino() int64            { return fi.ino }
func (fi *FileInfo) Nlink() int32          { return fi.nlink }
func (fi *FileInfo) Uid() uint32           { return fi.uid }
func (fi *FileInfo) Gid() uint32           { return fi.gid }
func (fi *FileInfo) AccessTime() time.Time { return fi.atime }
func (fi *FileInfo) ChangeTime() time.Time { return fi.ctime }

func (fi *FileInfo) IsSymlink() bool { return storage.IsSymlink(int64(fi.mode)) }
func (fi *FileInfo) IsRegular() bool { return storage.IsRegular(int64(fi.mode)) }

func infoFromInode(name string, inode *storage.Inode) *FileInfo {
	return &FileInfo{
		name:  name,
		ino:   inode.Ino,
		mode:  inode.Mode,
		size:  inode.Size,
		nlink: inode.Nlink,
		uid:   inode.Uid,
		gid:   inode.Gid,
		atime: inode.Atime,
		mtime: inode.Mtime,
		ctime: inode.Ctime,
	}
}

// DirEntry is a single directory listing entry.
type DirEntry struct {
	Name  string
	Ino   int64
	Mode  uint32
	Size  int64
	Mtime time.Time
}

func (de DirEntry) IsDir() bool     { return storage.IsDir(int64(de.Mode)) }
func (de DirEntry) IsSymlink() bool { return storage.IsSymlink(int64(de.Mode)) }
