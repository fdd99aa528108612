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
	"context"
	"io/fs"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

// BillyAdapter exposes an AgentFS store through the go-billy filesystem
// interfaces, so billy-consuming tooling runs against a store unmodified.
// billy has no context plumbing; operations run under context.Background().
type BillyAdapter struct {
	a *AgentFS
}

// NewBillyAdapter creates a billy adapter over an open store.
func NewBillyAdapter(a *AgentFS) *BillyAdapter {
	return &BillyAdapter{a: a}
}

var _ billy.Filesystem = (*BillyAdapter)(nil)
var _ billy.Change = (*BillyAdapter)(nil)

// vfsFlags maps os.O_* flags onto the store's fixed flag numbering, which
// matches Linux regardless of the host platform.
func vfsFlags(flag int) int {
	out := flag & 3
	if flag&os.O_CREATE != 0 {
		out |= vfs.O_CREATE
	}
	if flag&os.O_EXCL != 0 {
		out |= vfs.O_EXCL
	}
	if flag&os.O_TRUNC != 0 {
		out |= vfs.O_TRUNC
	}
	if flag&os.O_APPEND != 0 {
		out |= vfs.O_APPEND
	}
	return out
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := b.a.OpenFile(context.Background(), filename, vfsFlags(flag), uint32(perm.Perm()))
	if err != nil {
		return nil, err
	}
	return &BillyFile{file: f, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	return b.a.Stat(context.Background(), filename)
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.a.Lstat(context.Background(), filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.a.Rename(context.Background(), oldpath, newpath)
}

func (b *BillyAdapter) Remove(filename string) error {
	return b.a.Remove(context.Background(), filename)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

// TempFile creates a uniquely named file under dir.
func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	name := path.Join(dir, prefix+uuid.NewString())
	return b.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := b.a.ReadDir(context.Background(), dirname)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = &billyDirInfo{entry: e}
	}
	return infos, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	return b.a.MkdirAll(context.Background(), filename, uint32(perm.Perm()))
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return b.a.Symlink(context.Background(), target, link)
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.a.Readlink(context.Background(), link)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change

func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	return b.a.Chmod(context.Background(), name, uint32(mode.Perm()))
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	return b.a.Chown(context.Background(), name, uid, gid)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	// ownership is tracked per inode; a final symlink resolves first
	return b.a.Chown(context.Background(), name, uid, gid)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.a.Chtimes(context.Background(), name, atime, mtime)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile wraps a store file handle in billy's context-free interface.
type BillyFile struct {
	file *vfs.File
	name string
}

var _ billy.File = (*BillyFile)(nil)

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	return f.file.Write(context.Background(), p)
}

func (f *BillyFile) Read(p []byte) (int, error) {
	return f.file.Read(context.Background(), p)
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(context.Background(), p, off)
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(context.Background(), offset, whence)
}

func (f *BillyFile) Close() error {
	return f.file.Close(context.Background())
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return f.file.Truncate(context.Background(), size)
}

// billyDirInfo adapts a directory entry to os.FileInfo.
type billyDirInfo struct {
	entry vfs.DirEntry
}

func (d *billyDirInfo) Name() string       { return d.entry.Name }
func (d *billyDirInfo) Size() int64        { return d.entry.Size }
func (d *billyDirInfo) ModTime() time.Time { return d.entry.Mtime }
func (d *billyDirInfo) IsDir() bool        { return d.entry.IsDir() }
func (d *billyDirInfo) Sys() any           { return nil }

func (d *billyDirInfo) Mode() fs.FileMode {
	m := fs.FileMode(d.entry.Mode & 0o777)
	switch int64(d.entry.Mode) & storage.ModeMask {
	case storage.ModeDir:
		m |= fs.ModeDir
	case storage.ModeSymlink:
		m |= fs.ModeSymlink
	}
	return m
}
