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
	"context"
	"fmt"
	"io"

	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// File is an open file handle. The read/write offset is private to the
// handle; operations on one File do not move another File's offset even on
// the same inode. A File stays usable after its path is unlinked.
type File struct {
	fs *Filesystem
	h  *handle
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.h.path
}

// checkOpen validates the handle state under the handle lock.
func (f *File) checkOpen(wantWrite bool) error {
	if f.h.closed {
		return fmt.Errorf("handle %d: %w", f.h.id, common.ErrInvalidHandle)
	}
	if wantWrite && !f.h.writable() {
		return fmt.Errorf("handle %d not open for writing: %w", f.h.id, common.ErrInvalidHandle)
	}
	if !wantWrite && !f.h.readable() {
		return fmt.Errorf("handle %d not open for reading: %w", f.h.id, common.ErrInvalidHandle)
	}
	return nil
}

func (f *File) inodeWith(tx bun.Tx, ctx context.Context) (*storage.InodeModel, error) {
	return f.fs.db.GetInodeWith(tx, ctx, f.h.ino)
}

// Read reads from the current offset and advances it. Returns io.EOF at end
// of file.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.checkOpen(false); err != nil {
		return 0, wrapErr("read", f.h.path, err)
	}
	n, err := f.readAt(ctx, p, f.h.offset)
	f.h.offset += int64(n)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, wrapErr("read", f.h.path, err)
}

// ReadAt reads at an absolute offset without moving the handle offset.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.checkOpen(false); err != nil {
		return 0, wrapErr("read", f.h.path, err)
	}
	n, err := f.readAt(ctx, p, off)
	if err == io.EOF {
		return n, io.EOF
	}
	// ReadAt contract: a short read is an error
	if err == nil && n < len(p) {
		return n, io.EOF
	}
	return n, wrapErr("read", f.h.path, err)
}

func (f *File) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	var n int
	err := f.fs.inTx(ctx, func(tx bun.Tx) error {
		inode, err := f.inodeWith(tx, ctx)
		if err != nil {
			return err
		}
		n, err = f.fs.readContentWith(tx, ctx, inode, off, p)
		return err
	})
	return n, err
}

// Write writes at the current offset and advances it. With O_APPEND every
// write lands at the end of file, atomically with respect to other writers.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.checkOpen(true); err != nil {
		return 0, wrapErr("write", f.h.path, err)
	}
	// The closure may re-run on a busy retry, so the handle offset is only
	// advanced once the transaction has committed.
	var end int64
	err := f.fs.inTx(ctx, func(tx bun.Tx) error {
		inode, err := f.inodeWith(tx, ctx)
		if err != nil {
			return err
		}
		off := f.h.offset
		if f.h.flags&O_APPEND != 0 {
			off = inode.Size
		}
		if err := f.fs.writeContentWith(tx, ctx, inode, off, p, nowNano()); err != nil {
			return err
		}
		end = off + int64(len(p))
		return nil
	})
	if err != nil {
		return 0, wrapErr("write", f.h.path, err)
	}
	f.h.offset = end
	return len(p), nil
}

// WriteAt writes at an absolute offset without moving the handle offset.
// Not allowed on handles opened with O_APPEND, matching os.File.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.checkOpen(true); err != nil {
		return 0, wrapErr("write", f.h.path, err)
	}
	if f.h.flags&O_APPEND != 0 {
		return 0, wrapErr("write", f.h.path, fmt.Errorf("WriteAt on O_APPEND handle: %w", common.ErrInvalidArg))
	}
	err := f.fs.inTx(ctx, func(tx bun.Tx) error {
		inode, err := f.inodeWith(tx, ctx)
		if err != nil {
			return err
		}
		return f.fs.writeContentWith(tx, ctx, inode, off, p, nowNano())
	})
	if err != nil {
		return 0, wrapErr("write", f.h.path, err)
	}
	return len(p), nil
}

// Seek sets the handle offset. Whence follows io.Seeker; io.SeekEnd reads
// the current size. Seeking past end is allowed, a later write there leaves
// a hole.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if f.h.closed {
		return 0, wrapErr("seek", f.h.path, fmt.Errorf("handle %d: %w", f.h.id, common.ErrInvalidHandle))
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.h.offset
	case io.SeekEnd:
		inode, err := f.fs.db.GetInode(ctx, f.h.ino)
		if err != nil {
			return 0, wrapErr("seek", f.h.path, err)
		}
		base = inode.Size
	default:
		return 0, wrapErr("seek", f.h.path, fmt.Errorf("invalid whence %d: %w", whence, common.ErrInvalidArg))
	}
	pos := base + offset
	if pos < 0 {
		return 0, wrapErr("seek", f.h.path, fmt.Errorf("negative position: %w", common.ErrInvalidArg))
	}
	f.h.offset = pos
	return pos, nil
}

// Truncate sets the file's size through the handle.
func (f *File) Truncate(ctx context.Context, size int64) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.checkOpen(true); err != nil {
		return wrapErr("truncate", f.h.path, err)
	}
	err := f.fs.inTx(ctx, func(tx bun.Tx) error {
		inode, err := f.inodeWith(tx, ctx)
		if err != nil {
			return err
		}
		return f.fs.truncateContentWith(tx, ctx, inode, size, nowNano())
	})
	return wrapErr("truncate", f.h.path, err)
}

// Stat returns the file's current metadata.
func (f *File) Stat(ctx context.Context) (*FileInfo, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if f.h.closed {
		return nil, wrapErr("stat", f.h.path, fmt.Errorf("handle %d: %w", f.h.id, common.ErrInvalidHandle))
	}
	model, err := f.fs.db.GetInode(ctx, f.h.ino)
	if err != nil {
		return nil, wrapErr("stat", f.h.path, err)
	}
	return infoFromInode(common.BaseName(f.h.path), model.ToInode()), nil
}

// Close releases the handle. Every later operation fails with EBADF.
// Closing the last handle on an unlinked inode purges its storage.
func (f *File) Close(ctx context.Context) error {
	f.h.mu.Lock()
	if f.h.closed {
		f.h.mu.Unlock()
		return wrapErr("close", f.h.path, fmt.Errorf("handle %d: %w", f.h.id, common.ErrInvalidHandle))
	}
	f.h.closed = true
	ino := f.h.ino
	f.h.mu.Unlock()

	remaining := f.fs.handles.Release(f.h.id)
	if remaining != 0 {
		return nil
	}
	err := f.fs.inTx(ctx, func(tx bun.Tx) error {
		inode, err := f.fs.db.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		if inode.Nlink <= 0 {
			return f.fs.db.PurgeInodeWith(tx, ctx, ino)
		}
		return nil
	})
	return wrapErr("close", f.h.path, err)
}
