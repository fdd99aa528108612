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

// Package vfs implements POSIX-style filesystem semantics over the SQLite
// inode and dentry tables. Every operation runs in a single transaction and
// is retried on transient lock errors, so concurrent writers see atomic
// all-or-nothing effects. All errors are *FSError values carrying an errno.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/crypto"
	"agentfs/internal/storage"
	"agentfs/internal/util"
)

// Filesystem exposes path-based operations over an open store.
type Filesystem struct {
	store     *storage.Store
	db        *storage.BunDB
	codec     crypto.Codec
	chunkSize int64
	maxBytes  int64
	handles   *HandleManager
	logger    *log.Logger
}

// New creates a Filesystem over an open store.
func New(store *storage.Store) *Filesystem {
	return &Filesystem{
		store:     store,
		db:        store.BunDB(),
		codec:     store.Codec(),
		chunkSize: store.ChunkSize(),
		maxBytes:  store.MaxBytes(),
		handles:   NewHandleManager(),
		logger:    store.Logger(),
	}
}

// Store returns the underlying store.
func (fs *Filesystem) Store() *storage.Store {
	return fs.store
}

// OpenHandles returns the number of currently open file handles.
func (fs *Filesystem) OpenHandles() int {
	return fs.handles.Len()
}

// inTx runs fn in a transaction, retrying on transient SQLite busy errors.
func (fs *Filesystem) inTx(ctx context.Context, fn func(tx bun.Tx) error) error {
	return util.Retry(ctx, func() error {
		return fs.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return fn(tx)
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

func nowNano() int64 {
	return time.Now().UnixNano()
}

// --- Directories ---

// Mkdir creates a directory. The parent must exist; an existing entry at the
// path fails with EEXIST. Only the permission bits of mode are honored.
func (fs *Filesystem) Mkdir(ctx context.Context, path string, mode uint32) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		parent, name, err := fs.resolveParentWith(tx, ctx, path)
		if err != nil {
			return err
		}
		_, err = fs.createDirWith(tx, ctx, parent, name, mode, nowNano())
		return err
	})
	return wrapErr("mkdir", path, err)
}

// MkdirAll creates a directory and any missing parents. Existing directories
// along the way are fine; an existing non-directory fails with ENOTDIR.
func (fs *Filesystem) MkdirAll(ctx context.Context, path string, mode uint32) error {
	parts := common.SplitPath(path)
	if len(parts) == 0 {
		return nil
	}
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		now := nowNano()
		for i := range parts {
			prefix := strings.Join(parts[:i+1], "/")
			r, err := fs.resolveWith(tx, ctx, prefix, true)
			if errors.Is(err, common.ErrNotFound) && r != nil {
				if _, err := fs.createDirWith(tx, ctx, r.parent, r.name, mode, now); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if !storage.IsDir(r.inode.Mode) {
				return fmt.Errorf("path component %q: %w", prefix, common.ErrNotDir)
			}
		}
		return nil
	})
	return wrapErr("mkdir", path, err)
}

// createDirWith allocates a directory inode and links it under parent.
// A dentry collision surfaces as common.ErrExists and rolls back the inode.
func (fs *Filesystem) createDirWith(tx bun.Tx, ctx context.Context, parent int64, name string, mode uint32, now int64) (int64, error) {
	ino, err := fs.db.CreateInodeWith(tx, ctx, &storage.InodeModel{
		Mode:  storage.ModeDir | int64(mode)&storage.ModePerm,
		Nlink: 2,
		Atime: now,
		Mtime: now,
		Ctime: now,
	})
	if err != nil {
		return 0, err
	}
	if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
		ParentIno: parent,
		Name:      name,
		Ino:       ino,
	}); err != nil {
		return 0, err
	}
	if err := fs.bumpParentWith(tx, ctx, parent, +1, now); err != nil {
		return 0, err
	}
	return ino, nil
}

// bumpParentWith adjusts a directory's link count after a subdirectory is
// added or removed and refreshes its times.
func (fs *Filesystem) bumpParentWith(tx bun.Tx, ctx context.Context, ino int64, delta int64, now int64) error {
	inode, err := fs.db.GetInodeWith(tx, ctx, ino)
	if err != nil {
		return err
	}
	inode.Nlink += delta
	inode.Mtime = now
	inode.Ctime = now
	return fs.db.UpdateInodeWith(tx, ctx, inode)
}

// touchParentWith refreshes a directory's times after entry churn that does
// not change its link count.
func (fs *Filesystem) touchParentWith(tx bun.Tx, ctx context.Context, ino int64, now int64) error {
	inode, err := fs.db.GetInodeWith(tx, ctx, ino)
	if err != nil {
		return err
	}
	inode.Mtime = now
	inode.Ctime = now
	return fs.db.UpdateInodeWith(tx, ctx, inode)
}

// Rmdir removes an empty directory. A symlink in the final position is not
// followed and fails with ENOTDIR; a non-empty directory fails with
// ENOTEMPTY; the root fails with EINVAL.
func (fs *Filesystem) Rmdir(ctx context.Context, path string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, false)
		if err != nil {
			return err
		}
		return fs.rmdirWith(tx, ctx, path, r)
	})
	return wrapErr("rmdir", path, err)
}

func (fs *Filesystem) rmdirWith(tx bun.Tx, ctx context.Context, path string, r *resolved) error {
	if !storage.IsDir(r.inode.Mode) {
		return fmt.Errorf("%q: %w", path, common.ErrNotDir)
	}
	if r.ino == storage.RootIno {
		return fmt.Errorf("cannot remove the root directory: %w", common.ErrInvalidArg)
	}
	count, err := fs.db.CountDentriesWith(tx, ctx, r.ino)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%q: %w", path, common.ErrNotEmpty)
	}
	if err := fs.db.DeleteDentryWith(tx, ctx, r.parent, r.name); err != nil {
		return err
	}
	if err := fs.db.PurgeInodeWith(tx, ctx, r.ino); err != nil {
		return err
	}
	return fs.bumpParentWith(tx, ctx, r.parent, -1, nowNano())
}

// ReadDir lists a directory's entries sorted by name.
func (fs *Filesystem) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	var entries []DirEntry
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		if !storage.IsDir(r.inode.Mode) {
			return fmt.Errorf("%q: %w", path, common.ErrNotDir)
		}
		raw, err := fs.db.ListDentriesWith(tx, ctx, r.ino)
		if err != nil {
			return err
		}
		entries = make([]DirEntry, len(raw))
		for i, e := range raw {
			entries[i] = DirEntry{
				Name:  e.Name,
				Ino:   e.Ino,
				Mode:  e.Mode,
				Size:  e.Size,
				Mtime: e.Mtime,
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("readdir", path, err)
	}
	return entries, nil
}

// --- Attributes ---

// Stat returns metadata for a path, following symlinks.
func (fs *Filesystem) Stat(ctx context.Context, path string) (*FileInfo, error) {
	return fs.stat(ctx, "stat", path, true)
}

// Lstat returns metadata for a path without following a final symlink.
func (fs *Filesystem) Lstat(ctx context.Context, path string) (*FileInfo, error) {
	return fs.stat(ctx, "lstat", path, false)
}

func (fs *Filesystem) stat(ctx context.Context, op, path string, follow bool) (*FileInfo, error) {
	var info *FileInfo
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, follow)
		if err != nil {
			return err
		}
		name := r.name
		if name == "" {
			name = "/"
		}
		info = infoFromInode(name, r.inode.ToInode())
		return nil
	})
	if err != nil {
		return nil, wrapErr(op, path, err)
	}
	return info, nil
}

// Exists reports whether a path resolves, following symlinks. A dangling
// symlink does not exist.
func (fs *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	_, err := fs.Stat(ctx, path)
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Chmod replaces the permission bits of a path's inode, following symlinks.
// The file type bits are preserved.
func (fs *Filesystem) Chmod(ctx context.Context, path string, mode uint32) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		r.inode.Mode = r.inode.Mode&storage.ModeMask | int64(mode)&storage.ModePerm
		r.inode.Ctime = nowNano()
		return fs.db.UpdateInodeWith(tx, ctx, r.inode)
	})
	return wrapErr("chmod", path, err)
}

// Chown sets the owner and group of a path's inode, following symlinks.
// A negative uid or gid leaves that field unchanged.
func (fs *Filesystem) Chown(ctx context.Context, path string, uid, gid int) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		if uid >= 0 {
			r.inode.UID = int64(uid)
		}
		if gid >= 0 {
			r.inode.GID = int64(gid)
		}
		r.inode.Ctime = nowNano()
		return fs.db.UpdateInodeWith(tx, ctx, r.inode)
	})
	return wrapErr("chown", path, err)
}

// Chtimes sets the access and modification times of a path's inode,
// following symlinks. The change time is refreshed.
func (fs *Filesystem) Chtimes(ctx context.Context, path string, atime, mtime time.Time) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		r.inode.Atime = atime.UnixNano()
		r.inode.Mtime = mtime.UnixNano()
		r.inode.Ctime = nowNano()
		return fs.db.UpdateInodeWith(tx, ctx, r.inode)
	})
	return wrapErr("chtimes", path, err)
}

// Truncate sets the size of a regular file, following symlinks. Growing
// leaves a hole that reads as zeros.
func (fs *Filesystem) Truncate(ctx context.Context, path string, size int64) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		if storage.IsDir(r.inode.Mode) {
			return fmt.Errorf("%q: %w", path, common.ErrIsDir)
		}
		if !storage.IsRegular(r.inode.Mode) {
			return fmt.Errorf("%q is not a regular file: %w", path, common.ErrInvalidArg)
		}
		return fs.truncateContentWith(tx, ctx, r.inode, size, nowNano())
	})
	return wrapErr("truncate", path, err)
}

// --- Links ---

// Symlink creates a symbolic link at linkpath pointing to target. The target
// is stored as-is and sealed when encryption is on; it is not required to
// resolve.
func (fs *Filesystem) Symlink(ctx context.Context, target, linkpath string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		if target == "" {
			return fmt.Errorf("empty symlink target: %w", common.ErrInvalidArg)
		}
		parent, name, err := fs.resolveParentWith(tx, ctx, linkpath)
		if err != nil {
			return err
		}
		now := nowNano()
		ino, err := fs.db.CreateInodeWith(tx, ctx, &storage.InodeModel{
			Mode:  storage.ModeSymlink | 0o777,
			Size:  int64(len(target)),
			Nlink: 1,
			Atime: now,
			Mtime: now,
			Ctime: now,
		})
		if err != nil {
			return err
		}
		if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
			ParentIno: parent,
			Name:      name,
			Ino:       ino,
		}); err != nil {
			return err
		}
		sealed, err := fs.codec.Seal([]byte(target))
		if err != nil {
			return err
		}
		if err := fs.db.InsertSymlinkWith(tx, ctx, ino, sealed); err != nil {
			return err
		}
		return fs.touchParentWith(tx, ctx, parent, now)
	})
	return wrapErr("symlink", linkpath, err)
}

// Readlink returns the target of a symbolic link. A non-symlink fails with
// EINVAL.
func (fs *Filesystem) Readlink(ctx context.Context, path string) (string, error) {
	var target string
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, false)
		if err != nil {
			return err
		}
		if !storage.IsSymlink(r.inode.Mode) {
			return fmt.Errorf("%q is not a symlink: %w", path, common.ErrInvalidArg)
		}
		target, err = fs.readSymlinkWith(tx, ctx, r.ino)
		return err
	})
	if err != nil {
		return "", wrapErr("readlink", path, err)
	}
	return target, nil
}

// Link creates a hard link at newpath to the file at oldpath. Directories
// cannot be hard-linked (EPERM); a final symlink at oldpath is linked
// itself, not its target.
func (fs *Filesystem) Link(ctx context.Context, oldpath, newpath string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, oldpath, false)
		if err != nil {
			return err
		}
		if storage.IsDir(r.inode.Mode) {
			return fmt.Errorf("hard link to directory %q: %w", oldpath, common.ErrNotPermitted)
		}
		parent, name, err := fs.resolveParentWith(tx, ctx, newpath)
		if err != nil {
			return err
		}
		if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
			ParentIno: parent,
			Name:      name,
			Ino:       r.ino,
		}); err != nil {
			return err
		}
		now := nowNano()
		r.inode.Nlink++
		r.inode.Ctime = now
		if err := fs.db.UpdateInodeWith(tx, ctx, r.inode); err != nil {
			return err
		}
		return fs.touchParentWith(tx, ctx, parent, now)
	})
	return wrapErr("link", newpath, err)
}

// Unlink removes a file or symlink entry. The inode is purged once its link
// count drops to zero and no handle holds it open; until then reads and
// writes through open handles keep working.
func (fs *Filesystem) Unlink(ctx context.Context, path string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, false)
		if err != nil {
			return err
		}
		return fs.unlinkWith(tx, ctx, path, r)
	})
	return wrapErr("unlink", path, err)
}

func (fs *Filesystem) unlinkWith(tx bun.Tx, ctx context.Context, path string, r *resolved) error {
	if storage.IsDir(r.inode.Mode) {
		return fmt.Errorf("%q: %w", path, common.ErrIsDir)
	}
	now := nowNano()
	if err := fs.db.DeleteDentryWith(tx, ctx, r.parent, r.name); err != nil {
		return err
	}
	if err := fs.dropLinkWith(tx, ctx, r.inode, now); err != nil {
		return err
	}
	return fs.touchParentWith(tx, ctx, r.parent, now)
}

// dropLinkWith decrements an inode's link count, purging it when no links
// and no open handles remain.
func (fs *Filesystem) dropLinkWith(tx bun.Tx, ctx context.Context, inode *storage.InodeModel, now int64) error {
	inode.Nlink--
	if inode.Nlink <= 0 && fs.handles.OpenCount(inode.Ino) == 0 {
		return fs.db.PurgeInodeWith(tx, ctx, inode.Ino)
	}
	inode.Ctime = now
	return fs.db.UpdateInodeWith(tx, ctx, inode)
}

// Rename moves oldpath to newpath atomically. An existing newpath is
// replaced when compatible: a directory only by an empty directory, a file
// never by a directory and vice versa. Moving a directory into its own
// subtree fails with EINVAL.
func (fs *Filesystem) Rename(ctx context.Context, oldpath, newpath string) error {
	oldN := common.NormalizePath(oldpath)
	newN := common.NormalizePath(newpath)
	if oldN == "" || newN == "" {
		return wrapErr("rename", oldpath, fmt.Errorf("cannot rename the root directory: %w", common.ErrInvalidArg))
	}
	if oldN == newN {
		return nil
	}
	if strings.HasPrefix(newN, oldN+"/") {
		return wrapErr("rename", newpath, fmt.Errorf("cannot move %q into its own subtree: %w", oldpath, common.ErrInvalidArg))
	}
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		src, err := fs.resolveWith(tx, ctx, oldN, false)
		if err != nil {
			return err
		}
		dstParent, dstName, err := fs.resolveParentWith(tx, ctx, newN)
		if err != nil {
			return err
		}
		now := nowNano()

		srcIsDir := storage.IsDir(src.inode.Mode)
		if srcIsDir {
			// The destination parent resolved through symlinks, so the
			// lexical check above is not enough: walk its ancestor chain
			// and refuse to move a directory under itself.
			for cur := dstParent; cur != storage.RootIno; {
				if cur == src.ino {
					return fmt.Errorf("cannot move %q into its own subtree: %w", oldpath, common.ErrInvalidArg)
				}
				d, err := fs.db.GetDentryForInoWith(tx, ctx, cur)
				if err != nil {
					return err
				}
				cur = d.ParentIno
			}
		}
		existing, err := fs.db.GetDentryWith(tx, ctx, dstParent, dstName)
		switch {
		case err == nil:
			if existing.Ino == src.ino {
				// same file: POSIX says do nothing
				return nil
			}
			dstInode, err := fs.db.GetInodeWith(tx, ctx, existing.Ino)
			if err != nil {
				return err
			}
			dstIsDir := storage.IsDir(dstInode.Mode)
			if srcIsDir && !dstIsDir {
				return fmt.Errorf("%q: %w", newpath, common.ErrNotDir)
			}
			if !srcIsDir && dstIsDir {
				return fmt.Errorf("%q: %w", newpath, common.ErrIsDir)
			}
			if dstIsDir {
				count, err := fs.db.CountDentriesWith(tx, ctx, existing.Ino)
				if err != nil {
					return err
				}
				if count > 0 {
					return fmt.Errorf("%q: %w", newpath, common.ErrNotEmpty)
				}
				if err := fs.db.DeleteDentryWith(tx, ctx, dstParent, dstName); err != nil {
					return err
				}
				if err := fs.db.PurgeInodeWith(tx, ctx, existing.Ino); err != nil {
					return err
				}
				if err := fs.bumpParentWith(tx, ctx, dstParent, -1, now); err != nil {
					return err
				}
			} else {
				if err := fs.db.DeleteDentryWith(tx, ctx, dstParent, dstName); err != nil {
					return err
				}
				if err := fs.dropLinkWith(tx, ctx, dstInode, now); err != nil {
					return err
				}
			}
		case errors.Is(err, common.ErrNotFound):
			// destination is free
		default:
			return err
		}

		if err := fs.db.DeleteDentryWith(tx, ctx, src.parent, src.name); err != nil {
			return err
		}
		if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
			ParentIno: dstParent,
			Name:      dstName,
			Ino:       src.ino,
		}); err != nil {
			return err
		}
		if srcIsDir && src.parent != dstParent {
			if err := fs.bumpParentWith(tx, ctx, src.parent, -1, now); err != nil {
				return err
			}
			if err := fs.bumpParentWith(tx, ctx, dstParent, +1, now); err != nil {
				return err
			}
		} else {
			if err := fs.touchParentWith(tx, ctx, src.parent, now); err != nil {
				return err
			}
			if src.parent != dstParent {
				if err := fs.touchParentWith(tx, ctx, dstParent, now); err != nil {
					return err
				}
			}
		}
		src.inode.Ctime = now
		return fs.db.UpdateInodeWith(tx, ctx, src.inode)
	})
	return wrapErr("rename", oldpath, err)
}

// --- Removal ---

// Remove deletes a file, symlink, or empty directory, dispatching on the
// entry's type without following a final symlink. Resolution and removal
// happen in one transaction so a concurrent rename cannot swap the type
// in between.
func (fs *Filesystem) Remove(ctx context.Context, path string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, false)
		if err != nil {
			return err
		}
		if storage.IsDir(r.inode.Mode) {
			return fs.rmdirWith(tx, ctx, path, r)
		}
		return fs.unlinkWith(tx, ctx, path, r)
	})
	return wrapErr("remove", path, err)
}

// RemoveAll deletes a path and everything under it. A missing path is not
// an error. On the root it removes every entry but keeps the root itself.
func (fs *Filesystem) RemoveAll(ctx context.Context, path string) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, false)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := nowNano()
		if r.ino == storage.RootIno {
			entries, err := fs.db.ListDentriesWith(tx, ctx, storage.RootIno)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := fs.removeTreeWith(tx, ctx, storage.RootIno, e.Name, e.Ino, now); err != nil {
					return err
				}
			}
			return fs.touchParentWith(tx, ctx, storage.RootIno, now)
		}
		if err := fs.removeTreeWith(tx, ctx, r.parent, r.name, r.ino, now); err != nil {
			return err
		}
		return fs.touchParentWith(tx, ctx, r.parent, now)
	})
	return wrapErr("removeall", path, err)
}

// removeTreeWith deletes one entry, recursing post-order through
// directories.
func (fs *Filesystem) removeTreeWith(tx bun.Tx, ctx context.Context, parent int64, name string, ino int64, now int64) error {
	inode, err := fs.db.GetInodeWith(tx, ctx, ino)
	if err != nil {
		return err
	}
	if storage.IsDir(inode.Mode) {
		entries, err := fs.db.ListDentriesWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fs.removeTreeWith(tx, ctx, ino, e.Name, e.Ino, now); err != nil {
				return err
			}
		}
		if err := fs.db.DeleteDentryWith(tx, ctx, parent, name); err != nil {
			return err
		}
		if err := fs.db.PurgeInodeWith(tx, ctx, ino); err != nil {
			return err
		}
		return fs.bumpParentWith(tx, ctx, parent, -1, now)
	}
	if err := fs.db.DeleteDentryWith(tx, ctx, parent, name); err != nil {
		return err
	}
	return fs.dropLinkWith(tx, ctx, inode, now)
}

// --- Whole-file convenience ---

// ReadFile reads an entire file, following symlinks.
func (fs *Filesystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		r, err := fs.resolveWith(tx, ctx, path, true)
		if err != nil {
			return err
		}
		if storage.IsDir(r.inode.Mode) {
			return fmt.Errorf("%q: %w", path, common.ErrIsDir)
		}
		data = make([]byte, r.inode.Size)
		if r.inode.Size == 0 {
			return nil
		}
		_, err = fs.readContentWith(tx, ctx, r.inode, 0, data)
		return err
	})
	if err != nil {
		return nil, wrapErr("read", path, err)
	}
	return data, nil
}

// WriteFile replaces a file's content, creating it with the given
// permission bits if missing. The whole write is one transaction.
func (fs *Filesystem) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		now := nowNano()
		inode, err := fs.resolveOrCreateFileWith(tx, ctx, path, mode, now)
		if err != nil {
			return err
		}
		if err := fs.truncateContentWith(tx, ctx, inode, 0, now); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return fs.writeContentWith(tx, ctx, inode, 0, data, now)
	})
	return wrapErr("write", path, err)
}

// resolveOrCreateFileWith resolves path to a regular file, creating the
// inode and dentry when the final component is missing.
func (fs *Filesystem) resolveOrCreateFileWith(tx bun.Tx, ctx context.Context, path string, mode uint32, now int64) (*storage.InodeModel, error) {
	r, err := fs.resolveWith(tx, ctx, path, true)
	if err == nil {
		if storage.IsDir(r.inode.Mode) {
			return nil, fmt.Errorf("%q: %w", path, common.ErrIsDir)
		}
		if !storage.IsRegular(r.inode.Mode) {
			return nil, fmt.Errorf("%q is not a regular file: %w", path, common.ErrInvalidArg)
		}
		return r.inode, nil
	}
	if !errors.Is(err, common.ErrNotFound) || r == nil {
		return nil, err
	}
	model := &storage.InodeModel{
		Mode:  storage.ModeFile | int64(mode)&storage.ModePerm,
		Nlink: 1,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	ino, err := fs.db.CreateInodeWith(tx, ctx, model)
	if err != nil {
		return nil, err
	}
	model.Ino = ino
	if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
		ParentIno: r.parent,
		Name:      r.name,
		Ino:       ino,
	}); err != nil {
		return nil, err
	}
	if err := fs.touchParentWith(tx, ctx, r.parent, now); err != nil {
		return nil, err
	}
	return model, nil
}

// --- Open files ---

// OpenFile opens a regular file with POSIX-style flags. O_CREATE creates a
// missing file with the given permission bits, O_EXCL makes that creation
// exclusive, O_TRUNC empties it, and O_APPEND routes every Write to the
// current end of file. Directories cannot be opened (EISDIR); use ReadDir.
func (fs *Filesystem) OpenFile(ctx context.Context, path string, flags int, mode uint32) (*File, error) {
	if flags&accessModeMask == accessModeMask {
		return nil, wrapErr("open", path, fmt.Errorf("invalid access mode: %w", common.ErrInvalidArg))
	}
	var file *File
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		now := nowNano()
		if flags&O_CREATE != 0 && flags&O_EXCL != 0 {
			// O_EXCL looks at the final component itself: an existing
			// symlink fails with EEXIST even when it dangles.
			_, err := fs.resolveWith(tx, ctx, path, false)
			if err == nil {
				return fmt.Errorf("%q: %w", path, common.ErrExists)
			}
			if !errors.Is(err, common.ErrNotFound) {
				return err
			}
		}
		r, err := fs.resolveWith(tx, ctx, path, true)
		var inode *storage.InodeModel
		switch {
		case err == nil:
			if storage.IsDir(r.inode.Mode) {
				return fmt.Errorf("%q: %w", path, common.ErrIsDir)
			}
			if !storage.IsRegular(r.inode.Mode) {
				return fmt.Errorf("%q is not a regular file: %w", path, common.ErrInvalidArg)
			}
			inode = r.inode
			if flags&O_TRUNC != 0 && flags&accessModeMask != O_RDONLY {
				if err := fs.truncateContentWith(tx, ctx, inode, 0, now); err != nil {
					return err
				}
			}
		case errors.Is(err, common.ErrNotFound) && r != nil && flags&O_CREATE != 0:
			model := &storage.InodeModel{
				Mode:  storage.ModeFile | int64(mode)&storage.ModePerm,
				Nlink: 1,
				Atime: now,
				Mtime: now,
				Ctime: now,
			}
			ino, err := fs.db.CreateInodeWith(tx, ctx, model)
			if err != nil {
				return err
			}
			model.Ino = ino
			if err := fs.db.InsertDentryWith(tx, ctx, &storage.DentryModel{
				ParentIno: r.parent,
				Name:      r.name,
				Ino:       ino,
			}); err != nil {
				return err
			}
			if err := fs.touchParentWith(tx, ctx, r.parent, now); err != nil {
				return err
			}
			inode = model
		default:
			return err
		}
		h := fs.handles.Allocate(inode.Ino, common.NormalizePath(path), flags)
		file = &File{fs: fs, h: h}
		return nil
	})
	if err != nil {
		return nil, wrapErr("open", path, err)
	}
	return file, nil
}

// Open opens a file read-only.
func (fs *Filesystem) Open(ctx context.Context, path string) (*File, error) {
	return fs.OpenFile(ctx, path, O_RDONLY, 0)
}

// Create opens a file read-write, creating or emptying it.
func (fs *Filesystem) Create(ctx context.Context, path string) (*File, error) {
	return fs.OpenFile(ctx, path, O_RDWR|O_CREATE|O_TRUNC, 0o644)
}

// Close releases all open handles. Unlinked inodes kept alive by handles
// are purged.
func (fs *Filesystem) Close(ctx context.Context) error {
	fs.handles.Clear()
	err := fs.inTx(ctx, func(tx bun.Tx) error {
		orphans, err := fs.db.ListUnlinkedInodesWith(tx, ctx)
		if err != nil {
			return err
		}
		for _, ino := range orphans {
			if err := fs.db.PurgeInodeWith(tx, ctx, ino); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fs.logger.WithError(err).Warn("failed to purge orphaned inodes on close")
	}
	return nil
}
