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
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// resolved is the outcome of a path walk. When the walk succeeds, ino and
// inode describe the final component. parent and name are always set for
// non-root results so create operations can reuse a failed lookup.
type resolved struct {
	ino    int64
	inode  *storage.InodeModel
	parent int64
	name   string
}

// splitComponents breaks a path into its raw components. "." and empty
// segments are dropped; ".." is kept and handled during the walk so that
// symlink expansion sees it.
func splitComponents(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// resolveWith walks a path from the root, expanding symlinks in place.
// followLast controls whether a symlink in the final position is itself
// followed (Stat) or returned as-is (Lstat, Unlink, Readlink).
//
// The walk maintains a stack of traversed directory inodes so that ".."
// always refers to the directory actually entered, including through
// symlinks. ".." at the root stays at the root. Each symlink expansion
// counts as one hop; more than storage.MaxSymlinkHops hops fails with
// common.ErrLoop.
func (fs *Filesystem) resolveWith(idb bun.IDB, ctx context.Context, path string, followLast bool) (*resolved, error) {
	comps := splitComponents(path)
	stack := []int64{storage.RootIno}
	hops := 0

	for len(comps) > 0 {
		name := comps[0]
		comps = comps[1:]
		last := len(comps) == 0

		if name == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if err := common.ValidateName(name); err != nil {
			return nil, err
		}

		dirIno := stack[len(stack)-1]
		dentry, err := fs.db.GetDentryWith(idb, ctx, dirIno, name)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) && last {
				// surface the parent so callers can create here
				return &resolved{parent: dirIno, name: name}, common.ErrNotFound
			}
			return nil, err
		}
		inode, err := fs.db.GetInodeWith(idb, ctx, dentry.Ino)
		if err != nil {
			return nil, err
		}

		if storage.IsSymlink(inode.Mode) && (!last || followLast) {
			hops++
			if hops > storage.MaxSymlinkHops {
				return nil, fmt.Errorf("resolving %q: %w", path, common.ErrLoop)
			}
			target, err := fs.readSymlinkWith(idb, ctx, dentry.Ino)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
			}
			comps = append(splitComponents(target), comps...)
			continue
		}

		if !last {
			if !storage.IsDir(inode.Mode) {
				return nil, fmt.Errorf("component %q: %w", name, common.ErrNotDir)
			}
			stack = append(stack, dentry.Ino)
			continue
		}

		return &resolved{ino: dentry.Ino, inode: inode, parent: dirIno, name: name}, nil
	}

	// Path exhausted: the result is the directory on top of the stack
	// (the root, or wherever ".." components landed).
	ino := stack[len(stack)-1]
	inode, err := fs.db.GetInodeWith(idb, ctx, ino)
	if err != nil {
		return nil, err
	}
	parent := int64(storage.RootIno)
	if len(stack) > 1 {
		parent = stack[len(stack)-2]
	}
	return &resolved{ino: ino, inode: inode, parent: parent}, nil
}

// resolveParentWith resolves the directory containing the final component of
// path, following symlinks all the way, and validates the final name. Used by
// operations that create or remove an entry.
func (fs *Filesystem) resolveParentWith(idb bun.IDB, ctx context.Context, path string) (parentIno int64, name string, err error) {
	p := common.NormalizePath(path)
	if p == "" {
		return 0, "", fmt.Errorf("path %q is the root: %w", path, common.ErrInvalidArg)
	}
	name = common.BaseName(p)
	if err := common.ValidateName(name); err != nil {
		return 0, "", err
	}
	r, err := fs.resolveWith(idb, ctx, common.ParentPath(p), true)
	if err != nil {
		return 0, "", err
	}
	if !storage.IsDir(r.inode.Mode) {
		return 0, "", fmt.Errorf("parent of %q: %w", path, common.ErrNotDir)
	}
	return r.ino, name, nil
}

// readSymlinkWith fetches and unseals a symlink target.
func (fs *Filesystem) readSymlinkWith(idb bun.IDB, ctx context.Context, ino int64) (string, error) {
	sealed, err := fs.db.GetSymlinkWith(idb, ctx, ino)
	if err != nil {
		return "", err
	}
	target, err := fs.codec.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(target), nil
}
