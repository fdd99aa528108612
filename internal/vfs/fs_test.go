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
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

func newTestFS(t *testing.T, cfg storage.Config) *Filesystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.agentfs")
	store, err := storage.Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestMkdirAndStat(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Mkdir(ctx, "/dir", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	info, err := fs.Stat(ctx, "/dir")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
	if info.PosixMode() != uint32(storage.ModeDir|0o755) {
		t.Errorf("mode = %o, want %o", info.PosixMode(), storage.ModeDir|0o755)
	}
	if info.Nlink() != 2 {
		t.Errorf("nlink = %d, want 2", info.Nlink())
	}

	err = fs.Mkdir(ctx, "/dir", 0o755)
	if Errno(err) != EEXIST {
		t.Errorf("second Mkdir errno = %d, want EEXIST", Errno(err))
	}

	err = fs.Mkdir(ctx, "/missing/sub", 0o755)
	if Errno(err) != ENOENT {
		t.Errorf("Mkdir under missing parent errno = %d, want ENOENT", Errno(err))
	}
}

func TestMkdirBumpsParentNlink(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Mkdir(ctx, "/a", 0o755); err != nil {
		t.Fatal(err)
	}
	root, err := fs.Stat(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if root.Nlink() != 3 {
		t.Errorf("root nlink = %d, want 3 after one subdir", root.Nlink())
	}
	if err := fs.Rmdir(ctx, "/a"); err != nil {
		t.Fatal(err)
	}
	root, err = fs.Stat(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if root.Nlink() != 2 {
		t.Errorf("root nlink = %d, want 2 after rmdir", root.Nlink())
	}
}

func TestMkdirAll(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/a/b/c", 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		info, err := fs.Stat(ctx, p)
		if err != nil {
			t.Fatalf("Stat %s: %v", p, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", p)
		}
	}
	// idempotent
	if err := fs.MkdirAll(ctx, "/a/b/c", 0o750); err != nil {
		t.Errorf("repeat MkdirAll: %v", err)
	}
	// a file in the way
	if err := fs.WriteFile(ctx, "/a/b/file", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := fs.MkdirAll(ctx, "/a/b/file/d", 0o755)
	if Errno(err) != ENOTDIR {
		t.Errorf("errno = %d, want ENOTDIR", Errno(err))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t, storage.Config{ChunkSize: 64})
	ctx := context.Background()

	// spans several chunks with a ragged tail
	data := bytes.Repeat([]byte("0123456789abcdef"), 20)
	data = append(data, []byte("tail")...)
	if err := fs.WriteFile(ctx, "/f", data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip mismatch")
	}
	info, err := fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("size = %d, want %d", info.Size(), len(data))
	}
}

func TestWriteFileReplaces(t *testing.T) {
	fs := newTestFS(t, storage.Config{ChunkSize: 16})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", bytes.Repeat([]byte("long"), 32), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/f", []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "short" {
		t.Errorf("content = %q, want %q", got, "short")
	}
}

func TestSparseFile(t *testing.T) {
	fs := newTestFS(t, storage.Config{ChunkSize: 32})
	ctx := context.Background()

	f, err := fs.OpenFile(ctx, "/sparse", O_RDWR|O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close(ctx)

	// write far past the start, leaving a hole
	if _, err := f.WriteAt(ctx, []byte("end"), 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := fs.ReadFile(ctx, "/sparse")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 103 {
		t.Fatalf("size = %d, want 103", len(got))
	}
	if !bytes.Equal(got[:100], make([]byte, 100)) {
		t.Error("hole should read as zeros")
	}
	if string(got[100:]) != "end" {
		t.Errorf("tail = %q", got[100:])
	}
}

func TestTruncate(t *testing.T) {
	fs := newTestFS(t, storage.Config{ChunkSize: 8})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("hello world, hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Truncate(ctx, "/f", 5); err != nil {
		t.Fatalf("Truncate down: %v", err)
	}
	got, err := fs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q", got)
	}

	// growing zero-fills
	if err := fs.Truncate(ctx, "/f", 12); err != nil {
		t.Fatalf("Truncate up: %v", err)
	}
	got, err = fs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, append([]byte("hello"), make([]byte, 7)...)) {
		t.Errorf("content = %q", got)
	}

	err = fs.Truncate(ctx, "/f", -1)
	if Errno(err) != EINVAL {
		t.Errorf("negative size errno = %d, want EINVAL", Errno(err))
	}
}

func TestRmdirNotEmpty(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/d/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := fs.Rmdir(ctx, "/d")
	if Errno(err) != ENOTEMPTY {
		t.Errorf("errno = %d, want ENOTEMPTY", Errno(err))
	}
	if err := fs.Unlink(ctx, "/d/f"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(ctx, "/d"); err != nil {
		t.Errorf("Rmdir after emptying: %v", err)
	}
}

func TestReadDirSorted(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := fs.WriteFile(ctx, "/"+name, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := fs.ReadDir(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, e.Name, want[i])
		}
	}

	_, err = fs.ReadDir(ctx, "/alpha")
	if Errno(err) != ENOTDIR {
		t.Errorf("ReadDir on file errno = %d, want ENOTDIR", Errno(err))
	}
}

func TestSymlinkResolution(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/real/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/real/dir/f", []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/real/dir", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	got, err := fs.ReadFile(ctx, "/link/f")
	if err != nil {
		t.Fatalf("read through symlink: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("content = %q", got)
	}

	target, err := fs.Readlink(ctx, "/link")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/real/dir" {
		t.Errorf("target = %q", target)
	}

	// Lstat sees the link, Stat follows it
	li, err := fs.Lstat(ctx, "/link")
	if err != nil {
		t.Fatal(err)
	}
	if !li.IsSymlink() {
		t.Error("Lstat should see a symlink")
	}
	si, err := fs.Stat(ctx, "/link")
	if err != nil {
		t.Fatal(err)
	}
	if !si.IsDir() {
		t.Error("Stat should follow to the directory")
	}
}

func TestSymlinkRelativeTarget(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/a/b", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/a/target", []byte("rel"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "../target", "/a/b/link"); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, "/a/b/link")
	if err != nil {
		t.Fatalf("relative symlink: %v", err)
	}
	if string(got) != "rel" {
		t.Errorf("content = %q", got)
	}
}

func TestSymlinkLoop(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Symlink(ctx, "/b", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/a", "/b"); err != nil {
		t.Fatal(err)
	}
	_, err := fs.Stat(ctx, "/a")
	if Errno(err) != ELOOP {
		t.Errorf("errno = %d, want ELOOP", Errno(err))
	}
	if !errors.Is(err, common.ErrLoop) {
		t.Error("expected ErrLoop sentinel")
	}
}

func TestDanglingSymlink(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Symlink(ctx, "/nowhere", "/dangle"); err != nil {
		t.Fatal(err)
	}
	ok, err := fs.Exists(ctx, "/dangle")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("dangling symlink should not exist through Stat")
	}
	if _, err := fs.Lstat(ctx, "/dangle"); err != nil {
		t.Errorf("Lstat should still see it: %v", err)
	}
}

func TestUnlinkKeepsOpenHandle(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("still here"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := fs.Open(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(ctx, "/f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fs.Stat(ctx, "/f"); Errno(err) != ENOENT {
		t.Errorf("path should be gone, errno = %d", Errno(err))
	}

	buf := make([]byte, 10)
	n, err := f.Read(ctx, buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read after unlink: %v", err)
	}
	if string(buf[:n]) != "still here" {
		t.Errorf("content = %q", buf[:n])
	}

	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// handle is dead now
	if _, err := f.Read(ctx, buf); Errno(err) != EBADF {
		t.Errorf("read after close errno = %d, want EBADF", Errno(err))
	}
}

func TestPerHandleOffsets(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("abcdefgh"), 0o644); err != nil {
		t.Fatal(err)
	}
	f1, err := fs.Open(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close(ctx)
	f2, err := fs.Open(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close(ctx)

	buf := make([]byte, 4)
	if _, err := f1.Read(ctx, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abcd" {
		t.Errorf("f1 read %q", buf)
	}
	if _, err := f2.Read(ctx, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abcd" {
		t.Errorf("f2 should start at 0, read %q", buf)
	}
	if _, err := f1.Read(ctx, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "efgh" {
		t.Errorf("f1 second read %q", buf)
	}
}

func TestOpenFlags(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	// O_EXCL on an existing file
	if err := fs.WriteFile(ctx, "/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := fs.OpenFile(ctx, "/f", O_WRONLY|O_CREATE|O_EXCL, 0o644)
	if Errno(err) != EEXIST {
		t.Errorf("O_EXCL errno = %d, want EEXIST", Errno(err))
	}

	// no O_CREATE on a missing file
	_, err = fs.OpenFile(ctx, "/missing", O_RDONLY, 0)
	if Errno(err) != ENOENT {
		t.Errorf("errno = %d, want ENOENT", Errno(err))
	}

	// opening a directory fails
	if err := fs.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = fs.OpenFile(ctx, "/d", O_RDONLY, 0)
	if Errno(err) != EISDIR {
		t.Errorf("errno = %d, want EISDIR", Errno(err))
	}

	// O_TRUNC empties
	f, err := fs.OpenFile(ctx, "/f", O_WRONLY|O_TRUNC, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Close(ctx)
	info, err := fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("size after O_TRUNC = %d", info.Size())
	}

	// write on a read-only handle
	ro, err := fs.Open(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close(ctx)
	if _, err := ro.Write(ctx, []byte("no")); Errno(err) != EBADF {
		t.Errorf("write on O_RDONLY errno = %d, want EBADF", Errno(err))
	}
}

func TestAppend(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/log", []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := fs.OpenFile(ctx, "/log", O_WRONLY|O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(ctx, []byte("two\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(ctx, []byte("three\n")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, "/log")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one\ntwo\nthree\n" {
		t.Errorf("content = %q", got)
	}
}

func TestSeek(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := fs.Open(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close(ctx)

	pos, err := f.Seek(ctx, -3, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 7 {
		t.Errorf("pos = %d, want 7", pos)
	}
	buf := make([]byte, 3)
	if _, err := f.Read(ctx, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "789" {
		t.Errorf("read %q", buf)
	}
	if _, err := f.Seek(ctx, -1, io.SeekStart); Errno(err) != EINVAL {
		t.Error("negative seek should fail with EINVAL")
	}
}

func TestRename(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/src/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/src/sub/f", []byte("moved"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, "/src", "/dst"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := fs.ReadFile(ctx, "/dst/sub/f")
	if err != nil {
		t.Fatalf("read after rename: %v", err)
	}
	if string(got) != "moved" {
		t.Errorf("content = %q", got)
	}
	if _, err := fs.Stat(ctx, "/src"); Errno(err) != ENOENT {
		t.Error("old path should be gone")
	}
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/a/b", 0o755); err != nil {
		t.Fatal(err)
	}
	err := fs.Rename(ctx, "/a", "/a/b/c")
	if Errno(err) != EINVAL {
		t.Errorf("errno = %d, want EINVAL", Errno(err))
	}
}

func TestRenameReplace(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/old", []byte("new content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/existing", []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, "/old", "/existing"); err != nil {
		t.Fatalf("replacing rename: %v", err)
	}
	got, err := fs.ReadFile(ctx, "/existing")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new content" {
		t.Errorf("content = %q", got)
	}

	// a file cannot replace a directory
	if err := fs.Mkdir(ctx, "/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, "/f", "/dir"); Errno(err) != EISDIR {
		t.Errorf("errno = %d, want EISDIR", Errno(err))
	}
	// a directory cannot replace a non-empty directory
	if err := fs.MkdirAll(ctx, "/full/child", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mkdir(ctx, "/empty", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, "/empty", "/full"); Errno(err) != ENOTEMPTY {
		t.Error("want ENOTEMPTY")
	}
}

func TestHardLink(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/orig", []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Link(ctx, "/orig", "/alias"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	oi, err := fs.Stat(ctx, "/orig")
	if err != nil {
		t.Fatal(err)
	}
	ai, err := fs.Stat(ctx, "/alias")
	if err != nil {
		t.Fatal(err)
	}
	if oi.Ino() != ai.Ino() {
		t.Error("hard link should share the inode")
	}
	if oi.Nlink() != 2 {
		t.Errorf("nlink = %d, want 2", oi.Nlink())
	}

	// content survives unlinking the original name
	if err := fs.Unlink(ctx, "/orig"); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, "/alias")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "shared" {
		t.Errorf("content = %q", got)
	}

	// directories cannot be hard-linked
	if err := fs.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Link(ctx, "/d", "/dlink"); Errno(err) != EPERM {
		t.Error("want EPERM for directory hard link")
	}
}

func TestRemoveAll(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.MkdirAll(ctx, "/tree/a/b", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/tree/a/f1", []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/tree/a/b/f2", []byte("2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.RemoveAll(ctx, "/tree"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := fs.Stat(ctx, "/tree"); Errno(err) != ENOENT {
		t.Error("tree should be gone")
	}
	// missing path is fine
	if err := fs.RemoveAll(ctx, "/tree"); err != nil {
		t.Errorf("RemoveAll on missing path: %v", err)
	}
}

func TestChmodChown(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chmod(ctx, "/f", 0o4700); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	info, err := fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.PosixMode() != uint32(storage.ModeFile|0o4700) {
		t.Errorf("mode = %o, want %o", info.PosixMode(), storage.ModeFile|0o4700)
	}
	if !info.IsRegular() {
		t.Error("type bits must survive chmod")
	}

	if err := fs.Chown(ctx, "/f", 1000, 1000); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	info, err = fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Uid() != 1000 || info.Gid() != 1000 {
		t.Errorf("owner = %d:%d", info.Uid(), info.Gid())
	}
	// -1 leaves a field alone
	if err := fs.Chown(ctx, "/f", -1, 2000); err != nil {
		t.Fatal(err)
	}
	info, err = fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Uid() != 1000 || info.Gid() != 2000 {
		t.Errorf("owner = %d:%d, want 1000:2000", info.Uid(), info.Gid())
	}
}

func TestQuota(t *testing.T) {
	fs := newTestFS(t, storage.Config{ChunkSize: 1024, MaxBytes: 4096})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/small", make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write under quota: %v", err)
	}
	err := fs.WriteFile(ctx, "/big", make([]byte, 1<<20), 0o644)
	if Errno(err) != ENOSPC {
		t.Fatalf("errno = %d, want ENOSPC", Errno(err))
	}
	// the failed write rolled back entirely
	if _, err := fs.Stat(ctx, "/big"); Errno(err) != ENOENT {
		t.Error("failed write should leave nothing behind")
	}
	// freeing space makes room again
	if err := fs.Unlink(ctx, "/small"); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/other", make([]byte, 2048), 0o644); err != nil {
		t.Errorf("write after freeing space: %v", err)
	}
}

func TestConcurrentMkdirSingleWinner(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fs.Mkdir(ctx, "/contested", 0o755)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if Errno(err) != EEXIST {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestEncryptedContent(t *testing.T) {
	fs := newTestFS(t, storage.Config{Passphrase: "sekrit", ChunkSize: 32})
	ctx := context.Background()

	data := bytes.Repeat([]byte("confidential "), 20)
	if err := fs.WriteFile(ctx, "/secret", data, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, "/secret")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip mismatch under encryption")
	}

	if err := fs.Symlink(ctx, "/secret", "/sl"); err != nil {
		t.Fatal(err)
	}
	target, err := fs.Readlink(ctx, "/sl")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/secret" {
		t.Errorf("target = %q", target)
	}
}

func TestPathNormalization(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Mkdir(ctx, "/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "dir/../dir/./f", []byte("x"), 0o644); err != nil {
		t.Fatalf("messy path: %v", err)
	}
	if _, err := fs.Stat(ctx, "//dir///f"); err != nil {
		t.Errorf("doubled slashes: %v", err)
	}
	// ".." clamps at the root
	if _, err := fs.Stat(ctx, "/../../dir/f"); err != nil {
		t.Errorf("dotdot past root: %v", err)
	}
}

func TestNameTooLong(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	long := bytes.Repeat([]byte("n"), common.MaxNameLen+1)
	err := fs.Mkdir(ctx, "/"+string(long), 0o755)
	if Errno(err) != ENAMETOOLONG {
		t.Errorf("errno = %d, want ENAMETOOLONG", Errno(err))
	}
}

func TestRenameIntoOwnSubtreeViaSymlink(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, "/d/keep.txt", []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/d", "/s"); err != nil {
		t.Fatal(err)
	}

	// the destination parent resolves through the symlink back to /d itself
	err := fs.Rename(ctx, "/d", "/s/x")
	if Errno(err) != EINVAL {
		t.Fatalf("rename through symlink alias errno = %d, want EINVAL", Errno(err))
	}
	if !errors.Is(err, common.ErrInvalidArg) {
		t.Errorf("err = %v, want ErrInvalidArg", err)
	}

	// the directory and its content must be untouched
	if _, err := fs.Stat(ctx, "/d"); err != nil {
		t.Fatalf("Stat /d after failed rename: %v", err)
	}
	data, err := fs.ReadFile(ctx, "/d/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile after failed rename: %v", err)
	}
	if string(data) != "keep" {
		t.Errorf("content = %q", data)
	}

	// deeper alias: symlink to a subdirectory of the source
	if err := fs.Mkdir(ctx, "/d/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/d/sub", "/s2"); err != nil {
		t.Fatal(err)
	}
	err = fs.Rename(ctx, "/d", "/s2/x")
	if Errno(err) != EINVAL {
		t.Errorf("rename into aliased subdirectory errno = %d, want EINVAL", Errno(err))
	}

	// an unrelated destination reached through a symlink still works
	if err := fs.Mkdir(ctx, "/other", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/other", "/so"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, "/d", "/so/moved"); err != nil {
		t.Fatalf("rename to unrelated symlinked dir: %v", err)
	}
	if _, err := fs.Stat(ctx, "/other/moved/keep.txt"); err != nil {
		t.Errorf("moved content missing: %v", err)
	}
}

func TestWriteOffsetUnchangedOnError(t *testing.T) {
	fs := newTestFS(t, storage.Config{MaxBytes: 256})
	ctx := context.Background()

	f, err := fs.OpenFile(ctx, "/f", O_RDWR|O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close(ctx)

	if _, err := f.Write(ctx, []byte("head")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(ctx, make([]byte, 1024)); Errno(err) != ENOSPC {
		t.Fatalf("oversized write errno = %d, want ENOSPC", Errno(err))
	}

	// the failed write must not have moved the offset
	pos, err := f.Seek(ctx, 0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 4 {
		t.Fatalf("offset after failed write = %d, want 4", pos)
	}
	if _, err := f.Write(ctx, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	data, err := fs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "headtail" {
		t.Errorf("content = %q, want %q", data, "headtail")
	}
}

func TestOpenExclSymlink(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	// dangling symlink: O_EXCL looks at the link itself
	if err := fs.Symlink(ctx, "/missing", "/dangling"); err != nil {
		t.Fatal(err)
	}
	_, err := fs.OpenFile(ctx, "/dangling", O_WRONLY|O_CREATE|O_EXCL, 0o644)
	if Errno(err) != EEXIST {
		t.Fatalf("O_EXCL on dangling symlink errno = %d, want EEXIST", Errno(err))
	}
	if ok, _ := fs.Exists(ctx, "/missing"); ok {
		t.Error("target created through dangling symlink")
	}

	// resolving symlink behaves the same
	if err := fs.WriteFile(ctx, "/real", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/real", "/alias"); err != nil {
		t.Fatal(err)
	}
	_, err = fs.OpenFile(ctx, "/alias", O_WRONLY|O_CREATE|O_EXCL, 0o644)
	if Errno(err) != EEXIST {
		t.Errorf("O_EXCL on symlink errno = %d, want EEXIST", Errno(err))
	}
}

func TestChtimes(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	atime := time.Unix(1000, 500)
	mtime := time.Unix(2000, 700)
	if err := fs.Chtimes(ctx, "/f", atime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	info, err := fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}
	if !info.AccessTime().Equal(atime) {
		t.Errorf("atime = %v, want %v", info.AccessTime(), atime)
	}

	// follows a final symlink
	if err := fs.Symlink(ctx, "/f", "/ln"); err != nil {
		t.Fatal(err)
	}
	mtime2 := time.Unix(3000, 0)
	if err := fs.Chtimes(ctx, "/ln", atime, mtime2); err != nil {
		t.Fatal(err)
	}
	info, err = fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime2) {
		t.Errorf("mtime through symlink = %v, want %v", info.ModTime(), mtime2)
	}

	if err := fs.Chtimes(ctx, "/nope", atime, mtime); Errno(err) != ENOENT {
		t.Errorf("Chtimes on missing path errno = %d, want ENOENT", Errno(err))
	}
}

func TestRemoveDispatch(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(ctx, "/f"); err != nil {
		t.Fatalf("Remove file: %v", err)
	}

	if err := fs.Mkdir(ctx, "/d", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(ctx, "/d"); err != nil {
		t.Fatalf("Remove empty dir: %v", err)
	}

	if err := fs.MkdirAll(ctx, "/full/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(ctx, "/full"); Errno(err) != ENOTEMPTY {
		t.Errorf("Remove non-empty dir errno = %d, want ENOTEMPTY", Errno(err))
	}

	// a final symlink is removed, not followed
	if err := fs.WriteFile(ctx, "/target", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink(ctx, "/target", "/ln"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(ctx, "/ln"); err != nil {
		t.Fatalf("Remove symlink: %v", err)
	}
	if ok, _ := fs.Exists(ctx, "/target"); !ok {
		t.Error("symlink target removed")
	}

	if err := fs.Remove(ctx, "/"); Errno(err) != EINVAL {
		t.Errorf("Remove root errno = %d, want EINVAL", Errno(err))
	}
}

func TestClosePurgesOrphans(t *testing.T) {
	fs := newTestFS(t, storage.Config{})
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/f", []byte("orphan"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := fs.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Open(ctx, "/f"); err != nil {
		t.Fatal(err)
	}
	// the open handle keeps the unlinked inode alive
	if err := fs.Unlink(ctx, "/f"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = fs.Store().BunDB().GetInode(ctx, info.Ino())
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("orphaned inode still present after close: %v", err)
	}
}
