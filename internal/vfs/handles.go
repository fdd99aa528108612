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
	"sync"
)

// HandleID identifies an open file handle.
type HandleID uint64

// handle is the state behind one open file. The offset is per-handle;
// two handles on the same inode advance independently. mu serializes
// operations on a single handle, not across handles.
type handle struct {
	id     HandleID
	ino    int64
	path   string
	flags  int
	offset int64
	closed bool
	mu     sync.Mutex
}

func (h *handle) readable() bool {
	return h.flags&accessModeMask != O_WRONLY
}

func (h *handle) writable() bool {
	return h.flags&accessModeMask != O_RDONLY
}

// HandleManager tracks open handles and per-inode open counts. The open
// count is what defers purging an unlinked inode until its last handle
// closes.
type HandleManager struct {
	mu      sync.Mutex
	handles map[HandleID]*handle
	next    HandleID
	opens   map[int64]int
}

// NewHandleManager creates an empty handle manager.
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles: make(map[HandleID]*handle),
		next:    1,
		opens:   make(map[int64]int),
	}
}

// Allocate registers a new handle for an inode.
func (hm *HandleManager) Allocate(ino int64, path string, flags int) *handle {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h := &handle{
		id:    hm.next,
		ino:   ino,
		path:  path,
		flags: flags,
	}
	hm.next++
	hm.handles[h.id] = h
	hm.opens[ino]++
	return h
}

// Release removes a handle and returns the number of handles still open on
// its inode. Releasing an unknown handle returns -1.
func (hm *HandleManager) Release(id HandleID) int {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h, ok := hm.handles[id]
	if !ok {
		return -1
	}
	delete(hm.handles, id)
	remaining := hm.opens[h.ino] - 1
	if remaining <= 0 {
		delete(hm.opens, h.ino)
		remaining = 0
	} else {
		hm.opens[h.ino] = remaining
	}
	return remaining
}

// OpenCount returns how many handles are open on an inode.
func (hm *HandleManager) OpenCount(ino int64) int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.opens[ino]
}

// Len returns the number of open handles.
func (hm *HandleManager) Len() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.handles)
}

// Clear drops all handles, marking each closed so lingering File values
// fail with EBADF instead of touching freed state.
func (hm *HandleManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for id, h := range hm.handles {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		delete(hm.handles, id)
	}
	hm.opens = make(map[int64]int)
}
