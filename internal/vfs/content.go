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

// readContentWith reads file content starting at offset into buf, clamped to
// the inode's size. Missing chunks are holes and read as zeros. Returns the
// number of bytes read and io.EOF when offset is at or past end of file.
func (fs *Filesystem) readContentWith(idb bun.IDB, ctx context.Context, inode *storage.InodeModel, offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", offset, common.ErrInvalidArg)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if offset >= inode.Size {
		return 0, io.EOF
	}

	n := int64(len(buf))
	if offset+n > inode.Size {
		n = inode.Size - offset
	}
	chunkSize := fs.chunkSize
	startChunk := offset / chunkSize
	endChunk := (offset + n - 1) / chunkSize

	pos := int64(0)
	for ci := startChunk; ci <= endChunk; ci++ {
		chunkStart := ci * chunkSize
		from := int64(0)
		if ci == startChunk {
			from = offset - chunkStart
		}
		to := chunkSize
		if chunkStart+to > offset+n {
			to = offset + n - chunkStart
		}

		seg := buf[pos : pos+(to-from)]
		for i := range seg {
			seg[i] = 0
		}

		sealed, err := fs.db.GetChunkWith(idb, ctx, inode.Ino, ci)
		if err != nil {
			return int(pos), err
		}
		if sealed != nil {
			plain, err := fs.codec.Open(sealed)
			if err != nil {
				return int(pos), err
			}
			if from < int64(len(plain)) {
				copy(seg, plain[from:])
			}
		}
		pos += to - from
	}
	return int(n), nil
}

// writeContentWith writes data at offset, growing the file if needed, and
// updates the inode's size and times. Partial chunks are read, modified, and
// resealed. The quota is checked after the write so an overrun rolls back
// with the transaction.
func (fs *Filesystem) writeContentWith(idb bun.IDB, ctx context.Context, inode *storage.InodeModel, offset int64, data []byte, now int64) error {
	if offset < 0 {
		return fmt.Errorf("negative offset %d: %w", offset, common.ErrInvalidArg)
	}
	chunkSize := fs.chunkSize
	end := offset + int64(len(data))

	pos := int64(0)
	for off := offset; off < end; {
		ci := off / chunkSize
		chunkOff := off - ci*chunkSize
		n := chunkSize - chunkOff
		if off+n > end {
			n = end - off
		}

		var plain []byte
		if chunkOff > 0 || n < chunkSize {
			// partial chunk write: preserve existing bytes around it
			sealed, err := fs.db.GetChunkWith(idb, ctx, inode.Ino, ci)
			if err != nil {
				return err
			}
			if sealed != nil {
				plain, err = fs.codec.Open(sealed)
				if err != nil {
					return err
				}
			}
		}
		if int64(len(plain)) < chunkOff+n {
			grown := make([]byte, chunkOff+n)
			copy(grown, plain)
			plain = grown
		}
		copy(plain[chunkOff:], data[pos:pos+n])

		sealed, err := fs.codec.Seal(plain)
		if err != nil {
			return err
		}
		if err := fs.db.UpsertChunkWith(idb, ctx, inode.Ino, ci, sealed); err != nil {
			return err
		}
		off += n
		pos += n
	}

	if end > inode.Size {
		inode.Size = end
	}
	inode.Mtime = now
	inode.Ctime = now
	if err := fs.db.UpdateInodeWith(idb, ctx, inode); err != nil {
		return err
	}

	if fs.maxBytes > 0 {
		total, err := fs.db.TotalContentBytesWith(idb, ctx)
		if err != nil {
			return err
		}
		if total > fs.maxBytes {
			return fmt.Errorf("store exceeds %d bytes: %w", fs.maxBytes, common.ErrNoSpace)
		}
	}
	return nil
}

// truncateContentWith sets the file size. Shrinking drops whole chunks past
// the new end and trims the final partial chunk; growing just extends the
// size, leaving a hole that reads as zeros.
func (fs *Filesystem) truncateContentWith(idb bun.IDB, ctx context.Context, inode *storage.InodeModel, size, now int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d: %w", size, common.ErrInvalidArg)
	}
	if size < inode.Size {
		chunkSize := fs.chunkSize
		keepChunks := size / chunkSize
		rem := size - keepChunks*chunkSize
		deleteFrom := keepChunks
		if rem > 0 {
			deleteFrom = keepChunks + 1
		}
		if err := fs.db.DeleteChunksFromWith(idb, ctx, inode.Ino, deleteFrom); err != nil {
			return err
		}
		if rem > 0 {
			sealed, err := fs.db.GetChunkWith(idb, ctx, inode.Ino, keepChunks)
			if err != nil {
				return err
			}
			if sealed != nil {
				plain, err := fs.codec.Open(sealed)
				if err != nil {
					return err
				}
				if int64(len(plain)) > rem {
					resealed, err := fs.codec.Seal(plain[:rem])
					if err != nil {
						return err
					}
					if err := fs.db.UpsertChunkWith(idb, ctx, inode.Ino, keepChunks, resealed); err != nil {
						return err
					}
				}
			}
		}
	}
	inode.Size = size
	inode.Mtime = now
	inode.Ctime = now
	return fs.db.UpdateInodeWith(idb, ctx, inode)
}
