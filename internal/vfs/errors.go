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

	"agentfs/internal/common"
)

// Errno values, fixed to the Linux numbering so persisted and reported codes
// are identical on every platform.
const (
	EPERM        = 1
	ENOENT       = 2
	EINTR        = 4
	EIO          = 5
	EBADF        = 9
	EACCES       = 13
	EEXIST       = 17
	ENOTDIR      = 20
	EISDIR       = 21
	EINVAL       = 22
	ENOSPC       = 28
	EROFS        = 30
	ENAMETOOLONG = 36
	ENOTEMPTY    = 39
	ELOOP        = 40
)

// errnoText mirrors strerror for the subset of codes the filesystem emits.
var errnoText = map[int]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EINTR:        "interrupted system call",
	EIO:          "input/output error",
	EBADF:        "bad file descriptor",
	EACCES:       "permission denied",
	EEXIST:       "file exists",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	ENOSPC:       "no space left on device",
	EROFS:        "read-only file system",
	ENAMETOOLONG: "file name too long",
	ENOTEMPTY:    "directory not empty",
	ELOOP:        "too many levels of symbolic links",
}

// FSError is the error type returned by every filesystem operation. It
// carries a POSIX errno, the operation name, and the path involved, while
// still unwrapping to the underlying sentinel for errors.Is checks.
type FSError struct {
	Errno   int
	Syscall string
	Path    string
	Err     error
}

func (e *FSError) Error() string {
	text := errnoText[e.Errno]
	if text == "" {
		text = fmt.Sprintf("errno %d", e.Errno)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Syscall, e.Path, text)
	}
	return fmt.Sprintf("%s: %s", e.Syscall, text)
}

func (e *FSError) Unwrap() error { return e.Err }

// errnoOf classifies any internal error into an errno. Unrecognized errors
// fall back to EIO so the mapping is total.
func errnoOf(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidArg):
		return EINVAL
	case errors.Is(err, common.ErrInvalidHandle):
		return EBADF
	case errors.Is(err, common.ErrLoop):
		return ELOOP
	case errors.Is(err, common.ErrNameTooLong):
		return ENAMETOOLONG
	case errors.Is(err, common.ErrNotPermitted):
		return EPERM
	case errors.Is(err, common.ErrReadOnly):
		return EROFS
	case errors.Is(err, common.ErrNoSpace):
		return ENOSPC
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return EINTR
	default:
		// covers common.ErrIntegrity, common.ErrIO, driver errors, and
		// anything else: never a gap
		return EIO
	}
}

// wrapErr attaches syscall and path context to an error and classifies it.
// An error that is already an *FSError passes through unchanged so the
// innermost operation wins.
func wrapErr(syscallName, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FSError
	if errors.As(err, &fe) {
		return err
	}
	return &FSError{
		Errno:   errnoOf(err),
		Syscall: syscallName,
		Path:    path,
		Err:     err,
	}
}

// Errno extracts the errno from an error, defaulting to EIO for non-nil
// errors that carry no FSError. Returns 0 for nil.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var fe *FSError
	if errors.As(err, &fe) {
		return fe.Errno
	}
	return errnoOf(err)
}

// Convenience predicates in the style of the os package.

func IsNotExist(err error) bool { return Errno(err) == ENOENT }
func IsExist(err error) bool    { return Errno(err) == EEXIST }
func IsNotDir(err error) bool   { return Errno(err) == ENOTDIR }
func IsNotEmpty(err error) bool { return Errno(err) == ENOTEMPTY }
func IsLoop(err error) bool     { return Errno(err) == ELOOP }
func IsBadHandle(err error) bool {
	return Errno(err) == EBADF
}
