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

package common

import (
	"fmt"
	"path"
	"strings"
)

// MaxNameLen bounds a single path component, matching the common POSIX
// NAME_MAX of 255 bytes.
const MaxNameLen = 255

// NormalizePath cleans a slash-separated path, removing leading/trailing
// slashes and resolving "." and ".." lexically. ".." at the root stays at
// the root. The empty string denotes the root directory.
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components after normalization.
// The root path yields a nil slice.
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins components and normalizes the result.
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent directory of a path, "" for the root.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the final component of a path, "" for the root.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// ValidateName rejects entry names that may not appear in a directory:
// empty, ".", "..", names containing a slash or NUL byte, and names longer
// than MaxNameLen.
func ValidateName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("invalid entry name %q: %w", name, ErrInvalidArg)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid entry name %q: %w", name, ErrInvalidArg)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("entry name exceeds %d bytes: %w", MaxNameLen, ErrNameTooLong)
	}
	return nil
}
