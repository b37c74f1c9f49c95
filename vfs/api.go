// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"io"
	"io/fs"
	"path/filepath"
	"time"
)

const (
	Separator = string(filepath.Separator)
	SelfDir   = "."
	ParentDir = ".."
	// FakeRoot is the directory a chrooted filesystem reports for its own
	// root, hiding the real prefix from callers.
	FakeRoot = SelfDir
)

// File represents the file writer interface.
type File interface {
	fs.File
	io.Writer
}

// FileSystem extends the default read-only filesystem abstraction to add write
// operations.
type FileSystem interface {
	fs.FS
	fs.StatFS
	fs.ReadDirFS
	fs.ReadFileFS
	fs.GlobFS

	// Create a file.
	Create(name string) (File, error)
	// Mkdir creates a directory form the given path.
	Mkdir(path string, perm fs.FileMode) error
	// MkdirAll creats a directory path with all intermediary directories.
	MkdirAll(path string, perm fs.FileMode) error
	// IsDir returns true if the path is a directory.
	IsDir(path string) bool
	// Exists is true if the path exists in the filesystem.
	Exists(path string) bool
	// Chmod changes the filemode of the gievn path.
	Chmod(name string, mode fs.FileMode) error
	// Chown changes the numeric uid and gid of the given path.
	Chown(name string, uid, gid int) error
	// Chtimes changes the access and modification times of the given path.
	Chtimes(name string, atime, mtime time.Time) error
	// Lstat returns file information without following symlinks.
	Lstat(name string) (fs.FileInfo, error)
	// Truncate resizes the given path to exactly size bytes.
	Truncate(name string, size int64) error
	// ReadLink returns the destination of the given symbolic link.
	ReadLink(name string) (string, error)
	// Symlink creates a symbolink link.
	Symlink(name, target string) error
	// Link creates a hardlink.
	Link(path, name string) error
	// RemoveAll removes all path elements from the given path from the filesystem.
	RemoveAll(path string) error
	// Remove remove the given path from the filesystem.
	Remove(path string) error
	// Resolve the given path to reutrn a real/delinked absolute path.
	Resolve(path string) (ConfirmedDir, string, error)
	// WriteFile writes given data to the given path as a file with the given filemode.
	WriteFile(path string, data []byte, perm fs.FileMode) error
	// WalkDir the filesystem form the given path.
	WalkDir(path string, walkFn fs.WalkDirFunc) error
}

// PositionalFile is a file opened for random-access reads and writes at
// arbitrary byte offsets, independent of any read/write cursor. The block
// engine requires this shape to persist individual chunks without
// serializing every access through a single seek position.
type PositionalFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Truncate resizes the file to exactly size bytes.
	Truncate(size int64) error
	// Sync flushes any buffered data to stable storage.
	Sync() error
	// Stat returns file metadata, notably its current size.
	Stat() (fs.FileInfo, error)
}

// PositionalFileSystem extends FileSystem with the ability to open a file
// for positional I/O, used by the encrypted and plaintext-cache backing
// stores (see package backingstore).
type PositionalFileSystem interface {
	FileSystem
	// OpenPositional opens name with the given os.OpenFile-style flags and
	// mode, creating it if O_CREATE is set.
	OpenPositional(name string, flags int, mode fs.FileMode) (PositionalFile, error)
}
