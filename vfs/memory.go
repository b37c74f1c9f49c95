// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"
)

// Memory returns a new in-memory PositionalFileSystem. It is used by this
// module's test suite as the fixture for both the encrypted backing store
// and the plaintext cache, so tests never touch the real disk.
func Memory() PositionalFileSystem {
	return &memFS{files: make(map[string]*memInode)}
}

type memInode struct {
	mu   sync.Mutex
	data []byte
	mode fs.FileMode
	dir  bool
}

type memFS struct {
	mu    sync.RWMutex
	files map[string]*memInode
}

func clean(name string) string {
	return path.Clean(filepath_ToSlash(name))
}

// filepath_ToSlash normalizes a path using forward slashes without pulling
// in path/filepath, since this backing store never touches the OS path
// separator.
func filepath_ToSlash(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '\\' {
			c = '/'
		}
		out[i] = c
	}
	return string(out)
}

func (m *memFS) lookup(name string) (*memInode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.files[clean(name)]
	return n, ok
}

// -----------------------------------------------------------------------------
// fs.FS / FileSystem surface

func (m *memFS) Open(name string) (fs.File, error) {
	n, ok := m.lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFile{name: clean(name), inode: n, reader: bytes.NewReader(append([]byte(nil), n.data...))}, nil
}

func (m *memFS) Create(name string) (File, error) {
	m.mu.Lock()
	n := &memInode{}
	m.files[clean(name)] = n
	m.mu.Unlock()
	return &memFile{name: clean(name), inode: n, writable: true}, nil
}

func (m *memFS) OpenPositional(name string, flags int, mode fs.FileMode) (PositionalFile, error) {
	n, ok := m.lookup(name)
	if !ok {
		if flags&os.O_CREATE == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		m.mu.Lock()
		n = &memInode{mode: mode}
		m.files[clean(name)] = n
		m.mu.Unlock()
	} else if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	}

	if flags&os.O_TRUNC != 0 {
		n.mu.Lock()
		n.data = nil
		n.mu.Unlock()
	}

	return &memPositionalFile{name: clean(name), inode: n}, nil
}

func (m *memFS) Mkdir(p string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(p)] = &memInode{dir: true, mode: perm | fs.ModeDir}
	return nil
}

func (m *memFS) MkdirAll(p string, perm fs.FileMode) error { return m.Mkdir(p, perm) }

func (m *memFS) IsDir(p string) bool {
	n, ok := m.lookup(p)
	return ok && n.dir
}

func (m *memFS) Exists(p string) bool {
	_, ok := m.lookup(p)
	return ok
}

func (m *memFS) Chmod(name string, mode fs.FileMode) error {
	n, ok := m.lookup(name)
	if !ok {
		return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrNotExist}
	}
	n.mu.Lock()
	n.mode = mode
	n.mu.Unlock()
	return nil
}

func (m *memFS) Truncate(name string, size int64) error {
	n, ok := m.lookup(name)
	if !ok {
		return &fs.PathError{Op: "truncate", Path: name, Err: fs.ErrNotExist}
	}
	f := &memPositionalFile{name: clean(name), inode: n}
	return f.Truncate(size)
}

func (m *memFS) Chown(name string, uid, gid int) error {
	if _, ok := m.lookup(name); !ok {
		return &fs.PathError{Op: "chown", Path: name, Err: fs.ErrNotExist}
	}
	// Ownership is not modeled; existence is still enforced so callers get
	// POSIX-shaped errors.
	return nil
}

func (m *memFS) Chtimes(name string, atime, mtime time.Time) error {
	if _, ok := m.lookup(name); !ok {
		return &fs.PathError{Op: "chtimes", Path: name, Err: fs.ErrNotExist}
	}
	return nil
}

func (m *memFS) Lstat(name string) (fs.FileInfo, error) {
	// No symlink support, so Lstat and Stat coincide.
	return m.Stat(name)
}

func (m *memFS) ReadLink(name string) (string, error) {
	return "", errors.New("vfs: memory filesystem does not support symlinks")
}

func (m *memFS) Symlink(name, target string) error {
	return errors.New("vfs: memory filesystem does not support symlinks")
}

func (m *memFS) Link(p, name string) error {
	n, ok := m.lookup(p)
	if !ok {
		return &fs.PathError{Op: "link", Path: p, Err: fs.ErrNotExist}
	}
	m.mu.Lock()
	m.files[clean(name)] = n
	m.mu.Unlock()
	return nil
}

func (m *memFS) RemoveAll(p string) error { return m.Remove(p) }

func (m *memFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[clean(p)]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(m.files, clean(p))
	return nil
}

func (m *memFS) Resolve(p string) (ConfirmedDir, string, error) {
	d := path.Dir(clean(p))
	f := path.Base(clean(p))
	return ConfirmedDir(d), f, nil
}

func (m *memFS) WriteFile(p string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	m.files[clean(p)] = &memInode{data: append([]byte(nil), data...), mode: perm}
	m.mu.Unlock()
	return nil
}

func (m *memFS) WalkDir(p string, walkFn fs.WalkDirFunc) error {
	return errors.New("vfs: memory filesystem does not support WalkDir")
}

func (m *memFS) Stat(name string) (fs.FileInfo, error) {
	n, ok := m.lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return memFileInfo{name: path.Base(clean(name)), size: int64(len(n.data)), mode: n.mode, dir: n.dir}, nil
}

func (m *memFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return nil, errors.New("vfs: memory filesystem does not support ReadDir")
}

func (m *memFS) ReadFile(name string) ([]byte, error) {
	n, ok := m.lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.data...), nil
}

func (m *memFS) Glob(pattern string) ([]string, error) {
	return nil, errors.New("vfs: memory filesystem does not support Glob")
}

// -----------------------------------------------------------------------------

type memFileInfo struct {
	name string
	size int64
	mode fs.FileMode
	dir  bool
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return i.mode }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return i.dir }
func (i memFileInfo) Sys() any           { return nil }

// memFile implements fs.File + io.Writer (vfs.File) for sequential access.
type memFile struct {
	name     string
	inode    *memInode
	reader   *bytes.Reader
	writable bool
}

func (f *memFile) Stat() (fs.FileInfo, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	return memFileInfo{name: f.name, size: int64(len(f.inode.data)), mode: f.inode.mode}, nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, errors.New("vfs: file not opened for reading")
	}
	return f.reader.Read(p)
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, errors.New("vfs: file not opened for writing")
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	f.inode.data = append(f.inode.data, p...)
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

// memPositionalFile implements PositionalFile over a growable byte slice.
type memPositionalFile struct {
	name  string
	inode *memInode
}

func (f *memPositionalFile) ReadAt(p []byte, off int64) (int, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	if off < 0 {
		return 0, errors.New("vfs: negative offset")
	}
	if off >= int64(len(f.inode.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.inode.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memPositionalFile) WriteAt(p []byte, off int64) (int, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	if off < 0 {
		return 0, errors.New("vfs: negative offset")
	}
	end := off + int64(len(p))
	if end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	copy(f.inode.data[off:end], p)
	return len(p), nil
}

func (f *memPositionalFile) Truncate(size int64) error {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	if size < 0 {
		return errors.New("vfs: negative size")
	}
	if size <= int64(len(f.inode.data)) {
		f.inode.data = f.inode.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.inode.data)
	f.inode.data = grown
	return nil
}

func (f *memPositionalFile) Sync() error { return nil }

func (f *memPositionalFile) Close() error { return nil }

func (f *memPositionalFile) Stat() (fs.FileInfo, error) {
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	return memFileInfo{name: f.name, size: int64(len(f.inode.data)), mode: f.inode.mode}, nil
}
