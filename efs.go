// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/blockio"
	"github.com/vaultfs/efs/chunkcodec"
	"github.com/vaultfs/efs/efsconfig"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/fdtable"
	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/inodelock"
	"github.com/vaultfs/efs/log"
	"github.com/vaultfs/efs/metadata"
	"github.com/vaultfs/efs/workerpool"
)

// FS is an encrypted filesystem handle. All file descriptors opened through
// one FS share its master key, worker pool, and backing stores.
//
// The zero value is not usable; construct with New.
type FS struct {
	opts   efsconfig.Options
	geo    geometry.Geometry
	key    *memguard.LockedBuffer
	codec  *chunkcodec.Codec
	meta   *metadata.Store
	engine *blockio.Engine
	pool   *workerpool.Pool
	table  *fdtable.Table
	locks  *inodelock.Registry

	enc   backingstore.EncryptedStore
	plain backingstore.PlaintextCache

	mu     sync.Mutex
	inodes map[string]*inodeState
	closed bool
}

// inodeState is the per-inode shared state: every fd opened on the same
// path shares one pair of backing descriptors and one metadata record, so
// that a write through one fd is immediately visible to reads through
// another.
type inodeState struct {
	path string
	file *blockio.File
	lock *inodelock.Lock
	refs int
}

// New constructs an encrypted filesystem over the given backing stores.
//
// New takes ownership of masterKey: the slice is moved into a protected
// memguard buffer and the caller's copy is wiped. plain may be nil to run
// without the plaintext cache, at a read-performance cost. The worker pool,
// when enabled by opts, is started here. Shutdown does not stop it: the
// pool has no stop operation and runs a goroutine only while a submitted
// job is in flight.
func New(masterKey []byte, enc backingstore.EncryptedStore, plain backingstore.PlaintextCache, opts efsconfig.Options) (*FS, error) {
	if enc == nil {
		return nil, efserrors.Argument("new", errors.New("encrypted backing store must not be nil"))
	}
	if err := opts.Validate(); err != nil {
		return nil, efserrors.Argument("new", err)
	}
	if len(masterKey) == 0 {
		return nil, efserrors.Argument("new", errors.New("master key must not be empty"))
	}

	key := memguard.NewBufferFromBytes(masterKey)

	codec, err := chunkcodec.New(opts.Geometry(), key.Bytes())
	if err != nil {
		key.Destroy()
		return nil, efserrors.Argument("new", err)
	}
	metaStore := metadata.NewStore(codec, key.Bytes())

	var pool *workerpool.Pool
	if opts.UseWorkers {
		pool, err = workerpool.New(opts.WorkerPoolSize, opts.WorkerStartupWait)
		if err != nil {
			key.Destroy()
			return nil, efserrors.Argument("new", err)
		}
		pool.Start(context.Background())
	}

	if InDevMode() {
		log.Component("efs").Field("block_size", opts.BlockSize).Field("use_workers", opts.UseWorkers).Level(log.DebugLevel).Message("encrypted filesystem constructed")
	}

	return &FS{
		opts:   opts,
		geo:    opts.Geometry(),
		key:    key,
		codec:  codec,
		meta:   metaStore,
		engine: blockio.New(codec, metaStore, opts, pool),
		pool:   pool,
		table:  fdtable.New(),
		locks:  inodelock.NewRegistry(),
		enc:    enc,
		plain:  plain,
		inodes: make(map[string]*inodeState),
	}, nil
}

// Shutdown closes the backing files of every open inode, destroys the
// protected master key buffer, and renders the handle unusable: later
// calls to Open return EBADF-kind errors. Calling Shutdown again is a
// no-op that returns nil.
func (e *FS) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	inodes := e.inodes
	e.inodes = make(map[string]*inodeState)
	e.mu.Unlock()

	var errs []error
	for _, ino := range inodes {
		if err := ino.file.Enc.Close(); err != nil {
			errs = append(errs, err)
		}
		if ino.file.Plain != nil {
			if err := ino.file.Plain.Close(); err != nil {
				log.Component("efs").Error(err).Message("plaintext cache close failed during shutdown")
			}
		}
	}

	e.key.Destroy()

	if len(errs) > 0 {
		return efserrors.Resource("shutdown", "", errors.Join(errs...))
	}
	return nil
}

// logOp emits one debug line per filesystem operation with a fresh request
// id so concurrent calls against the same inode can be correlated in logs.
func logOp(op, path string, fd int) {
	l := log.Component("efs").Field("request_id", uuid.NewString()).Field("op", op)
	if path != "" {
		l = l.Field("path", path)
	}
	if fd >= 0 {
		l = l.Field("fd", fd)
	}
	l.Level(log.DebugLevel).Message(op)
}

// Open opens path with a flag string ("r", "r+", "w", "w+", "a", "a+",
// "wx", "wx+") and returns a file descriptor. The encrypted backing file is
// always opened read-write regardless of the requested flags so the block
// engine can rewrite boundary chunks; the requested flags only gate what
// the returned fd may do.
func (e *FS) Open(path string, flags string, mode fs.FileMode) (int, error) {
	m, err := parseFlags(flags)
	if err != nil {
		return -1, err
	}
	return e.open(path, m, mode)
}

// OpenNumeric is Open accepting POSIX numeric flags (O_RDONLY, O_WRONLY,
// O_RDWR, O_CREAT, O_EXCL, O_TRUNC, O_APPEND) instead of a flag string.
func (e *FS) OpenNumeric(path string, flags int, mode fs.FileMode) (int, error) {
	m, err := parseNumericFlags(flags)
	if err != nil {
		return -1, err
	}
	return e.open(path, m, mode)
}

func (e *FS) open(path string, m openMode, mode fs.FileMode) (int, error) {
	logOp("open", path, -1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return -1, efserrors.Descriptor("open", -1)
	}

	if e.enc.IsDir(path) {
		return -1, efserrors.IsDir("open", path)
	}

	exists := e.enc.Exists(path)
	switch {
	case !exists && !m.create:
		return -1, efserrors.New(syscall.ENOENT, "open", path, fs.ErrNotExist)
	case exists && m.create && m.excl:
		return -1, efserrors.New(syscall.EEXIST, "open", path, fs.ErrExist)
	}

	mode &^= fs.FileMode(e.opts.Umask)

	ino, ok := e.inodes[path]
	if !ok {
		var err error
		ino, err = e.materialize(path, m, mode, exists)
		if err != nil {
			return -1, err
		}
		e.inodes[path] = ino
	} else if m.trunc {
		if err := ino.lock.WithWrite(context.Background(), func() error {
			return e.resetInode(ino)
		}); err != nil {
			e.releaseLocked(ino)
			return -1, err
		}
	}
	ino.refs++

	fd := e.table.Insert(&fdtable.Entry{
		Path:  path,
		Enc:   ino.file.Enc,
		Plain: ino.file.Plain,
		Flags: m.str,
	})
	return fd, nil
}

// materialize opens the backing descriptors for an inode that has no other
// open fd and loads or initializes its metadata. Caller holds e.mu.
func (e *FS) materialize(path string, m openMode, mode fs.FileMode, exists bool) (*inodeState, error) {
	encFlags := os.O_RDWR
	if m.create {
		encFlags |= os.O_CREATE
	}
	encFile, err := e.enc.OpenPositional(path, encFlags, mode)
	if err != nil {
		return nil, efserrors.FromBackingStore("open", path, err)
	}

	var plainFile backingstore.PositionalFile
	if e.plain != nil {
		plainFile, err = e.plain.OpenPositional(path, os.O_RDWR|os.O_CREATE, mode)
		if err != nil {
			// The cache is best-effort: open failures demote to a warning
			// and the fd simply runs uncached.
			log.Component("efs").Error(err).Messagef("plaintext cache open failed for %q", path)
			plainFile = nil
		}
	}

	ino := &inodeState{
		path: path,
		file: &blockio.File{Enc: encFile, Plain: plainFile},
		lock: e.locks.Acquire(path),
	}

	fresh := !exists || m.trunc
	if fresh {
		if err := e.resetInode(ino); err != nil {
			e.teardown(ino)
			return nil, err
		}
		return ino, nil
	}

	rec, err := e.meta.Open(encFile)
	if err != nil {
		e.teardown(ino)
		return nil, withPath(err, path)
	}
	ino.file.Meta = rec
	return ino, nil
}

// resetInode truncates an inode to the empty state: no data chunks, a fresh
// metadata chunk at offset zero, and an emptied plaintext cache mirror.
func (e *FS) resetInode(ino *inodeState) error {
	if err := ino.file.Enc.Truncate(0); err != nil {
		return efserrors.FromBackingStore("truncate", ino.path, err)
	}
	if ino.file.Plain != nil {
		if err := ino.file.Plain.Truncate(0); err != nil {
			log.Component("efs").Error(err).Messagef("plaintext cache truncate failed for %q", ino.path)
		}
	}
	rec, err := e.meta.Write(ino.file.Enc, e.meta.Init(), 0)
	if err != nil {
		return withPath(err, ino.path)
	}
	ino.file.Meta = rec
	return nil
}

// teardown closes an inode's descriptors and releases its lock after a
// failed open. Caller holds e.mu.
func (e *FS) teardown(ino *inodeState) {
	_ = ino.file.Enc.Close()
	if ino.file.Plain != nil {
		_ = ino.file.Plain.Close()
	}
	e.locks.Release(ino.path)
}

// releaseLocked is teardown for the failure path where the inode may be
// shared: it only drops state when no fd references remain. Caller holds
// e.mu.
func (e *FS) releaseLocked(ino *inodeState) {
	if ino.refs == 0 {
		delete(e.inodes, ino.path)
		e.teardown(ino)
	}
}

// Close closes fd, removing it from the descriptor table. The underlying
// backing descriptors are closed once the last fd on the inode goes away.
// Closing an unknown or already-closed fd returns EBADF.
func (e *FS) Close(fd int) error {
	logOp("close", "", fd)

	entry, err := e.table.Remove(fd)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ino, ok := e.inodes[entry.Path]
	if !ok {
		return nil
	}
	ino.refs--
	if ino.refs <= 0 {
		delete(e.inodes, entry.Path)
		var closeErr error
		if err := ino.file.Enc.Close(); err != nil {
			closeErr = efserrors.FromBackingStore("close", entry.Path, err)
		}
		if ino.file.Plain != nil {
			if err := ino.file.Plain.Close(); err != nil {
				log.Component("efs").Error(err).Messagef("plaintext cache close failed for %q", entry.Path)
			}
		}
		e.locks.Release(entry.Path)
		return closeErr
	}
	return nil
}

// lookup resolves fd to its table entry and shared inode state.
func (e *FS) lookup(op string, fd int) (*fdtable.Entry, *inodeState, error) {
	entry, err := e.table.Lookup(fd)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	ino, ok := e.inodes[entry.Path]
	e.mu.Unlock()
	if !ok {
		return nil, nil, efserrors.Descriptor(op, fd)
	}
	return entry, ino, nil
}

// withPath attaches path to a structured error produced without one, so
// callers see which file an open-time failure concerned.
func withPath(err error, path string) error {
	var se *efserrors.Error
	if errors.As(err, &se) && se.Path == "" {
		return efserrors.New(se.Errno(), se.Op, path, se.Err)
	}
	return err
}

// modeOf reports whether entry's flags permit reading and writing.
func modeOf(entry *fdtable.Entry) (readable, writable bool) {
	m, err := parseFlags(entry.Flags)
	if err != nil {
		return false, false
	}
	return m.read, m.write
}
