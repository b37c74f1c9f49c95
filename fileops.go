// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"context"
	"io/fs"

	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/log"
)

// Read reads up to length bytes of plaintext starting at position into
// buf[offsetInBuf:], returning the number of bytes read. Reads never cross
// the file's recorded size; a position at or past it returns 0.
func (e *FS) Read(ctx context.Context, fd int, buf []byte, offsetInBuf, length, position int64) (int64, error) {
	logOp("read", "", fd)

	entry, ino, err := e.lookup("read", fd)
	if err != nil {
		return 0, err
	}
	readable, _ := modeOf(entry)
	if !readable {
		return 0, efserrors.Descriptor("read", fd)
	}

	ino.lock.RLock()
	defer ino.lock.RUnlock()
	return e.engine.Read(ctx, ino.file, buf, offsetInBuf, length, position)
}

// Write writes length bytes from buf[offsetInBuf:] at position, extending
// the file's recorded size when the write lands past it. On an fd opened
// for append, position is ignored and the write lands at the current end
// of file.
func (e *FS) Write(ctx context.Context, fd int, buf []byte, offsetInBuf, length, position int64) (int64, error) {
	logOp("write", "", fd)

	entry, ino, err := e.lookup("write", fd)
	if err != nil {
		return 0, err
	}
	_, writable := modeOf(entry)
	if !writable {
		return 0, efserrors.Descriptor("write", fd)
	}
	appendMode := entry.Flags == "a" || entry.Flags == "a+"

	var n int64
	err = ino.lock.WithWrite(ctx, func() error {
		pos := position
		if appendMode {
			pos = int64(ino.file.Meta.Size)
		}
		var werr error
		n, werr = e.engine.Write(ctx, ino.file, buf, offsetInBuf, length, pos)
		return werr
	})
	return n, err
}

// Ftruncate sets the file's recorded size to length: shrinking drops whole
// chunks and zeroes the dropped tail of the boundary block, growing makes
// the new range read as zeros.
func (e *FS) Ftruncate(ctx context.Context, fd int, length int64) error {
	logOp("ftruncate", "", fd)

	entry, ino, err := e.lookup("ftruncate", fd)
	if err != nil {
		return err
	}
	_, writable := modeOf(entry)
	if !writable {
		return efserrors.Descriptor("ftruncate", fd)
	}

	return ino.lock.WithWrite(ctx, func() error {
		return e.engine.Ftruncate(ino.file, length)
	})
}

// Fallocate grows the file's recorded size to at least offset+length and
// materializes zero-filled chunks for the allocated range. It never
// shrinks.
func (e *FS) Fallocate(ctx context.Context, fd int, offset, length int64) error {
	logOp("fallocate", "", fd)

	entry, ino, err := e.lookup("fallocate", fd)
	if err != nil {
		return err
	}
	_, writable := modeOf(entry)
	if !writable {
		return efserrors.Descriptor("fallocate", fd)
	}

	return ino.lock.WithWrite(ctx, func() error {
		return e.engine.Fallocate(ctx, ino.file, offset, length)
	})
}

// Stat describes an open file: the plaintext size recorded in metadata,
// the block size of its chunk geometry, and the mode bits of the encrypted
// backing file.
type Stat struct {
	Size      uint64
	BlockSize int
	Mode      fs.FileMode
}

// Fstat returns the Stat for fd. The size is the metadata-recorded
// plaintext length, never the encrypted file's on-disk size.
func (e *FS) Fstat(fd int) (Stat, error) {
	logOp("fstat", "", fd)

	_, ino, err := e.lookup("fstat", fd)
	if err != nil {
		return Stat{}, err
	}

	ino.lock.RLock()
	defer ino.lock.RUnlock()

	info, err := ino.file.Enc.Stat()
	if err != nil {
		return Stat{}, efserrors.FromBackingStore("fstat", ino.path, err)
	}
	return Stat{
		Size:      ino.file.Meta.Size,
		BlockSize: e.geo.BlockSize,
		Mode:      info.Mode(),
	}, nil
}

// Fsync flushes both the encrypted store and the plaintext cache mirror
// for fd. Cache failures demote to a warning, matching the write-time
// mirroring policy.
func (e *FS) Fsync(fd int) error {
	logOp("fsync", "", fd)

	_, ino, err := e.lookup("fsync", fd)
	if err != nil {
		return err
	}

	if err := ino.file.Enc.Sync(); err != nil {
		return efserrors.FromBackingStore("fsync", ino.path, err)
	}
	if ino.file.Plain != nil {
		if err := ino.file.Plain.Sync(); err != nil {
			log.Component("efs").Error(err).Messagef("plaintext cache sync failed for %q", ino.path)
		}
	}
	return nil
}

// Fdatasync flushes only the encrypted store's data for fd, skipping the
// plaintext cache, mirroring the POSIX distinction between the two
// syscalls.
func (e *FS) Fdatasync(fd int) error {
	logOp("fdatasync", "", fd)

	_, ino, err := e.lookup("fdatasync", fd)
	if err != nil {
		return err
	}

	if err := ino.file.Enc.Sync(); err != nil {
		return efserrors.FromBackingStore("fdatasync", ino.path, err)
	}
	return nil
}
