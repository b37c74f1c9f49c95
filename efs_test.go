// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"bytes"
	"context"
	"io/fs"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/efsconfig"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/generator/randomness"
)

// newTestFS builds an FS over fresh in-memory backing stores. New takes
// ownership of (and wipes) the key slice, so callers pass a fresh copy.
func newTestFS(t *testing.T, key string) (*FS, backingstore.EncryptedStore) {
	t.Helper()

	enc := backingstore.Memory()
	fsys := newTestFSOn(t, key, enc)
	return fsys, enc
}

func newTestFSOn(t *testing.T, key string, enc backingstore.EncryptedStore) *FS {
	t.Helper()

	fsys, err := New([]byte(key), enc, backingstore.Memory(), efsconfig.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Shutdown() })
	return fsys
}

func requireErrno(t *testing.T, err error, errno syscall.Errno) {
	t.Helper()

	require.Error(t, err)
	var se *efserrors.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, errno, se.Errno())
}

func TestOpenWriteReadClose(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/notes.txt", "w+", 0o644)
	require.NoError(t, err)

	payload, err := randomness.Bytes(5000)
	require.NoError(t, err)

	n, err := fsys.Write(ctx, fd, payload, 0, int64(len(payload)), 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), n)

	st, err := fsys.Fstat(fd)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), st.Size)
	require.Equal(t, 4096, st.BlockSize)

	buf := make([]byte, 5000)
	n, err = fsys.Read(ctx, fd, buf, 0, 5000, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), n)
	require.Equal(t, payload, buf)

	require.NoError(t, fsys.Fsync(fd))
	require.NoError(t, fsys.Fdatasync(fd))
	require.NoError(t, fsys.Close(fd))

	// Double close and any further use are EBADF.
	requireErrno(t, fsys.Close(fd), syscall.EBADF)
	_, err = fsys.Read(ctx, fd, buf, 0, 1, 0)
	requireErrno(t, err, syscall.EBADF)
}

func TestPersistenceAcrossHandles(t *testing.T) {
	t.Parallel()

	enc := backingstore.Memory()
	ctx := context.Background()

	fs1 := newTestFSOn(t, "very password", enc)
	fd, err := fs1.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_, err = fs1.Write(ctx, fd, []byte("survives shutdown"), 0, 17, 0)
	require.NoError(t, err)
	require.NoError(t, fs1.Close(fd))
	require.NoError(t, fs1.Shutdown())

	fs2 := newTestFSOn(t, "very password", enc)
	fd, err = fs2.Open("/f", "r", 0)
	require.NoError(t, err)
	buf := make([]byte, 17)
	n, err := fs2.Read(ctx, fd, buf, 0, 17, 0)
	require.NoError(t, err)
	require.Equal(t, int64(17), n)
	require.Equal(t, []byte("survives shutdown"), buf)
}

func TestWrongKeyFailsOnOpen(t *testing.T) {
	t.Parallel()

	enc := backingstore.Memory()
	ctx := context.Background()

	fs1 := newTestFSOn(t, "keyA", enc)
	fd, err := fs1.Open("/secret", "w", 0o600)
	require.NoError(t, err)
	_, err = fs1.Write(ctx, fd, []byte("payload"), 0, 7, 0)
	require.NoError(t, err)
	require.NoError(t, fs1.Close(fd))
	require.NoError(t, fs1.Shutdown())

	fs2 := newTestFSOn(t, "keyB", enc)
	_, err = fs2.Open("/secret", "r", 0)
	require.Error(t, err)
	require.ErrorIs(t, err, efserrors.ErrKeyMismatch)
}

func TestTruncateExtendRead(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)

	_, err = fsys.Write(ctx, fd, []byte("abcdef"), 0, 6, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Ftruncate(ctx, fd, 10))

	buf := make([]byte, 10)
	n, err := fsys.Read(ctx, fd, buf, 0, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.Equal(t, []byte("abcdef\x00\x00\x00\x00"), buf)
}

func TestFallocate(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)

	require.NoError(t, fsys.Fallocate(ctx, fd, 100, 200))
	st, err := fsys.Fstat(fd)
	require.NoError(t, err)
	require.Equal(t, uint64(300), st.Size)

	buf := make([]byte, 300)
	n, err := fsys.Read(ctx, fd, buf, 0, 300, 0)
	require.NoError(t, err)
	require.Equal(t, int64(300), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 300), buf)
}

func TestFlagEnforcement(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("data"), 0, 4, 0)
	require.NoError(t, err)
	// Write-only fd cannot read.
	_, err = fsys.Read(ctx, fd, make([]byte, 4), 0, 4, 0)
	requireErrno(t, err, syscall.EBADF)
	require.NoError(t, fsys.Close(fd))

	// Read-only fd cannot write.
	fd, err = fsys.Open("/f", "r", 0)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("nope"), 0, 4, 0)
	requireErrno(t, err, syscall.EBADF)
	requireErrno(t, fsys.Ftruncate(ctx, fd, 0), syscall.EBADF)
	require.NoError(t, fsys.Close(fd))
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	fsys, enc := newTestFS(t, "very password")

	t.Run("missing without create", func(t *testing.T) {
		_, err := fsys.Open("/missing", "r", 0)
		requireErrno(t, err, syscall.ENOENT)
	})

	t.Run("exclusive create on existing", func(t *testing.T) {
		fd, err := fsys.Open("/taken", "w", 0o644)
		require.NoError(t, err)
		require.NoError(t, fsys.Close(fd))

		_, err = fsys.Open("/taken", "wx", 0o644)
		requireErrno(t, err, syscall.EEXIST)
	})

	t.Run("directory", func(t *testing.T) {
		require.NoError(t, enc.Mkdir("/dir", 0o755))
		_, err := fsys.Open("/dir", "r", 0)
		requireErrno(t, err, syscall.EISDIR)
	})

	t.Run("unknown flag string", func(t *testing.T) {
		_, err := fsys.Open("/f", "rw", 0o644)
		requireErrno(t, err, syscall.EINVAL)
	})
}

func TestAppendMode(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/log", "w", 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("first."), 0, 6, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	fd, err = fsys.Open("/log", "a", 0o644)
	require.NoError(t, err)
	// Position is ignored in append mode.
	_, err = fsys.Write(ctx, fd, []byte("second."), 0, 7, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	fd, err = fsys.Open("/log", "r", 0)
	require.NoError(t, err)
	buf := make([]byte, 13)
	n, err := fsys.Read(ctx, fd, buf, 0, 13, 0)
	require.NoError(t, err)
	require.Equal(t, int64(13), n)
	require.Equal(t, []byte("first.second."), buf)
}

func TestTruncateOnReopen(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("old content"), 0, 11, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	// Reopening with "w+" truncates.
	fd, err = fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)
	st, err := fsys.Fstat(fd)
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Size)
}

func TestSharedInodeAcrossFds(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	writer, err := fsys.Open("/shared", "w+", 0o644)
	require.NoError(t, err)
	reader, err := fsys.Open("/shared", "r", 0)
	require.NoError(t, err)

	_, err = fsys.Write(ctx, writer, []byte("visible"), 0, 7, 0)
	require.NoError(t, err)

	buf := make([]byte, 7)
	n, err := fsys.Read(ctx, reader, buf, 0, 7, 0)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.Equal(t, []byte("visible"), buf)

	// Closing one fd keeps the other usable.
	require.NoError(t, fsys.Close(writer))
	_, err = fsys.Read(ctx, reader, buf, 0, 7, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(reader))
}

func TestConcurrentDisjointWrites(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)

	first := bytes.Repeat([]byte{0xAA}, 4096)
	second := bytes.Repeat([]byte{0xBB}, 4096)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, werr := fsys.Write(ctx, fd, first, 0, 4096, 0)
		require.NoError(t, werr)
	}()
	go func() {
		defer wg.Done()
		_, werr := fsys.Write(ctx, fd, second, 0, 4096, 8192)
		require.NoError(t, werr)
	}()
	wg.Wait()

	buf := make([]byte, 12288)
	n, err := fsys.Read(ctx, fd, buf, 0, 12288, 0)
	require.NoError(t, err)
	require.Equal(t, int64(12288), n)
	require.Equal(t, first, buf[:4096])
	require.Equal(t, bytes.Repeat([]byte{0x00}, 4096), buf[4096:8192])
	require.Equal(t, second, buf[8192:])
}

func TestConcurrentOverlappingWrites(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)

	first := bytes.Repeat([]byte{0xAA}, 8192)
	second := bytes.Repeat([]byte{0xBB}, 8192)

	var wg sync.WaitGroup
	wg.Add(2)
	for _, payload := range [][]byte{first, second} {
		payload := payload
		go func() {
			defer wg.Done()
			_, werr := fsys.Write(ctx, fd, payload, 0, 8192, 0)
			require.NoError(t, werr)
		}()
	}
	wg.Wait()

	// Last writer wins: the file equals one input byte-for-byte, never a
	// mix.
	buf := make([]byte, 8192)
	_, err = fsys.Read(ctx, fd, buf, 0, 8192, 0)
	require.NoError(t, err)
	if !bytes.Equal(buf, first) {
		require.Equal(t, second, buf)
	}
}

func TestModeChangeDoesNotAlterCiphertext(t *testing.T) {
	t.Parallel()

	fsys, enc := newTestFS(t, "very password")
	ctx := context.Background()

	fd, err := fsys.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, []byte("stable bytes"), 0, 12, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	before, err := enc.ReadFile("/f")
	require.NoError(t, err)

	require.NoError(t, enc.Chmod("/f", 0o600))

	after, err := enc.ReadFile("/f")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestUmaskAppliedToNewFiles(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")

	fd, err := fsys.Open("/f", "w", 0o666)
	require.NoError(t, err)
	st, err := fsys.Fstat(fd)
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o644), st.Mode)
}

func TestNoPlaintextReachesEncryptedStore(t *testing.T) {
	t.Parallel()

	fsys, enc := newTestFS(t, "very password")
	ctx := context.Background()

	secret := []byte("extremely secret plaintext marker")
	fd, err := fsys.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, fd, secret, 0, int64(len(secret)), 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	raw, err := enc.ReadFile("/f")
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(secret))
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFS(t, "very password")

	fd, err := fsys.Open("/f", "w", 0o644)
	require.NoError(t, err)
	_ = fd

	require.NoError(t, fsys.Shutdown())
	// Idempotent.
	require.NoError(t, fsys.Shutdown())

	_, err = fsys.Open("/g", "w", 0o644)
	requireErrno(t, err, syscall.EBADF)
}

func TestUseWorkersEndToEnd(t *testing.T) {
	t.Parallel()

	opts := efsconfig.Default()
	opts.UseWorkers = true

	fsys, err := New([]byte("very password"), backingstore.Memory(), backingstore.Memory(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Shutdown() })

	ctx := context.Background()
	fd, err := fsys.Open("/f", "w+", 0o644)
	require.NoError(t, err)

	payload, err := randomness.Bytes(3 * 4096)
	require.NoError(t, err)
	n, err := fsys.Write(ctx, fd, payload, 0, int64(len(payload)), 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)

	buf := make([]byte, len(payload))
	n, err = fsys.Read(ctx, fd, buf, 0, int64(len(payload)), 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, payload, buf)
}
