// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/chunkcodec"
	"github.com/vaultfs/efs/efsconfig"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/generator/randomness"
	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/metadata"
)

// smallGeometry keeps multi-block scenarios cheap: 128-byte blocks still
// hold a metadata record and its integrity tag.
func smallGeometry() geometry.Geometry {
	return geometry.Geometry{BlockSize: 128, SaltSize: 64, IVSize: 16, TagSize: 16}
}

func newTestEngine(t *testing.T, g geometry.Geometry) (*Engine, *File) {
	t.Helper()

	key := []byte("very password")
	codec, err := chunkcodec.New(g, key)
	require.NoError(t, err)
	store := metadata.NewStore(codec, key)
	eng := New(codec, store, efsconfig.Options{}, nil)

	enc, err := backingstore.Memory().OpenPositional("/file.enc", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	plain, err := backingstore.Memory().OpenPositional("/file", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	rec, err := store.Write(enc, store.Init(), 0)
	require.NoError(t, err)

	return eng, &File{Enc: enc, Plain: plain, Meta: rec}
}

func encSize(t *testing.T, f *File) int64 {
	t.Helper()
	info, err := f.Enc.Stat()
	require.NoError(t, err)
	return info.Size()
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	g := geometry.Default()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	// A partial last block: 5000 bytes spans two 4096-byte blocks.
	input, err := randomness.Bytes(5000)
	require.NoError(t, err)

	n, err := eng.Write(ctx, f, input, 0, int64(len(input)), 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), n)
	require.Equal(t, uint64(5000), f.Meta.Size)

	// Two data chunks plus the metadata chunk.
	require.Equal(t, int64(3*g.ChunkSize()), encSize(t, f))

	buf := make([]byte, 5000)
	n, err = eng.Read(ctx, f, buf, 0, 5000, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), n)
	require.Equal(t, input, buf)

	// Reads clamp at the recorded size, never pad past it.
	buf = make([]byte, 4096)
	n, err = eng.Read(ctx, f, buf, 0, 4096, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(4000), n)
	require.Equal(t, input[1000:], buf[:4000])
}

func TestReadYourWrite(t *testing.T) {
	t.Parallel()

	eng, f := newTestEngine(t, smallGeometry())
	ctx := context.Background()

	first := bytes.Repeat([]byte{0xAA}, 100)
	second := bytes.Repeat([]byte{0xBB}, 100)

	_, err := eng.Write(ctx, f, first, 0, 100, 0)
	require.NoError(t, err)
	_, err = eng.Write(ctx, f, second, 0, 100, 50)
	require.NoError(t, err)

	buf := make([]byte, 150)
	n, err := eng.Read(ctx, f, buf, 0, 150, 0)
	require.NoError(t, err)
	require.Equal(t, int64(150), n)
	require.Equal(t, first[:50], buf[:50])
	require.Equal(t, second, buf[50:])
}

func TestUnalignedWriteAcrossBlocks(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	// 12 bytes at position 122 straddle the block boundary at 128.
	payload := []byte("hello world!")
	n, err := eng.Write(ctx, f, payload, 0, 12, 122)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
	require.Equal(t, uint64(134), f.Meta.Size)

	buf := make([]byte, 134)
	n, err = eng.Read(ctx, f, buf, 0, 134, 0)
	require.NoError(t, err)
	require.Equal(t, int64(134), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 122), buf[:122])
	require.Equal(t, payload, buf[122:])
}

func TestWriteWithMiddleBlocks(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	// 400 bytes at position 60: partial first block, two full middle
	// blocks, partial last block.
	input, err := randomness.Bytes(400)
	require.NoError(t, err)

	n, err := eng.Write(ctx, f, input, 0, 400, 60)
	require.NoError(t, err)
	require.Equal(t, int64(400), n)

	buf := make([]byte, 460)
	n, err = eng.Read(ctx, f, buf, 0, 460, 0)
	require.NoError(t, err)
	require.Equal(t, int64(460), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 60), buf[:60])
	require.Equal(t, input, buf[60:])
}

func TestWriteHonorsOffsetInBuf(t *testing.T) {
	t.Parallel()

	eng, f := newTestEngine(t, smallGeometry())
	ctx := context.Background()

	buf := []byte("junk-PAYLOAD")
	n, err := eng.Write(ctx, f, buf, 5, 7, 0)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	out := make([]byte, 7)
	_, err = eng.Read(ctx, f, out, 0, 7, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("PAYLOAD"), out)
}

func TestTruncateExtendRead(t *testing.T) {
	t.Parallel()

	g := geometry.Default()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	_, err := eng.Write(ctx, f, []byte("abcdef"), 0, 6, 0)
	require.NoError(t, err)

	require.NoError(t, eng.Ftruncate(f, 10))
	require.Equal(t, uint64(10), f.Meta.Size)

	buf := make([]byte, 10)
	n, err := eng.Read(ctx, f, buf, 0, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.Equal(t, []byte("abcdef\x00\x00\x00\x00"), buf)

	// One data chunk plus the metadata chunk.
	require.Equal(t, int64(2*g.ChunkSize()), encSize(t, f))
}

func TestTruncateShrink(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	input, err := randomness.Bytes(300)
	require.NoError(t, err)
	_, err = eng.Write(ctx, f, input, 0, 300, 0)
	require.NoError(t, err)
	require.Equal(t, int64(4*g.ChunkSize()), encSize(t, f))

	require.NoError(t, eng.Ftruncate(f, 100))
	require.Equal(t, uint64(100), f.Meta.Size)
	require.Equal(t, int64(2*g.ChunkSize()), encSize(t, f))

	buf := make([]byte, 200)
	n, err := eng.Read(ctx, f, buf, 0, 200, 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, input[:100], buf[:100])

	// Growing back must read zeros where the shrink discarded data.
	require.NoError(t, eng.Ftruncate(f, 300))
	n, err = eng.Read(ctx, f, buf, 0, 200, 100)
	require.NoError(t, err)
	require.Equal(t, int64(200), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 200), buf[:200])
}

func TestTruncateGrowLeavesHoleReadableAsZeros(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	_, err := eng.Write(ctx, f, []byte("head"), 0, 4, 0)
	require.NoError(t, err)

	require.NoError(t, eng.Ftruncate(f, 1000))
	require.Equal(t, uint64(1000), f.Meta.Size)
	// The grow is virtual: only one data chunk is materialized.
	require.Equal(t, int64(2*g.ChunkSize()), encSize(t, f))

	buf := make([]byte, 100)
	n, err := eng.Read(ctx, f, buf, 0, 100, 500)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 100), buf)
}

func TestWriteIntoHoleMaterializesGap(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	_, err := eng.Write(ctx, f, []byte("head"), 0, 4, 0)
	require.NoError(t, err)
	require.NoError(t, eng.Ftruncate(f, 1000))

	// Block 3 lies past the single physical chunk; the gap must become
	// real zero chunks or nothing in it could ever authenticate.
	payload := []byte("deep write")
	_, err = eng.Write(ctx, f, payload, 0, int64(len(payload)), 500)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), f.Meta.Size)
	require.Equal(t, int64(5*g.ChunkSize()), encSize(t, f))

	buf := make([]byte, 1000)
	n, err := eng.Read(ctx, f, buf, 0, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1000), n)
	require.Equal(t, []byte("head"), buf[:4])
	require.Equal(t, bytes.Repeat([]byte{0x00}, 496), buf[4:500])
	require.Equal(t, payload, buf[500:510])
	require.Equal(t, bytes.Repeat([]byte{0x00}, 490), buf[510:])
}

func TestFallocate(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	require.NoError(t, eng.Fallocate(ctx, f, 0, 256))
	require.Equal(t, uint64(256), f.Meta.Size)
	require.Equal(t, int64(3*g.ChunkSize()), encSize(t, f))

	buf := make([]byte, 256)
	n, err := eng.Read(ctx, f, buf, 0, 256, 0)
	require.NoError(t, err)
	require.Equal(t, int64(256), n)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 256), buf)

	// Never shrinks.
	require.NoError(t, eng.Fallocate(ctx, f, 0, 100))
	require.Equal(t, uint64(256), f.Meta.Size)
	require.Equal(t, int64(3*g.ChunkSize()), encSize(t, f))
}

func TestFallocateMaterializesTruncateHole(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	require.NoError(t, eng.Ftruncate(f, 300))
	require.Equal(t, int64(g.ChunkSize()), encSize(t, f))

	require.NoError(t, eng.Fallocate(ctx, f, 0, 300))
	require.Equal(t, uint64(300), f.Meta.Size)
	require.Equal(t, int64(4*g.ChunkSize()), encSize(t, f))
}

func TestReadClampsAtEOF(t *testing.T) {
	t.Parallel()

	eng, f := newTestEngine(t, smallGeometry())
	ctx := context.Background()

	_, err := eng.Write(ctx, f, []byte("abcdef"), 0, 6, 0)
	require.NoError(t, err)

	buf := make([]byte, 64)

	n, err := eng.Read(ctx, f, buf, 0, 64, 4)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, []byte("ef"), buf[:2])

	n, err = eng.Read(ctx, f, buf, 0, 64, 6)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	n, err = eng.Read(ctx, f, buf, 0, 64, 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestArgumentValidation(t *testing.T) {
	t.Parallel()

	eng, f := newTestEngine(t, smallGeometry())
	ctx := context.Background()
	buf := make([]byte, 16)

	requireEINVAL := func(t *testing.T, err error) {
		t.Helper()
		require.Error(t, err)
		var se *efserrors.Error
		require.ErrorAs(t, err, &se)
		require.Equal(t, syscall.EINVAL, se.Errno())
	}

	_, err := eng.Read(ctx, f, buf, -1, 4, 0)
	requireEINVAL(t, err)
	_, err = eng.Read(ctx, f, buf, 0, -4, 0)
	requireEINVAL(t, err)
	_, err = eng.Read(ctx, f, buf, 0, 4, -1)
	requireEINVAL(t, err)
	_, err = eng.Write(ctx, f, buf, 0, 32, 0)
	requireEINVAL(t, err)
	err = eng.Ftruncate(f, -1)
	requireEINVAL(t, err)
	err = eng.Fallocate(ctx, f, -1, 4)
	requireEINVAL(t, err)

	n, err := eng.Write(ctx, f, buf, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestReadDetectsTampering(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	_, err := eng.Write(ctx, f, bytes.Repeat([]byte{0x41}, 64), 0, 64, 0)
	require.NoError(t, err)

	// Flip one bit inside chunk 0's ciphertext region.
	tamperOffset := int64(g.SaltSize + g.IVSize + g.TagSize + 10)
	b := make([]byte, 1)
	_, err = f.Enc.ReadAt(b, tamperOffset)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.Enc.WriteAt(b, tamperOffset)
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, err = eng.Read(ctx, f, buf, 0, 64, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, efserrors.ErrIntegrity)
}

func TestPlaintextCacheMirroring(t *testing.T) {
	t.Parallel()

	g := smallGeometry()
	eng, f := newTestEngine(t, g)
	ctx := context.Background()

	input, err := randomness.Bytes(200)
	require.NoError(t, err)
	_, err = eng.Write(ctx, f, input, 0, 200, 0)
	require.NoError(t, err)

	// The write-through mirror holds the written blocks in plaintext.
	mirror := make([]byte, 200)
	_, err = f.Plain.ReadAt(mirror, 0)
	require.NoError(t, err)
	require.Equal(t, input, mirror)

	// A nil cache is an opt-out, never an error.
	f.Plain = nil
	_, err = eng.Write(ctx, f, input, 0, 200, 0)
	require.NoError(t, err)
	buf := make([]byte, 200)
	n, err := eng.Read(ctx, f, buf, 0, 200, 0)
	require.NoError(t, err)
	require.Equal(t, int64(200), n)
	require.Equal(t, input, buf)
}

func TestWriteErrorsSurfaceAsStructured(t *testing.T) {
	t.Parallel()

	eng, f := newTestEngine(t, smallGeometry())
	ctx := context.Background()

	var se *efserrors.Error
	_, err := eng.Write(ctx, f, make([]byte, 8), 0, 8, -1)
	require.Error(t, err)
	require.True(t, errors.As(err, &se))
	require.Equal(t, syscall.EINVAL, se.Errno())
}
