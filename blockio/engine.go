// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package blockio implements the block engine: the read and read-modify-write
// algorithms that translate positional byte-range reads/writes against an
// open file into chunk-aligned operations against the encrypted store, with
// the plaintext cache mirrored opportunistically.
package blockio

import (
	"context"
	"fmt"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/chunkcodec"
	"github.com/vaultfs/efs/efsconfig"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/log"
	"github.com/vaultfs/efs/metadata"
	"github.com/vaultfs/efs/workerpool"
)

// Engine drives geometry, chunkcodec and metadata against one open file's
// pair of backing descriptors. Callers are responsible for holding the
// file's inodelock.Lock for the duration of a call (RLock for Read,
// WithWrite for Write/Ftruncate/Fallocate).
type Engine struct {
	codec *chunkcodec.Codec
	geo   geometry.Geometry
	meta  *metadata.Store
	opts  efsconfig.Options
	pool  *workerpool.Pool
}

// New returns an Engine bound to codec, a metadata store derived from the
// same codec and master key, and opts governing worker-pool use. pool may
// be nil when opts.UseWorkers is false.
func New(codec *chunkcodec.Codec, meta *metadata.Store, opts efsconfig.Options, pool *workerpool.Pool) *Engine {
	return &Engine{codec: codec, geo: codec.Geometry(), meta: meta, opts: opts, pool: pool}
}

// File bundles the two backing descriptors and the in-memory metadata
// record an Engine operates on for one fd.
type File struct {
	Enc   backingstore.PositionalFile
	Plain backingstore.PositionalFile
	Meta  metadata.Record
}

// physicalDataChunks returns the number of data chunks actually persisted
// on the encrypted store, which can be smaller than what meta.Size implies
// after an Ftruncate that grows meta.Size without materializing chunks
// (the grown range reads as zero virtually, unlike Fallocate which always
// materializes). Reads must treat any block at or past this count as a
// hole rather than attempt to read it.
func (e *Engine) physicalDataChunks(f *File) (int64, error) {
	info, err := f.Enc.Stat()
	if err != nil {
		return 0, efserrors.FromBackingStore("stat", "", err)
	}
	chunkSize := int64(e.geo.ChunkSize())
	total := info.Size()
	if total < chunkSize {
		return 0, nil
	}
	return total/chunkSize - 1, nil
}

func validateRange(offset, length, position int64) error {
	if offset < 0 {
		return efserrors.Argument("blockio", fmt.Errorf("offset_in_buf must be non-negative, got %d", offset))
	}
	if length < 0 {
		return efserrors.Argument("blockio", fmt.Errorf("length must be non-negative, got %d", length))
	}
	if position < 0 {
		return efserrors.Argument("blockio", fmt.Errorf("position must be non-negative, got %d", position))
	}
	return nil
}

// Read reads a plaintext byte range: clamp length to the file's recorded
// size, decrypt every chunk the range touches, splice the requested bytes
// into buf, and opportunistically mirror the decrypted range into the
// plaintext cache.
func (e *Engine) Read(ctx context.Context, f *File, buf []byte, offsetInBuf, length, position int64) (int64, error) {
	if err := validateRange(offsetInBuf, length, position); err != nil {
		return 0, err
	}
	if offsetInBuf > int64(len(buf)) {
		return 0, efserrors.Argument("read", fmt.Errorf("offset_in_buf %d exceeds buffer length %d", offsetInBuf, len(buf)))
	}

	remaining := int64(f.Meta.Size) - position
	if length > remaining {
		length = remaining
	}
	if avail := int64(len(buf)) - offsetInBuf; length > avail {
		length = avail
	}
	if length <= 0 {
		return 0, nil
	}

	firstBlock := e.geo.OffsetToBlock(position)
	nBlocks := e.geo.BlocksSpanned(position, length)

	physical, err := e.physicalDataChunks(f)
	if err != nil {
		return 0, err
	}

	holes := make([]bool, nBlocks)
	chunkSize := e.geo.ChunkSize()
	toDecrypt := make([][]byte, 0, nBlocks)
	toDecryptIdx := make([]int, 0, nBlocks)
	for i := int64(0); i < nBlocks; i++ {
		if firstBlock+i >= physical {
			holes[i] = true
			continue
		}
		chunk := make([]byte, chunkSize)
		off := e.geo.ChunkToOffset(firstBlock + i)
		if _, err := f.Enc.ReadAt(chunk, off); err != nil {
			return 0, efserrors.FromBackingStore("read", "", err)
		}
		toDecrypt = append(toDecrypt, chunk)
		toDecryptIdx = append(toDecryptIdx, int(i))
	}

	decrypted, err := e.decryptAll(ctx, toDecrypt)
	if err != nil {
		return 0, efserrors.Integrity("read", "", err)
	}

	blocks := make([][]byte, nBlocks)
	for j, idx := range toDecryptIdx {
		blocks[idx] = decrypted[j]
	}
	for i := int64(0); i < nBlocks; i++ {
		if holes[i] {
			blocks[i] = make([]byte, e.geo.BlockSize)
		}
	}

	plaintext := make([]byte, 0, int(nBlocks)*e.geo.BlockSize)
	for _, b := range blocks {
		plaintext = append(plaintext, b...)
	}

	start := e.geo.BoundaryOffset(position)
	n := copy(buf[offsetInBuf:], plaintext[start:start+length])

	e.mirrorToCache(f.Plain, e.geo.BlockToOffset(firstBlock), plaintext)

	return int64(n), nil
}

// mirrorToCache writes plaintext into the plaintext cache at offset. The
// cache is best-effort: failures demote to a warning and must never fail
// the caller's operation.
func (e *Engine) mirrorToCache(plain backingstore.PositionalFile, offset int64, plaintext []byte) {
	if plain == nil {
		return
	}
	if _, err := plain.WriteAt(plaintext, offset); err != nil {
		log.Component("blockio").Error(err).Messagef("plaintext cache mirror failed at offset %d", offset)
	}
}

func (e *Engine) decryptAll(ctx context.Context, chunks [][]byte) ([][]byte, error) {
	if e.opts.UseWorkers && e.pool != nil && len(chunks) > 1 {
		return e.codec.DecryptChunksAsync(ctx, e.pool, chunks)
	}
	blocks := make([][]byte, len(chunks))
	for i, c := range chunks {
		b, err := e.codec.DecryptChunk(c)
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return blocks, nil
}

func (e *Engine) encryptAll(ctx context.Context, blocks [][]byte) ([][]byte, error) {
	if e.opts.UseWorkers && e.pool != nil && len(blocks) > 1 {
		return e.codec.EncryptBlocksAsync(ctx, e.pool, blocks)
	}
	chunks := make([][]byte, len(blocks))
	for i, b := range blocks {
		c, err := e.codec.EncryptBlock(b)
		if err != nil {
			return nil, err
		}
		chunks[i] = c
	}
	return chunks, nil
}

// readExistingBlock returns the current plaintext of block n, or a
// zero-filled block if the file has no data yet (meta.Size == 0) or the
// block lies past the encrypted store's actual data-chunk count (a hole
// left by a prior Ftruncate grow, or simply past end of file).
func (e *Engine) readExistingBlock(f *File, n int64) ([]byte, error) {
	if f.Meta.Size == 0 {
		return make([]byte, e.geo.BlockSize), nil
	}
	physical, err := e.physicalDataChunks(f)
	if err != nil {
		return nil, err
	}
	if n >= physical {
		return make([]byte, e.geo.BlockSize), nil
	}

	chunk := make([]byte, e.geo.ChunkSize())
	if _, err := f.Enc.ReadAt(chunk, e.geo.ChunkToOffset(n)); err != nil {
		return nil, efserrors.FromBackingStore("read", "", err)
	}
	block, err := e.codec.DecryptChunk(chunk)
	if err != nil {
		return nil, efserrors.Integrity("write", "", err)
	}
	return block, nil
}

// overlaySegment builds the new plaintext of one block: if overlay is
// exactly one block-aligned full block it is returned as-is; otherwise the
// existing block is read (or zeroed) and overlay is spliced into
// [boundaryOffset, boundaryOffset+len(overlay)), preserving the prefix and
// suffix.
func (e *Engine) overlaySegment(f *File, blockN int64, boundaryOffset int64, overlay []byte) ([]byte, error) {
	if boundaryOffset == 0 && len(overlay) == e.geo.BlockSize {
		out := make([]byte, e.geo.BlockSize)
		copy(out, overlay)
		return out, nil
	}

	if boundaryOffset+int64(len(overlay)) > int64(e.geo.BlockSize) {
		return nil, efserrors.Argument("write", fmt.Errorf("overlay of %d bytes at offset %d spills over block size %d", len(overlay), boundaryOffset, e.geo.BlockSize))
	}

	existing, err := e.readExistingBlock(f, blockN)
	if err != nil {
		return nil, err
	}
	out := make([]byte, e.geo.BlockSize)
	copy(out, existing)
	copy(out[boundaryOffset:], overlay)
	return out, nil
}

// Write performs the read-modify-write sequence: splice the
// first/middle/last block overlays, encrypt, persist data chunks and the
// plaintext-cache mirror, then extend metadata if the write grew the file.
func (e *Engine) Write(ctx context.Context, f *File, buf []byte, offsetInBuf, length, position int64) (int64, error) {
	if err := validateRange(offsetInBuf, length, position); err != nil {
		return 0, err
	}
	if offsetInBuf+length > int64(len(buf)) {
		return 0, efserrors.Argument("write", fmt.Errorf("range [%d, %d) exceeds buffer length %d", offsetInBuf, offsetInBuf+length, len(buf)))
	}
	if length == 0 {
		return 0, nil
	}

	firstBlock := e.geo.OffsetToBlock(position)
	n := e.geo.BlocksSpanned(position, length)
	boundary := e.geo.BoundaryOffset(position)

	blocks := make([][]byte, n)
	payload := buf[offsetInBuf : offsetInBuf+length]

	firstLen := int64(e.geo.BlockSize) - boundary
	if firstLen > length {
		firstLen = length
	}
	firstOverlay := payload[:firstLen]
	firstBlockData, err := e.overlaySegment(f, firstBlock, boundary, firstOverlay)
	if err != nil {
		return 0, err
	}
	blocks[0] = firstBlockData

	consumed := firstLen
	if n >= 2 {
		lastBlockIdx := firstBlock + n - 1
		lastOverlayStart := (n-1)*int64(e.geo.BlockSize) - boundary
		if lastOverlayStart < consumed {
			lastOverlayStart = consumed
		}
		lastOverlay := payload[lastOverlayStart:]
		lastBlockData, err := e.overlaySegment(f, lastBlockIdx, 0, lastOverlay)
		if err != nil {
			return 0, err
		}
		blocks[n-1] = lastBlockData

		for mid := int64(1); mid < n-1; mid++ {
			start := mid*int64(e.geo.BlockSize) - boundary
			end := start + int64(e.geo.BlockSize)
			midOverlay := payload[start:end]
			midBlockData, err := e.overlaySegment(f, firstBlock+mid, 0, midOverlay)
			if err != nil {
				return 0, err
			}
			blocks[mid] = midBlockData
		}
	}

	chunks, err := e.encryptAll(ctx, blocks)
	if err != nil {
		return 0, efserrors.Resource("write", "", err)
	}

	plaintext := make([]byte, 0, int(n)*e.geo.BlockSize)
	for _, b := range blocks {
		plaintext = append(plaintext, b...)
	}
	e.mirrorToCache(f.Plain, e.geo.BlockToOffset(firstBlock), plaintext)

	physical, err := e.physicalDataChunks(f)
	if err != nil {
		return 0, err
	}
	if err := e.fillHole(ctx, f, physical, firstBlock); err != nil {
		return 0, err
	}

	encOffset := e.geo.ChunkToOffset(firstBlock)
	chunkStream := make([]byte, 0, int(n)*e.geo.ChunkSize())
	for _, c := range chunks {
		chunkStream = append(chunkStream, c...)
	}
	if _, err := f.Enc.WriteAt(chunkStream, encOffset); err != nil {
		return 0, efserrors.FromBackingStore("write", "", err)
	}

	newEnd := position + length
	grew := newEnd > int64(f.Meta.Size)
	if grew {
		f.Meta.Size = uint64(newEnd)
	}
	newPhysical := firstBlock + n
	if physical > newPhysical {
		newPhysical = physical
	}
	// The metadata chunk lives immediately after the last physical data
	// chunk. Any write that pushed past the old physical extent overwrote
	// the previous metadata chunk's position, so it must be rewritten even
	// when the recorded size did not change.
	if grew || newPhysical > physical {
		rewritten, err := e.meta.Write(f.Enc, f.Meta, newPhysical)
		if err != nil {
			return 0, err
		}
		f.Meta = rewritten
	}

	return length, nil
}

// fillHole materializes zero-filled chunks for block indices [from, to),
// closing any gap between the physically persisted chunks and a write
// landing past them (left behind by a truncate-grow). Without it the chunk
// stream would be preceded by raw zero bytes that can never authenticate
// as chunks.
func (e *Engine) fillHole(ctx context.Context, f *File, from, to int64) error {
	if to <= from {
		return nil
	}
	zero := make([]byte, e.geo.BlockSize)
	blocks := make([][]byte, to-from)
	for i := range blocks {
		blocks[i] = zero
	}
	chunks, err := e.encryptAll(ctx, blocks)
	if err != nil {
		return efserrors.Resource("write", "", err)
	}
	stream := make([]byte, 0, len(chunks)*e.geo.ChunkSize())
	for _, c := range chunks {
		stream = append(stream, c...)
	}
	if _, err := f.Enc.WriteAt(stream, e.geo.ChunkToOffset(from)); err != nil {
		return efserrors.FromBackingStore("write", "", err)
	}
	return nil
}

// Ftruncate sets the file's recorded plaintext length: shrinking drops
// whole chunks, growing leaves the new range reading as zeros.
func (e *Engine) Ftruncate(f *File, length int64) error {
	if length < 0 {
		return efserrors.Argument("ftruncate", fmt.Errorf("length must be non-negative, got %d", length))
	}

	physical, err := e.physicalDataChunks(f)
	if err != nil {
		return err
	}

	if uint64(length) < f.Meta.Size {
		chunks := e.geo.BlockCount(length)
		// A truncate-grow may have left meta.Size implying more chunks than
		// are physically persisted; never grow the file here.
		if chunks > physical {
			chunks = physical
		}
		// Zero the dropped tail of the boundary block so a later grow reads
		// zeros there, not the bytes the shrink logically discarded. Done
		// before the physical truncate while the old chunk is still
		// readable.
		if boundary := e.geo.BoundaryOffset(length); boundary > 0 && e.geo.OffsetToBlock(length) < chunks {
			blockN := e.geo.OffsetToBlock(length)
			block, err := e.readExistingBlock(f, blockN)
			if err != nil {
				return err
			}
			for i := boundary; i < int64(e.geo.BlockSize); i++ {
				block[i] = 0
			}
			chunk, err := e.codec.EncryptBlock(block)
			if err != nil {
				return efserrors.Resource("truncate", "", err)
			}
			if _, err := f.Enc.WriteAt(chunk, e.geo.ChunkToOffset(blockN)); err != nil {
				return efserrors.FromBackingStore("truncate", "", err)
			}
		}
		if err := f.Enc.Truncate(e.geo.ChunkToOffset(chunks)); err != nil {
			return efserrors.FromBackingStore("truncate", "", err)
		}
		f.Meta.Size = uint64(length)
		rewritten, err := e.meta.Write(f.Enc, f.Meta, chunks)
		if err != nil {
			return err
		}
		f.Meta = rewritten
		return nil
	}

	if uint64(length) > f.Meta.Size {
		// Tail bytes in [meta.Size, length) read as zero virtually; no chunk
		// materialization is required here, unlike Fallocate. The metadata
		// chunk stays right after the last physical data chunk.
		f.Meta.Size = uint64(length)
		rewritten, err := e.meta.Write(f.Enc, f.Meta, physical)
		if err != nil {
			return err
		}
		f.Meta = rewritten
	}

	return nil
}

// Fallocate grows the allocated range, zero-filling any new data chunks
// so reads of the range see zeros rather than stale ciphertext. It never
// shrinks meta.Size.
func (e *Engine) Fallocate(ctx context.Context, f *File, offset, length int64) error {
	if offset < 0 || length < 0 {
		return efserrors.Argument("fallocate", fmt.Errorf("offset and length must be non-negative"))
	}

	target := offset + length

	// Fill from the encrypted store's actual chunk count, not meta.Size's
	// implied count: an earlier Ftruncate grow can have advanced meta.Size
	// past what is physically materialized, leaving a hole. Filling from
	// there backfills that hole with real zero chunks too.
	physical, err := e.physicalDataChunks(f)
	if err != nil {
		return err
	}
	needChunks := e.geo.BlockCount(target)

	grew := uint64(target) > f.Meta.Size
	if !grew && needChunks <= physical {
		return nil
	}

	if err := e.fillHole(ctx, f, physical, needChunks); err != nil {
		return err
	}

	newPhysical := physical
	if needChunks > newPhysical {
		newPhysical = needChunks
	}
	if grew {
		f.Meta.Size = uint64(target)
	}
	rewritten, err := e.meta.Write(f.Enc, f.Meta, newPhysical)
	if err != nil {
		return err
	}
	f.Meta = rewritten
	return nil
}
