// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package chunkcodec implements the chunk codec: block<->chunk
// transformation under AES-256-GCM with a per-chunk salt and IV, and the
// SHA-256 canary used to detect a wrong master key on open.
//
// The Codec struct holds the master key and delegates to the
// algorithm-specific function pair in internal/aesgcm, the single
// supported cipher suite.
package chunkcodec

import (
	"context"
	"fmt"

	"github.com/vaultfs/efs/chunkcodec/internal/aesgcm"
	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/workerpool"
)

// maximumKeyLength bounds the master key to prevent pathological
// allocations during key derivation.
const maximumKeyLength = 2048

// Codec encrypts and decrypts single blocks under one master key and
// geometry. It is safe for concurrent use: every call derives fresh,
// independent key material from the chunk's own salt.
type Codec struct {
	geometry  geometry.Geometry
	masterKey []byte
}

// New returns a Codec bound to masterKey and g. The codec keeps a reference
// to masterKey rather than copying it, so the caller can hold the key in
// protected memory (memguard) without a plain-heap copy escaping; the
// buffer must stay alive and unmodified for the codec's lifetime.
func New(g geometry.Geometry, masterKey []byte) (*Codec, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key must not be empty")
	}
	if len(masterKey) > maximumKeyLength {
		return nil, fmt.Errorf("master key too large, ensure a key smaller than %d bytes", maximumKeyLength)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	if g.TagSize != aesgcm.TagSize {
		return nil, fmt.Errorf("tag size must be %d for AES-GCM, got %d", aesgcm.TagSize, g.TagSize)
	}

	return &Codec{geometry: g, masterKey: masterKey}, nil
}

// EncryptBlock encrypts exactly one block of geometry.BlockSize bytes,
// returning salt || iv || tag || ciphertext.
func (c *Codec) EncryptBlock(block []byte) ([]byte, error) {
	if len(block) != c.geometry.BlockSize {
		return nil, fmt.Errorf("block must be exactly %d bytes, got %d", c.geometry.BlockSize, len(block))
	}
	return aesgcm.Encrypt(c.masterKey, block, c.geometry.SaltSize, c.geometry.IVSize)
}

// DecryptChunk decrypts one chunk, verifying the authentication tag.
func (c *Codec) DecryptChunk(chunk []byte) ([]byte, error) {
	if len(chunk) != c.geometry.ChunkSize() {
		return nil, fmt.Errorf("chunk must be exactly %d bytes, got %d", c.geometry.ChunkSize(), len(chunk))
	}
	return aesgcm.Decrypt(c.masterKey, chunk, c.geometry.SaltSize, c.geometry.IVSize, c.geometry.TagSize)
}

// Hash returns the SHA-256 canary of the master key.
func (c *Codec) Hash() [32]byte {
	return aesgcm.Hash(c.masterKey)
}

// Geometry returns the geometry this codec was constructed with.
func (c *Codec) Geometry() geometry.Geometry {
	return c.geometry
}

// EncryptBlockAsync submits the block's encryption to pool, blocking the
// caller until the job completes or ctx is cancelled. blockio does not call
// it: multi-block writes go through EncryptBlocksAsync, and single-block
// writes and the metadata chunk call EncryptBlock directly, avoiding a pool
// round-trip on contention-sensitive paths.
func (c *Codec) EncryptBlockAsync(ctx context.Context, pool *workerpool.Pool, block []byte) ([]byte, error) {
	return pool.Submit(ctx, func() ([]byte, error) {
		return c.EncryptBlock(block)
	})
}

// DecryptChunkAsync submits the chunk's decryption to pool, blocking the
// caller until the job completes or ctx is cancelled.
func (c *Codec) DecryptChunkAsync(ctx context.Context, pool *workerpool.Pool, chunk []byte) ([]byte, error) {
	return pool.Submit(ctx, func() ([]byte, error) {
		return c.DecryptChunk(chunk)
	})
}

// EncryptBlocksAsync encrypts multiple blocks concurrently via
// pool.SubmitAll, returning their chunks in the same order. This is what
// blockio.Engine uses for a multi-block write when options enable workers.
func (c *Codec) EncryptBlocksAsync(ctx context.Context, pool *workerpool.Pool, blocks [][]byte) ([][]byte, error) {
	jobs := make([]workerpool.Job, len(blocks))
	for i, block := range blocks {
		block := block
		jobs[i] = func() ([]byte, error) { return c.EncryptBlock(block) }
	}
	return pool.SubmitAll(ctx, jobs)
}

// DecryptChunksAsync decrypts multiple chunks concurrently via
// pool.SubmitAll, returning their blocks in the same order.
func (c *Codec) DecryptChunksAsync(ctx context.Context, pool *workerpool.Pool, chunks [][]byte) ([][]byte, error) {
	jobs := make([]workerpool.Job, len(chunks))
	for i, chunk := range chunks {
		chunk := chunk
		jobs[i] = func() ([]byte, error) { return c.DecryptChunk(chunk) }
	}
	return pool.SubmitAll(ctx, jobs)
}
