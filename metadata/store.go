// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"
	"syscall"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/chunkcodec"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/log"
)

// Store locates, reads, decrypts, and rewrites the trailing metadata chunk
// of one encrypted file.
type Store struct {
	codec     *chunkcodec.Codec
	geo       geometry.Geometry
	masterKey []byte
}

// NewStore returns a Store bound to codec's geometry and master key. Like
// chunkcodec.New, the store keeps a reference to masterKey rather than
// copying it; the buffer must stay alive and unmodified for the store's
// lifetime.
func NewStore(codec *chunkcodec.Codec, masterKey []byte) *Store {
	return &Store{codec: codec, geo: codec.Geometry(), masterKey: masterKey}
}

// Init returns the record written for a newly created file: zero size and
// the current master key's canary.
func (s *Store) Init() Record {
	return Record{Size: 0, KeyHash: s.codec.Hash()}
}

// Open locates the metadata chunk at the tail of enc (encryptedSize -
// chunk_size), decrypts and parses it, and verifies the master-key canary.
func (s *Store) Open(enc backingstore.PositionalFile) (Record, error) {
	info, err := enc.Stat()
	if err != nil {
		return Record{}, efserrors.FromBackingStore("stat", "", err)
	}

	chunkSize := int64(s.geo.ChunkSize())
	encSize := info.Size()
	if encSize < chunkSize || encSize%chunkSize != 0 {
		return Record{}, efserrors.Integrity("open", "", fmt.Errorf("encrypted file size %d is not a whole number of chunks", encSize))
	}

	offset := encSize - chunkSize
	chunk := make([]byte, chunkSize)
	if _, err := enc.ReadAt(chunk, offset); err != nil {
		return Record{}, efserrors.FromBackingStore("read", "", err)
	}

	// A metadata chunk that fails authentication on open almost always
	// means the wrong master key, not corruption: surface it as a key
	// error so callers can prompt for the right key instead of treating
	// the file as damaged.
	block, err := s.codec.DecryptChunk(chunk)
	if err != nil {
		return Record{}, efserrors.New(syscall.EACCES, "open", "", fmt.Errorf("%w: %w", efserrors.ErrKeyMismatch, err))
	}

	r, err := Parse(block, s.masterKey)
	if err != nil {
		return Record{}, efserrors.Integrity("open", "", err)
	}

	want := s.codec.Hash()
	if r.KeyHash != want {
		log.Component("metadata").Messagef("metadata canary mismatch on open")
		return Record{}, efserrors.KeyMismatch("open", "")
	}

	return r, nil
}

// Write encrypts r and persists it as the trailing chunk at
// geo.MetadataOffset(dataChunks), incrementing r.Generation. It returns the
// record actually written (with its incremented Generation).
func (s *Store) Write(enc backingstore.PositionalFile, r Record, dataChunks int64) (Record, error) {
	r.Generation++

	block, err := Marshal(r, s.geo, s.masterKey)
	if err != nil {
		return Record{}, efserrors.Argument("write-metadata", err)
	}

	chunk, err := s.codec.EncryptBlock(block)
	if err != nil {
		return Record{}, efserrors.Resource("write-metadata", "", err)
	}

	offset := s.geo.MetadataOffset(dataChunks)
	if _, err := enc.WriteAt(chunk, offset); err != nil {
		return Record{}, efserrors.FromBackingStore("write", "", err)
	}

	return r, nil
}
