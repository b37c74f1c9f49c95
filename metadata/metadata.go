// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements the per-inode metadata store: the plaintext
// file size and the master-key canary, persisted as one additional chunk
// appended at the tail of the encrypted file's chunk sequence.
package metadata

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/geometry"
)

// hmacInfo labels the HKDF expansion so the derived key is never reused for
// any other purpose even if masterKey is reused elsewhere.
const hmacInfo = "efs-metadata-hmac"

const hmacTagSize = sha256.Size

// Record is the metadata persisted for one inode.
type Record struct {
	// Size is the authoritative plaintext length of the file.
	Size uint64 `cbor:"1,keyasint"`
	// KeyHash is SHA-256(master_key), a canary verifying the master key on
	// open of an existing file.
	KeyHash [32]byte `cbor:"2,keyasint"`
	// Generation counts successful metadata rewrites, letting a caller
	// detect that a file changed underneath a cached read without
	// re-reading all chunks.
	Generation uint32 `cbor:"3,keyasint"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadata: invalid cbor encoding options: %v", err))
	}
	return mode
}()

func deriveHMACKey(masterKey []byte) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, masterKey, []byte(hmacInfo)), key); err != nil {
		return nil, fmt.Errorf("metadata: unable to derive hmac key: %w", err)
	}
	return key, nil
}

// Marshal serializes r, appends an HMAC-SHA256 tag (keyed by a value
// derived from masterKey via HKDF) over the encoded record as a defense in
// depth beyond the chunk's own AES-GCM authentication, and right-pads the
// result with NUL bytes to exactly g.BlockSize. It fails if the encoded
// record and tag do not fit in one block.
func Marshal(r Record, g geometry.Geometry, masterKey []byte) ([]byte, error) {
	encoded, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("metadata: unable to encode record: %w", err)
	}

	hmacKey, err := deriveHMACKey(masterKey)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(encoded)
	tagged := append(encoded, mac.Sum(nil)...)

	if len(tagged) > g.BlockSize {
		return nil, efserrors.ErrMetadataTooLarge
	}

	block := make([]byte, g.BlockSize)
	copy(block, tagged)
	return block, nil
}

// Parse decodes a metadata record from a block previously produced by
// Marshal and verifies its HMAC tag against masterKey.
//
// The record's binary fields (KeyHash, and the HMAC tag appended after
// it) may legitimately contain 0x00 bytes, so scanning for a NUL
// terminator would truncate a well-formed record. Instead this decodes
// exactly one self-describing CBOR item from the front of the block via a
// streaming decoder and finds where the record ends by re-encoding it in
// the same canonical mode Marshal uses, so the NUL padding that follows
// the tag is never examined.
func Parse(block []byte, masterKey []byte) (Record, error) {
	var r Record
	dec := cbor.NewDecoder(bytes.NewReader(block))
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("metadata: unable to decode record: %w", err)
	}
	// The decoder buffers ahead of the record, so how much of the reader
	// it consumed says nothing about the record's length.
	reencoded, err := encMode.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("metadata: unable to encode record: %w", err)
	}
	encodedLen := len(reencoded)

	if len(block)-encodedLen < hmacTagSize {
		return Record{}, efserrors.ErrIntegrity
	}
	encoded := block[:encodedLen]
	gotTag := block[encodedLen : encodedLen+hmacTagSize]

	hmacKey, err := deriveHMACKey(masterKey)
	if err != nil {
		return Record{}, err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(encoded)
	wantTag := mac.Sum(nil)

	if !hmac.Equal(gotTag, wantTag) {
		return Record{}, efserrors.ErrIntegrity
	}
	return r, nil
}
