// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"fmt"
	"os"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/chunkcodec"
	"github.com/vaultfs/efs/efsconfig"
	"github.com/vaultfs/efs/efserrors"
	"github.com/vaultfs/efs/metadata"
)

// RotateKey re-encrypts every data chunk and the metadata chunk of path
// under newKey. The file must not be open through any FS handle while the
// rotation runs; this is an offline maintenance operation, not a per-fd
// one.
//
// The old key is verified against the file's metadata canary before any
// chunk is rewritten, so a wrong oldKey fails closed without modifying the
// file. Chunks are rewritten in place one at a time; a crash mid-rotation
// leaves a file that neither key fully opens, so callers wanting crash
// safety should rotate a copy and rename over the original.
func RotateKey(oldKey, newKey []byte, store backingstore.EncryptedStore, path string, opts efsconfig.Options) error {
	if err := opts.Validate(); err != nil {
		return efserrors.Argument("rotate", err)
	}
	geo := opts.Geometry()

	oldCodec, err := chunkcodec.New(geo, oldKey)
	if err != nil {
		return efserrors.Argument("rotate", err)
	}
	newCodec, err := chunkcodec.New(geo, newKey)
	if err != nil {
		return efserrors.Argument("rotate", err)
	}
	oldStore := metadata.NewStore(oldCodec, oldKey)
	newStore := metadata.NewStore(newCodec, newKey)

	file, err := store.OpenPositional(path, os.O_RDWR, 0)
	if err != nil {
		return efserrors.FromBackingStore("rotate", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return efserrors.FromBackingStore("rotate", path, err)
	}
	chunkSize := int64(geo.ChunkSize())
	if info.Size() < chunkSize || info.Size()%chunkSize != 0 {
		return efserrors.Integrity("rotate", path, fmt.Errorf("encrypted file size %d is not a whole number of chunks", info.Size()))
	}

	rec, err := oldStore.Open(file)
	if err != nil {
		return withPath(err, path)
	}

	dataChunks := info.Size()/chunkSize - 1
	chunk := make([]byte, chunkSize)
	for i := int64(0); i < dataChunks; i++ {
		off := geo.ChunkToOffset(i)
		if _, err := file.ReadAt(chunk, off); err != nil {
			return efserrors.FromBackingStore("rotate", path, err)
		}
		block, err := oldCodec.DecryptChunk(chunk)
		if err != nil {
			return efserrors.Integrity("rotate", path, err)
		}
		reencrypted, err := newCodec.EncryptBlock(block)
		if err != nil {
			return efserrors.Resource("rotate", path, err)
		}
		if _, err := file.WriteAt(reencrypted, off); err != nil {
			return efserrors.FromBackingStore("rotate", path, err)
		}
	}

	rec.KeyHash = newCodec.Hash()
	if _, err := newStore.Write(file, rec, dataChunks); err != nil {
		return withPath(err, path)
	}
	return nil
}
