// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backingstore provides the two storage adapters the block engine
// is built against: the encrypted store holding the chunk sequence, and the
// plaintext cache mirroring decrypted blocks for fast reads. Both are
// expressed in terms of vfs.PositionalFileSystem so that either one can be
// backed by a real directory (OS) or an in-memory fixture (Memory) without
// any change to the code that consumes them.
package backingstore

import (
	"io/fs"

	"github.com/vaultfs/efs/vfs"
)

// PositionalFile is a file opened for random-access reads and writes,
// re-exported from vfs so callers of this package never need to import vfs
// directly.
type PositionalFile = vfs.PositionalFile

// EncryptedStore holds the chunk sequence (data chunks plus the trailing
// metadata chunk) for every inode.
type EncryptedStore interface {
	vfs.FileSystem
	OpenPositional(path string, flags int, mode fs.FileMode) (PositionalFile, error)
}

// PlaintextCache mirrors decrypted blocks so reads that hit the cache avoid
// re-deriving keys and re-running AES-GCM. It is best-effort: callers must
// tolerate it failing independently of the encrypted store (see
// blockio.Engine).
type PlaintextCache interface {
	vfs.FileSystem
	OpenPositional(path string, flags int, mode fs.FileMode) (PositionalFile, error)
}

// OS returns an EncryptedStore/PlaintextCache backed by the real
// filesystem, rooted whererever the supplied paths point. It is a thin
// rename of vfs.OS() to this package's narrower interface; *os.File already
// satisfies PositionalFile natively (see vfs/os.go).
func OS() EncryptedStore {
	return vfs.OS().(vfs.PositionalFileSystem)
}

// Memory returns an in-memory EncryptedStore/PlaintextCache. Every test in
// this module uses it as a fixture so the suite never touches disk.
func Memory() EncryptedStore {
	return vfs.Memory()
}
