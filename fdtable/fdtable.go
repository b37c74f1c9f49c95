// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package fdtable implements the file descriptor table: the mapping from a
// caller-visible integer fd to the pair of underlying descriptors (the
// encrypted store file and its plaintext-cache mirror) and the flags the
// file was opened with.
package fdtable

import (
	"sync"

	"github.com/vaultfs/efs/backingstore"
	"github.com/vaultfs/efs/efserrors"
)

// Entry is one open file's bookkeeping.
type Entry struct {
	// Path is the resolved path used as this inode's identity, for
	// inodelock.Registry lookups.
	Path string
	// Enc is the encrypted-store file, opened read-write regardless of the
	// caller's requested flags so the block engine can rewrite boundary
	// chunks.
	Enc backingstore.PositionalFile
	// Plain is the plaintext-cache mirror, opened or created alongside Enc.
	Plain backingstore.PositionalFile
	// Flags is the normalized open-flag string ("r", "r+", "w", "w+", "a",
	// "a+", "wx", "wx+") the file was opened with.
	Flags string
}

// Table maps caller-visible fds to Entry values. Fd numbers are allocated
// by a monotonically increasing counter and never reused while the table
// is alive, so a stale fd from a concurrent close can never collide with a
// newly opened one.
type Table struct {
	mu      sync.RWMutex
	entries map[int]*Entry
	next    int
}

// New returns an empty fd table.
func New() *Table {
	return &Table{entries: make(map[int]*Entry)}
}

// Insert allocates a new fd for entry and stores it, returning the fd.
func (t *Table) Insert(entry *Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.next
	t.next++
	t.entries[fd] = entry
	return fd
}

// Lookup returns the Entry for fd, or EBADF if fd is not present.
func (t *Table) Lookup(fd int) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[fd]
	if !ok {
		return nil, efserrors.Descriptor("lookup", fd)
	}
	return e, nil
}

// Remove deletes fd from the table, returning EBADF if it was not present
// (e.g. a double-close).
func (t *Table) Remove(fd int) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[fd]
	if !ok {
		return nil, efserrors.Descriptor("close", fd)
	}
	delete(t.entries, fd)
	return e, nil
}

// Len reports the number of currently open fds; it is used by tests.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
