// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package efs implements a POSIX-like encrypted filesystem core whose
// persistent state is a sequence of AES-256-GCM authenticated chunks stored
// on an untrusted backing filesystem.
//
// Clients perform familiar file operations (open, read, write, truncate,
// fallocate) against plaintext offsets; the package transparently maps those
// offsets onto fixed-size encrypted chunks, authenticates every block, and
// never lets plaintext reach the encrypted backing store. A per-file
// metadata chunk records the authoritative plaintext size and a master-key
// canary so that a wrong key is detected on open, before any data is
// served.
//
// The package is organized one concern per directory: chunkcodec (the
// block/chunk cipher), geometry (offset arithmetic), metadata (the trailing
// metadata chunk), blockio (the read-modify-write engine), fdtable,
// inodelock, workerpool, backingstore, efserrors and efsconfig. This root
// package ties them together behind the FS handle.
package efs
