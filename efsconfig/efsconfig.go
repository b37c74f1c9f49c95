// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package efsconfig holds the construction-time options for an encrypted
// filesystem handle: the chunk geometry, the worker-pool policy, and the
// process umask applied to newly created files.
package efsconfig

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vaultfs/efs/geometry"
	"github.com/vaultfs/efs/ioutil"
)

// defaultWorkerStartupWait bounds how long a caller blocks on first use if
// the worker pool has not finished initializing.
const defaultWorkerStartupWait = 2 * time.Second

// minMetadataBlockSize is the smallest block size that can hold a metadata
// record (size, key hash, generation) plus its HMAC integrity tag with
// comfortable headroom for CBOR framing overhead.
const minMetadataBlockSize = 128

// Options is the construction-time options record. Geometry fields are
// derived-but-fixed: a caller may parameterize them when creating a new
// encrypted file. They are not recorded in the file: every open takes the
// geometry from the Options passed to efs.New, and a file opened with a
// geometry other than the one it was written with is rejected only
// indirectly, as an integrity or key-mismatch error -- see geometry.Geometry.
type Options struct {
	// Umask is applied to the mode bits of newly created encrypted files.
	Umask uint32 `yaml:"umask"`
	// BlockSize is the plaintext block size in bytes. Must be a power of two.
	BlockSize int `yaml:"block_size"`
	// SaltSize, IVSize and TagSize are the chunk-codec geometry constants.
	SaltSize int `yaml:"salt_size"`
	IVSize   int `yaml:"iv_size"`
	TagSize  int `yaml:"tag_size"`
	// UseWorkers enables offloading multi-block crypto operations to the
	// worker pool. Single-block operations always run synchronously.
	UseWorkers bool `yaml:"use_workers"`
	// WorkerPoolSize is the number of concurrent crypto jobs the pool
	// admits. Ignored when UseWorkers is false. Zero is invalid when
	// UseWorkers is true: Default() fills it in, and Validate() rejects zero.
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// WorkerStartupWait bounds how long Pool.Submit blocks waiting for the
	// pool to finish initializing before giving up.
	WorkerStartupWait time.Duration `yaml:"worker_startup_wait"`
}

// Default returns the options used when a caller does not supply its own:
// the standard chunk geometry, workers disabled, and a worker pool
// sized min(NumCPU(), 4) in case a caller enables UseWorkers afterward.
func Default() Options {
	g := geometry.Default()
	poolSize := runtime.NumCPU()
	if poolSize > 4 {
		poolSize = 4
	}
	return Options{
		Umask:             0o022,
		BlockSize:         g.BlockSize,
		SaltSize:          g.SaltSize,
		IVSize:            g.IVSize,
		TagSize:           g.TagSize,
		UseWorkers:        false,
		WorkerPoolSize:    poolSize,
		WorkerStartupWait: defaultWorkerStartupWait,
	}
}

// maxConfigSize bounds how much YAML Load consumes, preventing a memory
// bomb from an untrusted configuration source.
const maxConfigSize = 1 << 20

// Load parses a YAML document into an Options value, starting from
// Default() so an omitted field keeps its default rather than zeroing out.
func Load(r io.Reader) (Options, error) {
	opts := Default()
	var buf bytes.Buffer
	if _, err := ioutil.LimitCopy(&buf, r, maxConfigSize); err != nil {
		return Options{}, fmt.Errorf("efsconfig: unable to read options: %w", err)
	}
	if err := yaml.Unmarshal(buf.Bytes(), &opts); err != nil {
		return Options{}, fmt.Errorf("efsconfig: unable to decode options: %w", err)
	}
	return opts, nil
}

// Geometry projects the geometry-relevant fields of o into a
// geometry.Geometry value.
func (o Options) Geometry() geometry.Geometry {
	return geometry.Geometry{
		BlockSize: o.BlockSize,
		SaltSize:  o.SaltSize,
		IVSize:    o.IVSize,
		TagSize:   o.TagSize,
	}
}

// Validate rejects non-power-of-two block sizes, oversized metadata
// records, negative geometry fields, and zero worker-pool sizes when
// UseWorkers is set.
func (o Options) Validate() error {
	if err := o.Geometry().Validate(); err != nil {
		return fmt.Errorf("efsconfig: %w", err)
	}
	if o.BlockSize&(o.BlockSize-1) != 0 {
		return fmt.Errorf("efsconfig: block_size must be a power of two, got %d", o.BlockSize)
	}
	if o.BlockSize < minMetadataBlockSize {
		return fmt.Errorf("efsconfig: block_size %d too small to hold a metadata record", o.BlockSize)
	}
	if o.UseWorkers && o.WorkerPoolSize <= 0 {
		return fmt.Errorf("efsconfig: worker_pool_size must be positive when use_workers is set")
	}
	if o.UseWorkers && o.WorkerStartupWait <= 0 {
		return fmt.Errorf("efsconfig: worker_startup_wait must be positive when use_workers is set")
	}
	return nil
}
