// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workerpool offloads single-block crypto jobs to a bounded set
// of goroutines so that the encryption and decryption of a multi-block
// operation run in parallel while the rest of the engine stays a
// cooperative, single-request-at-a-time state machine.
//
// golang.org/x/sync/semaphore bounds concurrent admission and
// golang.org/x/sync/errgroup collects the first error without extra
// bookkeeping.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vaultfs/efs/log"
)

// ErrNotReady is returned by Submit when the pool has not finished starting
// within the caller-supplied startup wait.
var ErrNotReady = errors.New("workerpool: pool is still initializing")

// Job is a pure function executed on a worker goroutine: either
// (block, masterKey, salt, iv) -> chunk or (chunk, masterKey) -> block,
// depending on what the caller closed over.
type Job func() ([]byte, error)

// Pool bounds the number of concurrently running crypto jobs.
type Pool struct {
	size        int
	sem         *semaphore.Weighted
	startupWait time.Duration
	ready       chan struct{}
}

// New creates a pool with the given worker count. size must be at least 1.
func New(size int, startupWait time.Duration) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("workerpool: size must be at least 1, got %d", size)
	}
	if startupWait <= 0 {
		startupWait = 2 * time.Second
	}
	return &Pool{
		size:        size,
		sem:         semaphore.NewWeighted(int64(size)),
		startupWait: startupWait,
		ready:       make(chan struct{}),
	}, nil
}

// Start marks the pool as initialized. Initialization is asynchronous:
// callers racing Submit before Start block up to startupWait.
func (p *Pool) Start(_ context.Context) {
	close(p.ready)
}

// Submit runs job on a worker goroutine, blocking the caller until it
// completes, the context is cancelled, or the pool fails to become ready
// within the startup wait.
func (p *Pool) Submit(ctx context.Context, job Job) ([]byte, error) {
	requestID := uuid.New()

	select {
	case <-p.ready:
	case <-time.After(p.startupWait):
		return nil, ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("workerpool: acquire: %w", err)
	}
	defer p.sem.Release(1)

	log.Field("job_id", requestID.String()).Level(log.DebugLevel).Message("workerpool: running job")

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := job()
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			log.Field("job_id", requestID.String()).Error(r.err).Message("workerpool: job failed")
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAll runs every job in jobs concurrently, bounded by the pool's
// worker count, and returns their results in the same order. It is used by
// the block engine to encrypt/decrypt several blocks of one multi-block
// write/read concurrently instead of one-at-a-time.
func (p *Pool) SubmitAll(ctx context.Context, jobs []Job) ([][]byte, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	select {
	case <-p.ready:
	case <-time.After(p.startupWait):
		return nil, ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	results := make([][]byte, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			out, err := job()
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
