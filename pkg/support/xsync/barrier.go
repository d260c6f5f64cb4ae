// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync holds synchronization primitives missing from the standard sync package.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Barrier is a reusable (cyclic) barrier for a fixed number of parties.
//
// Each call to Wait blocks until all parties have called Wait for the current generation, then all of them are
// released and the barrier resets for the next generation.
//
// A barrier can be aborted, in which case every current and future Wait returns the abort error.
//
// It uses sync.Cond to coordinate changes.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
	abortErr   error
}

// NewBarrier creates a new Barrier for the given number of parties.
// It panics if parties < 1.
func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		panic(errors.Errorf("Barrier: parties must be >= 1, got %d", parties))
	}
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Parties returns the number of parties the barrier waits for.
func (b *Barrier) Parties() int {
	return b.parties
}

// Wait blocks until all parties arrive, and returns the generation that was completed.
// It returns the abort error if the barrier was (or gets) aborted.
func (b *Barrier) Wait() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abortErr != nil {
		return b.generation, b.abortErr
	}
	gen := b.generation
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return gen, nil
	}
	// Loop is needed because sync.Cond.Wait() can have spurious wakeups.
	for gen == b.generation && b.abortErr == nil {
		b.cond.Wait()
	}
	if gen == b.generation {
		return gen, b.abortErr
	}
	return gen, nil
}

// Abort releases all waiting parties with err, and makes future calls to Wait fail with it.
// Only the first abort error is kept.
func (b *Barrier) Abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abortErr == nil {
		b.abortErr = err
	}
	b.cond.Broadcast()
}

// Err returns the abort error, or nil if the barrier was not aborted.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortErr
}
