// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Message carries one block between processes.
type Message struct {
	Index []int
	Sizes []int
	Data  any
}

// Exchange sends sends[r] to rank r of c, and returns all messages received, ordered by source rank and,
// within a source, in the order they were sent.
//
// It is a collective operation. Message data is not copied: senders must not modify it afterward.
func Exchange(c comm.Communicator, sends [][]Message) ([]Message, error) {
	if len(sends) != c.Size() {
		return nil, errs.Configurationf("Exchange requires one message list per rank (%d), got %d",
			c.Size(), len(sends))
	}
	payloads := make([]any, len(sends))
	var sentBytes uint64
	for r, msgs := range sends {
		payloads[r] = msgs
		if r == c.Rank() {
			continue
		}
		for _, m := range msgs {
			sentBytes += uint64(dtypes.FromSlice(m.Data).Memory(anyLen(m.Data)))
		}
	}
	recv, err := c.AllToAll(payloads)
	if err != nil {
		return nil, err
	}
	var received []Message
	for _, payload := range recv {
		if msgs, ok := payload.([]Message); ok {
			received = append(received, msgs...)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("rank %d: exchange sent %s to other ranks, received %d blocks",
			c.Rank(), humanize.Bytes(sentBytes), len(received))
	}
	return received, nil
}

// Redistribute returns a new tensor with the same blocks as src, placed according to dist.
// dist must have the same number of blocks per dimension as src, and its grid must span the same communicator.
// The new tensor uses the 2D view (map1, map2) of dist.
//
// Block contents are preserved bit for bit. If move is set, the blocks are moved out of src, which is left
// empty; otherwise src is unchanged.
//
// It is a collective operation: all processes of the communicator must call it.
func Redistribute(src *Tensor, dist *distributed.Distribution, move bool) (*Tensor, error) {
	if err := src.check(); err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, errs.Configurationf("tensor %q: Redistribute requires a distribution", src.name)
	}
	if !distributed.SameNumProcs(src.Grid(), dist.Grid()) {
		return nil, errs.Configurationf("tensor %q: cannot redistribute from %d to %d processes",
			src.name, src.Grid().NumProcs(), dist.Grid().NumProcs())
	}
	dst, err := newLike(src, dist)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q: Redistribute", src.name)
	}
	if err := copyBlocks(src, dst, false, move); err != nil {
		return nil, err
	}
	return dst, nil
}

// Copy adds (if summation is set) or copies the blocks of src into dst. With summation false, dst is cleared
// first, so it ends up with exactly the blocks of src.
//
// src and dst must have the same block structure and element type, but they may have different distributions
// over the same communicator, in which case blocks are moved to their new owners.
//
// It is a collective operation.
func Copy(src, dst *Tensor, summation bool) error {
	if err := src.check(); err != nil {
		return err
	}
	if err := dst.check(); err != nil {
		return err
	}
	if !src.SameBlockStructure(dst) {
		return errs.Shapef("Copy from tensor %q with blocks %v to tensor %q with blocks %v",
			src.name, src.blockSizes, dst.name, dst.blockSizes)
	}
	if src.dtype != dst.dtype {
		return errs.TypeMismatchf("Copy from tensor %q (%s) to tensor %q (%s)", src.name, src.dtype, dst.name, dst.dtype)
	}
	if !distributed.SameNumProcs(src.Grid(), dst.Grid()) {
		return errs.Configurationf("Copy from tensor %q on %d processes to tensor %q on %d processes",
			src.name, src.Grid().NumProcs(), dst.name, dst.Grid().NumProcs())
	}
	if !summation {
		if err := dst.Clear(); err != nil {
			return err
		}
	}
	return copyBlocks(src, dst, summation, false)
}

// copyBlocks sends every local block of src to its owner under dst's distribution, and stores it there.
func copyBlocks(src, dst *Tensor, summation, move bool) error {
	c := src.Grid().Comm()
	sends := make([][]Message, c.Size())
	for _, b := range src.sortedBlocks() {
		owner, err := dst.dist.Owner(b.index)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", dst.name)
		}
		data := b.data
		if !move {
			data = anyClone(data)
		}
		sends[owner] = append(sends[owner], Message{Index: b.index, Sizes: b.sizes, Data: data})
	}
	if move {
		if err := src.Clear(); err != nil {
			return err
		}
	}
	received, err := Exchange(c, sends)
	if err != nil {
		return errors.WithMessagef(err, "tensor %q: redistributing blocks", src.name)
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, m := range received {
		dst.putBlockAny(slices.Clone(m.Index), m.Data, summation)
	}
	return nil
}
