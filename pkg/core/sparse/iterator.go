// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/errs"
)

// BlockInfo describes a block returned by an Iterator.
type BlockInfo struct {
	// Index of the block.
	Index []int

	// Rank of the process storing the block.
	Rank int

	// Sizes of the block along each dimension.
	Sizes []int

	// Offsets of the first element of the block along each dimension, in the dense layout.
	Offsets []int
}

// Iterator walks over the blocks stored locally in a Tensor, in increasing lexicographic order of
// their indices.
//
// It works on a snapshot of the set of blocks taken when it is created: blocks added or removed afterward
// are not seen. Block data is shared with the tensor.
type Iterator struct {
	t      *Tensor
	blocks []*Block
	pos    int
}

// Iterate returns an Iterator over the local blocks of the tensor.
func (t *Tensor) Iterate() (*Iterator, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return &Iterator{t: t, blocks: t.sortedBlocks()}, nil
}

// sortedBlocks returns the local blocks sorted by index.
func (t *Tensor) sortedBlocks() []*Block {
	t.mu.RLock()
	blocks := make([]*Block, 0, len(t.blocks))
	for _, b := range t.blocks {
		blocks = append(blocks, b)
	}
	t.mu.RUnlock()
	slices.SortFunc(blocks, func(a, b *Block) int { return slices.Compare(a.index, b.index) })
	return blocks
}

// HasNext reports whether Next will return another block.
func (it *Iterator) HasNext() bool {
	return it.blocks != nil && it.pos < len(it.blocks)
}

// Next returns the next block. After the last block, or after Stop, it returns an errs.ErrIteratorExhausted error.
// Once the tensor is destroyed it returns an errs.ErrDestroyed error.
func (it *Iterator) Next() (BlockInfo, *Block, error) {
	if err := it.t.check(); err != nil {
		return BlockInfo{}, nil, err
	}
	if !it.HasNext() {
		return BlockInfo{}, nil, errs.ErrIteratorExhausted
	}
	b := it.blocks[it.pos]
	it.pos++
	return BlockInfo{
		Index:   slices.Clone(b.index),
		Rank:    it.t.LocalRank(),
		Sizes:   slices.Clone(b.sizes),
		Offsets: it.t.blockOffset(b.index),
	}, b, nil
}

// Stop releases the iterator. Further calls to Next return an errs.ErrIteratorExhausted error.
func (it *Iterator) Stop() {
	it.blocks = nil
	it.pos = 0
}

// LocalIndices returns the indices of the blocks stored locally, sorted lexicographically.
func (t *Tensor) LocalIndices() ([][]int, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	blocks := t.sortedBlocks()
	indices := make([][]int, len(blocks))
	for ii, b := range blocks {
		indices[ii] = slices.Clone(b.index)
	}
	return indices, nil
}
