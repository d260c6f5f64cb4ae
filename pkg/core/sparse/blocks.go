// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/pkg/errors"
)

// checkLocal validates the index and that the local process owns it.
func (t *Tensor) checkLocal(index []int) error {
	if err := t.checkIndex(index); err != nil {
		return err
	}
	owner, err := t.dist.Owner(index)
	if err != nil {
		return errors.WithMessagef(err, "tensor %q", t.name)
	}
	if rank := t.LocalRank(); owner != rank {
		return errs.Ownershipf("tensor %q: block %v is owned by rank %d, not by the local rank %d",
			t.name, index, owner, rank)
	}
	return nil
}

// ReserveBlocks creates zero-filled blocks for each of the indices owned by the local process that are not
// stored yet. Indices owned by other processes are ignored, so callers can pass a superset. Indices already
// stored are left untouched.
//
// Validation happens before any block is created: on error the tensor is unchanged.
func (t *Tensor) ReserveBlocks(indices [][]int) error {
	if err := t.check(); err != nil {
		return err
	}
	rank := t.LocalRank()
	local := make([][]int, 0, len(indices))
	for _, index := range indices {
		if err := t.checkIndex(index); err != nil {
			return err
		}
		owner, err := t.dist.Owner(index)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", t.name)
		}
		if owner == rank {
			local = append(local, index)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, index := range local {
		key := keyOf(index)
		if _, found := t.blocks[key]; found {
			continue
		}
		sizes := t.blockShape(index)
		t.blocks[key] = &Block{
			index: slices.Clone(index),
			sizes: sizes,
			data:  t.dtype.MakeSlice(xslices.Product(sizes)),
		}
	}
	return nil
}

// HasBlock reports whether the block at index is stored locally.
func (t *Tensor) HasBlock(index []int) bool {
	if t.check() != nil || t.checkIndex(index) != nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.blocks[keyOf(index)]
	return found
}

// lookup returns the block at index or nil. It validates the index and the type T.
func lookup[T dtypes.Supported](t *Tensor, index []int) (*Block, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := dtypes.Check[T](t.dtype); err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", t.name)
	}
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	return t.blocks[keyOf(index)], nil
}

// GetBlock returns a copy of the data of the block at index and its sizes.
// If the block is not stored locally, found is false and no error is returned.
//
// T must match the tensor's DType, otherwise an errs.ErrTypeMismatch error is returned.
func GetBlock[T dtypes.Supported](t *Tensor, index []int) (data []T, sizes []int, found bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b *Block
	b, err = lookup[T](t, index)
	if err != nil || b == nil {
		return
	}
	return slices.Clone(b.data.([]T)), slices.Clone(b.sizes), true, nil
}

// GetBlockInto copies the data of the block at index into buf, which must have at least as many elements
// as the block, and returns the block sizes.
//
// If the block is not stored locally, found is false and buf is left untouched.
func GetBlockInto[T dtypes.Supported](t *Tensor, index []int, buf []T) (sizes []int, found bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b *Block
	b, err = lookup[T](t, index)
	if err != nil || b == nil {
		return
	}
	data := b.data.([]T)
	if len(buf) < len(data) {
		return nil, false, errs.Shapef("tensor %q: buffer of %d elements too small for block %v with sizes %v",
			t.name, len(buf), index, b.sizes)
	}
	copy(buf, data)
	return slices.Clone(b.sizes), true, nil
}

// PutBlock stores a copy of data as the block at index. The block must be owned by the local process,
// and sizes must match the block sizes of the tensor at index.
//
// If summation is true and the block already exists, data is added to it instead of replacing it.
// An optional scale multiplies data before it is stored (or added).
func PutBlock[T dtypes.Supported](t *Tensor, index []int, data []T, sizes []int, summation bool, scale ...T) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := dtypes.Check[T](t.dtype); err != nil {
		return errors.WithMessagef(err, "tensor %q", t.name)
	}
	if err := t.checkLocal(index); err != nil {
		return err
	}
	expected := t.blockShape(index)
	if !slices.Equal(sizes, expected) {
		return errs.Shapef("tensor %q: block %v has sizes %v, got %v", t.name, index, expected, sizes)
	}
	if n := xslices.Product(expected); len(data) != n {
		return errs.Shapef("tensor %q: block %v with sizes %v needs %d elements, got %d",
			t.name, index, expected, n, len(data))
	}
	var s T = 1
	if len(scale) > 0 {
		s = scale[0]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := keyOf(index)
	if b, found := t.blocks[key]; found && summation {
		axpy(b.data.([]T), data, s)
		return nil
	}
	stored := slices.Clone(data)
	if s != 1 {
		scaleSlice(stored, s)
	}
	t.blocks[key] = &Block{index: slices.Clone(index), sizes: expected, data: stored}
	return nil
}

// putBlockAny stores data, already of the tensor's type, as the block at index. It takes ownership of data.
// The caller must hold the write lock.
func (t *Tensor) putBlockAny(index []int, data any, summation bool) {
	key := keyOf(index)
	if b, found := t.blocks[key]; found && summation {
		anyAdd(b.data, data)
		return
	}
	t.blocks[key] = &Block{index: slices.Clone(index), sizes: t.blockShape(index), data: data}
}

// RemoveBlock drops the block at index, if stored locally. It reports whether a block was removed.
func (t *Tensor) RemoveBlock(index []int) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	if err := t.checkIndex(index); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := keyOf(index)
	_, found := t.blocks[key]
	delete(t.blocks, key)
	return found, nil
}

// Clear removes all local blocks.
func (t *Tensor) Clear() error {
	if err := t.check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.blocks)
	return nil
}
