// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// refinement returns, for each old block along a dimension, the range [first, last) of new blocks covering it.
// It fails if newSizes is not a refinement of oldSizes.
func refinement(oldSizes, newSizes []int) ([][2]int, error) {
	ranges := make([][2]int, len(oldSizes))
	next := 0
	for b, size := range oldSizes {
		first := next
		covered := 0
		for covered < size && next < len(newSizes) {
			if newSizes[next] < 1 {
				return nil, errs.Shapef("new block %d has size %d, it must be >= 1", next, newSizes[next])
			}
			covered += newSizes[next]
			next++
		}
		if covered != size {
			return nil, errs.Shapef("new block sizes %v don't refine block %d (size %d) of %v",
				newSizes, b, size, oldSizes)
		}
		ranges[b] = [2]int{first, next}
	}
	if next != len(newSizes) {
		return nil, errs.Shapef("new block sizes %v cover more than the %d elements of %v",
			newSizes, xslices.Sum(oldSizes), oldSizes)
	}
	return ranges, nil
}

// SplitBlocks returns a new tensor whose blocks along dimension dim are split according to newBlockSizes,
// which must be a refinement of the current block sizes of dim. Other dimensions are unchanged.
//
// Each new block is owned by the same process that owns the block it came from, so no data moves between
// processes. The new tensor holds its own Distribution over the same grid, released by its Destroy.
//
// If keepData is false the new tensor is empty.
func (t *Tensor) SplitBlocks(dim int, newBlockSizes []int, keepData bool) (*Tensor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if dim < 0 || dim >= t.Rank() {
		return nil, errs.Shapef("tensor %q: split dimension %d out of range for rank %d", t.name, dim, t.Rank())
	}
	ranges, err := refinement(t.blockSizes[dim], newBlockSizes)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q: splitting dimension %d", t.name, dim)
	}

	owners := make([][]int, t.Rank())
	for d := range owners {
		owners[d] = t.dist.Owners(d)
	}
	parentOwners := owners[dim]
	owners[dim] = make([]int, len(newBlockSizes))
	parentOf := make([]int, len(newBlockSizes))
	for b, r := range ranges {
		for child := r[0]; child < r[1]; child++ {
			owners[dim][child] = parentOwners[b]
			parentOf[child] = b
		}
	}
	dist, err := distributed.NewDistribution(t.Grid(), t.dist.Map1(), t.dist.Map2(), owners, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q: splitting dimension %d", t.name, dim)
	}
	sizes := t.AllBlockSizes()
	sizes[dim] = slices.Clone(newBlockSizes)
	split, err := New(t.name, dist, t.map1, t.map2, t.dtype, sizes)
	if err != nil {
		return nil, err
	}
	split.ownsDist = true
	if !keepData {
		return split, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	split.mu.Lock()
	defer split.mu.Unlock()
	for _, b := range t.blocks {
		r := ranges[b.index[dim]]
		offset := 0
		for child := r[0]; child < r[1]; child++ {
			n := newBlockSizes[child]
			index := slices.Clone(b.index)
			index[dim] = child
			split.putBlockAny(index, anySliceAlong(b.data, b.sizes, dim, offset, n), false)
			offset += n
		}
	}
	klog.V(2).Infof("tensor %q: split dimension %d from %d into %d blocks",
		t.name, dim, len(t.blockSizes[dim]), len(newBlockSizes))
	return split, nil
}

// fragmentSizes splits every size in nearly equal parts, at most factor of them.
// Larger parts come first.
func fragmentSizes(sizes []int, factor int) []int {
	out := make([]int, 0, len(sizes)*factor)
	for _, size := range sizes {
		parts := min(factor, size)
		for p := range parts {
			part := size / parts
			if p < size%parts {
				part++
			}
			out = append(out, part)
		}
	}
	return out
}

// FragmentOversized applies the split hints of the tensor's grid (see distributed.SplitHint), splitting the blocks
// of every hinted dimension into up to Factor nearly equal parts. Data is kept.
//
// If the grid has no hints (or all factors are 1), it returns t itself. Otherwise it returns a new tensor, and t
// is left unchanged.
func FragmentOversized(t *Tensor) (*Tensor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	current := t
	for _, hint := range t.Grid().SplitHints() {
		if hint.Factor <= 1 {
			continue
		}
		next, err := current.SplitBlocks(hint.Dim, fragmentSizes(current.blockSizes[hint.Dim], hint.Factor), true)
		if current != t {
			_ = current.Destroy()
		}
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}
