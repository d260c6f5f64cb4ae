// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contract

import (
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/gomlx/blocksparse/pkg/support/sets"
	"github.com/pkg/errors"
)

// Spec describes a contraction C = alpha * A·B + beta * C.
type Spec struct {
	// ContractA and ContractB are the contracted dimensions of A and B: ContractA[i] is paired with ContractB[i].
	ContractA, ContractB []int

	// FreeA and FreeB are the non-contracted dimensions of A and B. Together with the contracted dimensions they
	// must cover each tensor's dimensions exactly once.
	FreeA, FreeB []int

	// MapA[i] is the dimension of C that FreeA[i] maps to, and likewise for MapB. Together they must cover
	// the dimensions of C exactly once.
	MapA, MapB []int

	// BoundsContract, BoundsA and BoundsB optionally restrict the block indices taking part in the contraction,
	// with inclusive ranges [first, last]: BoundsContract[i] applies to the contracted pair i, BoundsA[i] to FreeA[i]
	// and BoundsB[i] to FreeB[i]. A nil slice means no restriction.
	BoundsContract, BoundsA, BoundsB [][2]int

	// OptimizeDistribution redistributes A, B and C to distributions built for this contraction before multiplying.
	// C is redistributed back to its original distribution at the end.
	OptimizeDistribution bool

	// ReturnOptimizedGrids returns the grids built by OptimizeDistribution in the Result, instead of destroying them.
	ReturnOptimizedGrids bool

	// FilterEps, if > 0, drops the C blocks updated by the contraction whose Frobenius norm is below it.
	FilterEps float64

	// MoveData allows the contraction to consume the blocks of A and B: they are left empty afterward.
	MoveData bool

	// RetainSparsity keeps the set of blocks of C: products that fall on blocks not present in C are discarded.
	RetainSparsity bool
}

// MatMul returns the Spec of the matrix product C[i,j] = sum_k A[i,k] * B[k,j] for rank-2 tensors.
func MatMul() Spec {
	return Spec{
		ContractA: []int{1}, FreeA: []int{0}, MapA: []int{0},
		ContractB: []int{0}, FreeB: []int{1}, MapB: []int{1},
	}
}

// plan is a validated Spec, with what the multiplication needs precomputed.
type plan struct {
	Spec

	// perm transposes the kernel product, laid out as [sorted FreeA..., sorted FreeB...], to the axes of C.
	perm     []int
	identity bool
}

// checkPartition validates that contracted and free cover 0..rank-1 exactly once.
func checkPartition(name string, rank int, contracted, free []int) error {
	if len(contracted)+len(free) != rank {
		return errs.Shapef("tensor %s has rank %d, but %d contracted and %d free dimensions were given",
			name, rank, len(contracted), len(free))
	}
	seen := sets.Make[int](rank)
	for _, d := range slices.Concat(contracted, free) {
		if d < 0 || d >= rank {
			return errs.Shapef("tensor %s: dimension %d out of range [0, %d)", name, d, rank)
		}
		if seen.Has(d) {
			return errs.Shapef("tensor %s: dimension %d used more than once", name, d)
		}
		seen.Insert(d)
	}
	return nil
}

func checkBounds(name string, t *sparse.Tensor, dims []int, bounds [][2]int) error {
	if bounds == nil {
		return nil
	}
	if len(bounds) != len(dims) {
		return errs.Shapef("%s: got %d bounds for %d dimensions", name, len(bounds), len(dims))
	}
	for ii, bound := range bounds {
		n := len(t.BlockSizes(dims[ii]))
		if bound[0] < 0 || bound[0] > bound[1] || bound[1] >= n {
			return errs.Shapef("%s: bound %v of dimension %d out of range, it has %d blocks", name, bound, dims[ii], n)
		}
	}
	return nil
}

// inBounds reports whether index[dims[i]] is within bounds[i] for every i.
func inBounds(index, dims []int, bounds [][2]int) bool {
	if bounds == nil {
		return true
	}
	for ii, d := range dims {
		if index[d] < bounds[ii][0] || index[d] > bounds[ii][1] {
			return false
		}
	}
	return true
}

// validate checks the spec against the tensors. It only does local work: no communication.
func validate(a, b, c *sparse.Tensor, spec Spec) (*plan, error) {
	for _, t := range []*sparse.Tensor{a, b, c} {
		if t == nil {
			return nil, errs.Configurationf("contraction requires non-nil tensors")
		}
	}
	if a == c || b == c {
		return nil, errs.Configurationf("contraction output %q can't also be an input", c.Name())
	}
	if a.DType() != b.DType() || a.DType() != c.DType() {
		return nil, errs.TypeMismatchf("contraction of tensors with different data types: A=%s, B=%s, C=%s",
			a.DType(), b.DType(), c.DType())
	}
	if len(spec.ContractA) != len(spec.ContractB) {
		return nil, errs.Shapef("%d contracted dimensions for A but %d for B", len(spec.ContractA), len(spec.ContractB))
	}
	if len(spec.FreeA) != len(spec.MapA) || len(spec.FreeB) != len(spec.MapB) {
		return nil, errs.Shapef("free dimensions (A=%v, B=%v) and their map into C (%v, %v) differ in length",
			spec.FreeA, spec.FreeB, spec.MapA, spec.MapB)
	}
	if err := checkPartition("A", a.Rank(), spec.ContractA, spec.FreeA); err != nil {
		return nil, err
	}
	if err := checkPartition("B", b.Rank(), spec.ContractB, spec.FreeB); err != nil {
		return nil, err
	}
	// The C map: MapA and MapB must be a partition of C's dimensions.
	if err := checkPartition("C", c.Rank(), spec.MapA, spec.MapB); err != nil {
		return nil, errors.WithMessage(err, "output map collision")
	}
	for ii, da := range spec.ContractA {
		db := spec.ContractB[ii]
		if !slices.Equal(a.BlockSizes(da), b.BlockSizes(db)) {
			return nil, errs.Shapef("contracted dimensions A[%d] and B[%d] have different block sizes: %v and %v",
				da, db, a.BlockSizes(da), b.BlockSizes(db))
		}
	}
	for ii, da := range spec.FreeA {
		dc := spec.MapA[ii]
		if !slices.Equal(a.BlockSizes(da), c.BlockSizes(dc)) {
			return nil, errs.Shapef("free dimension A[%d] and its output C[%d] have different block sizes: %v and %v",
				da, dc, a.BlockSizes(da), c.BlockSizes(dc))
		}
	}
	for ii, db := range spec.FreeB {
		dc := spec.MapB[ii]
		if !slices.Equal(b.BlockSizes(db), c.BlockSizes(dc)) {
			return nil, errs.Shapef("free dimension B[%d] and its output C[%d] have different block sizes: %v and %v",
				db, dc, b.BlockSizes(db), c.BlockSizes(dc))
		}
	}
	if err := checkBounds("contracted bounds", a, spec.ContractA, spec.BoundsContract); err != nil {
		return nil, err
	}
	if err := checkBounds("bounds of A", a, spec.FreeA, spec.BoundsA); err != nil {
		return nil, err
	}
	if err := checkBounds("bounds of B", b, spec.FreeB, spec.BoundsB); err != nil {
		return nil, err
	}
	if spec.FilterEps < 0 {
		return nil, errs.Configurationf("FilterEps must be >= 0, got %g", spec.FilterEps)
	}
	if !distributed.SameNumProcs(a.Grid(), b.Grid(), c.Grid()) {
		return nil, errs.Configurationf("tensors are distributed over different numbers of processes: A=%d, B=%d, C=%d",
			a.Grid().NumProcs(), b.Grid().NumProcs(), c.Grid().NumProcs())
	}

	p := &plan{Spec: spec}
	productToC := make([]int, 0, c.Rank())
	for _, group := range []struct{ free, mapping []int }{{spec.FreeA, spec.MapA}, {spec.FreeB, spec.MapB}} {
		sorted := slices.Clone(group.free)
		slices.Sort(sorted)
		for _, axis := range sorted {
			productToC = append(productToC, group.mapping[slices.Index(group.free, axis)])
		}
	}
	p.perm = make([]int, c.Rank())
	p.identity = true
	for axis, dc := range productToC {
		p.perm[dc] = axis
		if axis != dc {
			p.identity = false
		}
	}
	return p, nil
}

// outputIndex returns the C block index formed by the free indices of the A and B blocks.
func (p *plan) outputIndex(aIndex, bIndex []int) []int {
	index := make([]int, len(p.MapA)+len(p.MapB))
	for ii, da := range p.FreeA {
		index[p.MapA[ii]] = aIndex[da]
	}
	for ii, db := range p.FreeB {
		index[p.MapB[ii]] = bIndex[db]
	}
	return index
}

// contractedKey returns the indices of the contracted dimensions, as a comparable key.
func contractedKey(index, dims []int) (key [sparse.MaxRank]int) {
	for ii, d := range dims {
		key[ii] = index[d]
	}
	return
}
