// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/sets"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// SplitHint asks for the blocks of tensor dimension Dim to be pre-fragmented into Factor pieces, to improve the
// load balance of tensors with few, large blocks along that dimension.
type SplitHint struct {
	Dim, Factor int
}

// ProcessGrid maps the ranks of a communicator onto an N-dimensional logical grid, one grid dimension per
// tensor dimension.
//
// The grid dimensions are grouped in two: map1 and map2. Seen as a 2D grid, the row of a process is given by its
// coordinates along the map1 dimensions, and the column by its coordinates along the map2 dimensions.
// The process rank is row*cols + col.
type ProcessGrid struct {
	id   uuid.UUID
	comm comm.Communicator

	// dims holds the number of processes along each grid dimension. Its product is comm.Size().
	dims []int

	map1, map2 []int
	rows, cols int

	// splits maps tensor dimension to split factor.
	splits map[int]int

	destroyed atomic.Bool
}

// NewProcessGrid creates a process grid over the communicator c.
//
//   - dims: number of processes along each grid dimension. It can be nil, or have zeros in it, in which case the
//     free dimensions are chosen by BalancedDims, favoring squarer grids.
//   - map1, map2: which grid dimensions form the rows and which the columns of the 2D view of the grid. They must
//     be non-empty, disjoint, and cover all dimensions.
//   - splits: optional hints to pre-fragment large blocks, see SplitHint.
//
// It returns an error of kind errs.ErrConfiguration if the communicator size cannot be factored into the requested
// dims, or if the maps are invalid.
func NewProcessGrid(c comm.Communicator, dims []int, map1, map2 []int, splits ...SplitHint) (*ProcessGrid, error) {
	if c == nil {
		return nil, errs.Configurationf("ProcessGrid requires a communicator")
	}
	if c.IsFreed() {
		return nil, errs.Configurationf("ProcessGrid communicator was already freed")
	}
	rank := len(map1) + len(map2)
	if err := ValidateMaps(rank, map1, map2); err != nil {
		return nil, err
	}
	if dims == nil {
		dims = make([]int, rank)
	}
	if len(dims) != rank {
		return nil, errs.Configurationf("ProcessGrid dims %v has %d dimensions, but maps %v and %v cover %d",
			dims, len(dims), map1, map2, rank)
	}
	dims, err := BalancedDims(c.Size(), dims)
	if err != nil {
		return nil, err
	}
	g := &ProcessGrid{
		id:     uuid.New(),
		comm:   c,
		dims:   dims,
		map1:   slices.Clone(map1),
		map2:   slices.Clone(map2),
		splits: make(map[int]int, len(splits)),
	}
	g.rows, g.cols = 1, 1
	for _, d := range map1 {
		g.rows *= dims[d]
	}
	for _, d := range map2 {
		g.cols *= dims[d]
	}
	for _, hint := range splits {
		if hint.Dim < 0 || hint.Dim >= rank {
			return nil, errs.Configurationf("SplitHint dimension %d out of range for grid of rank %d", hint.Dim, rank)
		}
		if hint.Factor < 1 {
			return nil, errs.Configurationf("SplitHint factor for dimension %d must be >= 1, got %d",
				hint.Dim, hint.Factor)
		}
		g.splits[hint.Dim] = hint.Factor
	}
	klog.V(1).Infof("created %s", g)
	return g, nil
}

// ValidateMaps checks that map1 and map2 are non-empty, disjoint, and together cover the dimensions 0..rank-1.
func ValidateMaps(rank int, map1, map2 []int) error {
	if len(map1) == 0 || len(map2) == 0 {
		return errs.Configurationf("both maps must be non-empty, got map1=%v and map2=%v", map1, map2)
	}
	if len(map1)+len(map2) != rank {
		return errs.Configurationf("maps %v and %v must cover exactly %d dimensions", map1, map2, rank)
	}
	seen := sets.Make[int](rank)
	for _, d := range slices.Concat(map1, map2) {
		if d < 0 || d >= rank {
			return errs.Configurationf("dimension %d in maps %v/%v out of range [0, %d)", d, map1, map2, rank)
		}
		if seen.Has(d) {
			return errs.Configurationf("dimension %d appears more than once in maps %v/%v", d, map1, map2)
		}
		seen.Insert(d)
	}
	return nil
}

// BalancedDims completes dims so that its product is numProcs.
//
// Entries > 0 are kept as given, entries equal to 0 are free. The process count left after dividing by the fixed
// entries is split into its prime factors, and each factor (largest first) is assigned to the free dimension
// with the currently smallest size, ties going to the lowest index. This yields the squarest grid possible.
func BalancedDims(numProcs int, dims []int) ([]int, error) {
	if numProcs < 1 {
		return nil, errs.Configurationf("number of processes must be >= 1, got %d", numProcs)
	}
	dims = slices.Clone(dims)
	fixed := 1
	var free []int
	for ii, d := range dims {
		switch {
		case d < 0:
			return nil, errs.Configurationf("grid dims %v must be >= 0", dims)
		case d == 0:
			free = append(free, ii)
			dims[ii] = 1
		default:
			fixed *= d
		}
	}
	if len(free) == 0 {
		if fixed != numProcs {
			return nil, errs.Configurationf("grid dims %v hold %d processes, but the communicator has %d",
				dims, fixed, numProcs)
		}
		return dims, nil
	}
	if numProcs%fixed != 0 {
		return nil, errs.Configurationf("grid dims %v: %d processes can't be divided by the fixed dims (%d)",
			dims, numProcs, fixed)
	}
	factors := primeFactors(numProcs / fixed)
	for _, f := range slices.Backward(factors) {
		smallest := free[0]
		for _, ii := range free[1:] {
			if dims[ii] < dims[smallest] {
				smallest = ii
			}
		}
		dims[smallest] *= f
	}
	return dims, nil
}

// primeFactors returns the prime factors of n, in increasing order, with repetition.
func primeFactors(n int) []int {
	var factors []int
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			factors = append(factors, p)
			n /= p
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors
}

func (g *ProcessGrid) check() error {
	if g.destroyed.Load() {
		return errs.Destroyedf("%s used after Destroy", g)
	}
	return nil
}

// ID returns a unique identifier for the grid.
func (g *ProcessGrid) ID() uuid.UUID { return g.id }

// Comm returns the communicator of the grid.
func (g *ProcessGrid) Comm() comm.Communicator { return g.comm }

// Rank returns the number of dimensions of the grid.
func (g *ProcessGrid) Rank() int { return len(g.dims) }

// NumProcs returns the number of processes in the grid.
func (g *ProcessGrid) NumProcs() int { return g.rows * g.cols }

// Dims returns a copy of the number of processes along each grid dimension.
func (g *ProcessGrid) Dims() []int { return slices.Clone(g.dims) }

// Map1 returns a copy of the grid dimensions that form the rows of the 2D view.
func (g *ProcessGrid) Map1() []int { return slices.Clone(g.map1) }

// Map2 returns a copy of the grid dimensions that form the columns of the 2D view.
func (g *ProcessGrid) Map2() []int { return slices.Clone(g.map2) }

// Shape2D returns the number of rows and columns of the 2D view of the grid.
func (g *ProcessGrid) Shape2D() (rows, cols int) { return g.rows, g.cols }

// SplitFactor returns the split factor hinted for the dimension, 1 if none was given.
func (g *ProcessGrid) SplitFactor(dim int) int {
	if f, found := g.splits[dim]; found {
		return f
	}
	return 1
}

// SplitHints returns the split hints, sorted by dimension.
func (g *ProcessGrid) SplitHints() []SplitHint {
	hints := make([]SplitHint, 0, len(g.splits))
	for dim, factor := range g.splits {
		hints = append(hints, SplitHint{Dim: dim, Factor: factor})
	}
	slices.SortFunc(hints, func(a, b SplitHint) int { return a.Dim - b.Dim })
	return hints
}

// flatten returns the row-major flat index of the coordinates along the given dimensions.
func (g *ProcessGrid) flatten(coords []int, dims []int) int {
	flat := 0
	for _, d := range dims {
		flat = flat*g.dims[d] + coords[d]
	}
	return flat
}

func (g *ProcessGrid) unflatten(flat int, dims []int, coords []int) {
	for _, d := range slices.Backward(dims) {
		coords[d] = flat % g.dims[d]
		flat /= g.dims[d]
	}
}

// RankOf returns the process rank at the given grid coordinates.
func (g *ProcessGrid) RankOf(coords []int) (int, error) {
	if err := g.check(); err != nil {
		return -1, err
	}
	if len(coords) != len(g.dims) {
		return -1, errs.Shapef("grid coordinates %v must have %d elements", coords, len(g.dims))
	}
	for d, c := range coords {
		if c < 0 || c >= g.dims[d] {
			return -1, errs.Shapef("grid coordinates %v out of range for grid dims %v", coords, g.dims)
		}
	}
	return g.flatten(coords, g.map1)*g.cols + g.flatten(coords, g.map2), nil
}

// Coords returns the grid coordinates of the process rank.
func (g *ProcessGrid) Coords(rank int) ([]int, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= g.NumProcs() {
		return nil, errs.Shapef("rank %d out of range for grid with %d processes", rank, g.NumProcs())
	}
	coords := make([]int, len(g.dims))
	g.unflatten(rank/g.cols, g.map1, coords)
	g.unflatten(rank%g.cols, g.map2, coords)
	return coords, nil
}

// LocalCoords returns the grid coordinates of the local process.
func (g *ProcessGrid) LocalCoords() []int {
	coords, _ := g.Coords(g.comm.Rank())
	return coords
}

// RanksWithCoords returns, in increasing order, the ranks of all processes whose coordinates along the grid
// dimensions dims equal coords. Dimensions not listed are free.
//
// Example:
//
//	g, _ := NewProcessGrid(c, []int{2, 2}, []int{0}, []int{1})  // 4 processes.
//	g.RanksWithCoords([]int{0}, []int{1})  // -> []int{2, 3}: processes in row 1.
//	g.RanksWithCoords([]int{1}, []int{0})  // -> []int{0, 2}: processes in column 0.
func (g *ProcessGrid) RanksWithCoords(dims, coords []int) ([]int, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	if len(dims) != len(coords) {
		return nil, errs.Shapef("RanksWithCoords got %d dimensions but %d coordinates", len(dims), len(coords))
	}
	var ranks []int
	all := make([]int, len(g.dims))
nextRank:
	for rank := range g.NumProcs() {
		clear(all)
		g.unflatten(rank/g.cols, g.map1, all)
		g.unflatten(rank%g.cols, g.map2, all)
		for ii, d := range dims {
			if d < 0 || d >= len(g.dims) {
				return nil, errs.Shapef("grid dimension %d out of range [0, %d)", d, len(g.dims))
			}
			if all[d] != coords[ii] {
				continue nextRank
			}
		}
		ranks = append(ranks, rank)
	}
	return ranks, nil
}

// Destroy releases the grid. Unless keepCommunicator is set, the communicator is freed as well.
// Using the grid after Destroy returns errors of kind errs.ErrDestroyed.
func (g *ProcessGrid) Destroy(keepCommunicator bool) error {
	if g.destroyed.Swap(true) {
		return errs.Destroyedf("%s destroyed twice", g)
	}
	if !keepCommunicator {
		return g.comm.Free()
	}
	return nil
}

// IsDestroyed reports whether Destroy was called.
func (g *ProcessGrid) IsDestroyed() bool { return g.destroyed.Load() }

// String implements the fmt.Stringer interface.
func (g *ProcessGrid) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ProcessGrid(dims=%v, map1=%v, map2=%v, 2D=%dx%d", g.dims, g.map1, g.map2, g.rows, g.cols)
	if len(g.splits) > 0 {
		_, _ = fmt.Fprintf(&sb, ", splits=%v", g.SplitHints())
	}
	sb.WriteString(")")
	return sb.String()
}

// SameNumProcs checks that all the grids have the same number of processes.
func SameNumProcs(grids ...*ProcessGrid) bool {
	sizes := xslices.Map(grids, func(g *ProcessGrid) int { return g.NumProcs() })
	for _, s := range sizes {
		if s != sizes[0] {
			return false
		}
	}
	return true
}
