// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Distribution assigns each block of a block-sparse tensor to one process of a ProcessGrid.
//
// For each tensor dimension d, owners[d][b] is the grid coordinate (along grid dimension d) of the processes
// holding blocks with index b on dimension d. The owner of block (b0, b1, ...) is then the process at grid
// coordinates (owners[0][b0], owners[1][b1], ...).
//
// map1 and map2 group the tensor dimensions in two, for the 2D (matrix) view of the tensor: they play the same
// role as the grid's maps.
//
// A Distribution references its grid, and it is referenced (not copied) by every tensor created from it:
// it must outlive them.
type Distribution struct {
	id         uuid.UUID
	grid       *ProcessGrid
	map1, map2 []int
	owners     [][]int
	ownsComm   bool
	destroyed  atomic.Bool
}

// NewDistribution creates a distribution over the grid.
//
//   - map1, map2: grouping of the tensor dimensions, same rules as for NewProcessGrid.
//   - owners: for each tensor dimension, the grid coordinate of every block index. Its length defines the number
//     of blocks along the dimension.
//   - ownsCommunicator: if set, Destroy also frees the grid's communicator.
//
// It returns an error of kind errs.ErrConfiguration for out-of-range coordinates or inconsistent dimensions.
func NewDistribution(grid *ProcessGrid, map1, map2 []int, owners [][]int, ownsCommunicator bool) (*Distribution, error) {
	if grid == nil {
		return nil, errs.Configurationf("Distribution requires a ProcessGrid")
	}
	if err := grid.check(); err != nil {
		return nil, err
	}
	if len(owners) != grid.Rank() {
		return nil, errs.Configurationf("Distribution has %d dimensions, but the grid %s has %d",
			len(owners), grid, grid.Rank())
	}
	if err := ValidateMaps(len(owners), map1, map2); err != nil {
		return nil, err
	}
	d := &Distribution{
		id:       uuid.New(),
		grid:     grid,
		map1:     slices.Clone(map1),
		map2:     slices.Clone(map2),
		owners:   make([][]int, len(owners)),
		ownsComm: ownsCommunicator,
	}
	for dim, seq := range owners {
		if len(seq) == 0 {
			return nil, errs.Configurationf("Distribution dimension %d has no blocks", dim)
		}
		for b, coord := range seq {
			if coord < 0 || coord >= grid.dims[dim] {
				return nil, errs.Configurationf(
					"Distribution dimension %d, block %d: coordinate %d out of range [0, %d)",
					dim, b, coord, grid.dims[dim])
			}
		}
		d.owners[dim] = slices.Clone(seq)
	}
	return d, nil
}

// NewDefaultDistribution creates a distribution using the default policy (see DefaultOwners) for each
// dimension, with the grid's maps.
func NewDefaultDistribution(grid *ProcessGrid, blockCounts []int, ownsCommunicator bool) (*Distribution, error) {
	if grid == nil {
		return nil, errs.Configurationf("Distribution requires a ProcessGrid")
	}
	if len(blockCounts) != grid.Rank() {
		return nil, errs.Configurationf("got %d block counts for a grid of rank %d", len(blockCounts), grid.Rank())
	}
	owners := make([][]int, len(blockCounts))
	for dim, n := range blockCounts {
		if n < 1 {
			return nil, errs.Configurationf("dimension %d must have at least one block, got %d", dim, n)
		}
		owners[dim] = DefaultOwners(n, grid.dims[dim])
	}
	return NewDistribution(grid, grid.map1, grid.map2, owners, ownsCommunicator)
}

// DefaultOwners is the default distribution policy: block b along a dimension with numCoords grid coordinates
// goes to coordinate b mod numCoords.
func DefaultOwners(numBlocks, numCoords int) []int {
	return CyclicOwnersWithRuns(numBlocks, numCoords, 1)
}

// CyclicOwnersWithRuns assigns runs of consecutive blocks to the same coordinate, cycling over the coordinates:
// block b goes to (b / run) mod numCoords. With run=1 it's the DefaultOwners policy.
func CyclicOwnersWithRuns(numBlocks, numCoords, run int) []int {
	run = max(run, 1)
	owners := make([]int, numBlocks)
	for b := range owners {
		owners[b] = (b / run) % numCoords
	}
	return owners
}

func (d *Distribution) check() error {
	if d.destroyed.Load() {
		return errs.Destroyedf("Distribution used after Destroy")
	}
	return d.grid.check()
}

// ID returns a unique identifier of the distribution.
func (d *Distribution) ID() uuid.UUID { return d.id }

// Grid returns the ProcessGrid of the distribution.
func (d *Distribution) Grid() *ProcessGrid { return d.grid }

// Rank returns the number of tensor dimensions the distribution covers.
func (d *Distribution) Rank() int { return len(d.owners) }

// Map1 returns a copy of the tensor dimensions in the rows of the 2D view.
func (d *Distribution) Map1() []int { return slices.Clone(d.map1) }

// Map2 returns a copy of the tensor dimensions in the columns of the 2D view.
func (d *Distribution) Map2() []int { return slices.Clone(d.map2) }

// NumBlocks returns the number of blocks along the tensor dimension.
func (d *Distribution) NumBlocks(dim int) int { return len(d.owners[dim]) }

// NumBlocksPerDim returns the number of blocks along each tensor dimension.
func (d *Distribution) NumBlocksPerDim() []int {
	counts := make([]int, len(d.owners))
	for dim, seq := range d.owners {
		counts[dim] = len(seq)
	}
	return counts
}

// Owners returns a copy of the owner coordinates of every block along the tensor dimension.
func (d *Distribution) Owners(dim int) []int { return slices.Clone(d.owners[dim]) }

// OwnsCommunicator reports whether Destroy frees the grid's communicator.
func (d *Distribution) OwnsCommunicator() bool { return d.ownsComm }

// CheckBlockCounts returns an error of kind errs.ErrConfiguration if the number of blocks per dimension
// differs from counts.
func (d *Distribution) CheckBlockCounts(counts []int) error {
	if len(counts) != len(d.owners) {
		return errs.Configurationf("got block counts for %d dimensions, distribution has %d",
			len(counts), len(d.owners))
	}
	for dim, n := range counts {
		if n != len(d.owners[dim]) {
			return errs.Configurationf("dimension %d has %d blocks, but the distribution assigns %d",
				dim, n, len(d.owners[dim]))
		}
	}
	return nil
}

// OwnerCoords returns the grid coordinates of the process owning the block at index.
func (d *Distribution) OwnerCoords(index []int) ([]int, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if len(index) != len(d.owners) {
		return nil, errs.Shapef("block index %v has %d dimensions, expected %d", index, len(index), len(d.owners))
	}
	coords := make([]int, len(index))
	for dim, b := range index {
		if b < 0 || b >= len(d.owners[dim]) {
			return nil, errs.Shapef("block index %v out of range on dimension %d (%d blocks)",
				index, dim, len(d.owners[dim]))
		}
		coords[dim] = d.owners[dim][b]
	}
	return coords, nil
}

// Owner returns the rank of the process owning the block at index.
// It is a pure function of the distribution and the index.
func (d *Distribution) Owner(index []int) (int, error) {
	coords, err := d.OwnerCoords(index)
	if err != nil {
		return -1, err
	}
	return d.grid.RankOf(coords)
}

// IsLocal reports whether the block at index is owned by the local process.
func (d *Distribution) IsLocal(index []int) (bool, error) {
	owner, err := d.Owner(index)
	if err != nil {
		return false, err
	}
	return owner == d.grid.comm.Rank(), nil
}

// Destroy releases the distribution. If it owns the communicator, the communicator is freed as well.
// The grid itself is not destroyed.
func (d *Distribution) Destroy() error {
	if d.destroyed.Swap(true) {
		return errs.Destroyedf("Distribution destroyed twice")
	}
	if d.ownsComm {
		return errors.WithMessage(d.grid.comm.Free(), "while freeing the communicator owned by the distribution")
	}
	return nil
}

// String implements fmt.Stringer.
func (d *Distribution) String() string {
	return fmt.Sprintf("Distribution(blocks=%v, map1=%v, map2=%v, grid=%s)",
		d.NumBlocksPerDim(), d.map1, d.map2, d.grid)
}
