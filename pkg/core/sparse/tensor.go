// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MinRank is the smallest supported tensor rank.
	MinRank = 2

	// MaxRank is the largest supported tensor rank.
	MaxRank = 4
)

// blockKey is the map key of a block index. Unused trailing dimensions are 0.
type blockKey [MaxRank]int

func keyOf(index []int) (key blockKey) {
	copy(key[:], index)
	return
}

// Block is one dense block stored locally.
type Block struct {
	index []int
	sizes []int
	data  any
}

// Index returns a copy of the block index.
func (b *Block) Index() []int { return slices.Clone(b.index) }

// Sizes returns a copy of the block extents along each dimension.
func (b *Block) Sizes() []int { return slices.Clone(b.sizes) }

// NumElements returns the number of elements of the block.
func (b *Block) NumElements() int { return xslices.Product(b.sizes) }

// BlockData returns the live buffer of the block, not a copy.
// Changes to it change the tensor; the caller is responsible for not racing with other users of the tensor.
func BlockData[T dtypes.Supported](b *Block) ([]T, error) {
	data, ok := b.data.([]T)
	if !ok {
		return nil, errs.TypeMismatchf("block %v holds %s, not %s",
			b.index, dtypes.FromSlice(b.data), dtypes.FromGenericsType[T]())
	}
	return data, nil
}

// Tensor is a distributed block-sparse tensor. See package documentation for details.
type Tensor struct {
	id         uuid.UUID
	name       string
	dist       *distributed.Distribution
	ownsDist   bool
	map1, map2 []int
	dtype      dtypes.DType

	blockSizes, blockOffsets [][]int

	mu     sync.RWMutex
	blocks map[blockKey]*Block

	destroyed atomic.Bool
}

// New creates an empty tensor.
//
//   - name: used in logs and error messages.
//   - dist: the distribution of the blocks. It is referenced, and must outlive the tensor.
//   - map1, map2: grouping of the dimensions in the 2D view of the tensor.
//   - dtype: the element type.
//   - blockSizes: for each dimension, the size of each block along it. The number of blocks along each
//     dimension must match the distribution.
//
// The rank must be between MinRank and MaxRank, otherwise it returns an errs.ErrUnsupportedRank error.
func New(name string, dist *distributed.Distribution, map1, map2 []int, dtype dtypes.DType,
	blockSizes [][]int) (*Tensor, error) {
	rank := len(blockSizes)
	if rank < MinRank || rank > MaxRank {
		return nil, errs.UnsupportedRankf("tensor %q has rank %d, supported ranks are %d to %d",
			name, rank, MinRank, MaxRank)
	}
	if !dtype.IsValid() {
		return nil, errs.TypeMismatchf("tensor %q has invalid data type %s", name, dtype)
	}
	if dist == nil {
		return nil, errs.Configurationf("tensor %q requires a distribution", name)
	}
	if dist.Rank() != rank {
		return nil, errs.Configurationf("tensor %q has rank %d, but its distribution has rank %d",
			name, rank, dist.Rank())
	}
	if err := distributed.ValidateMaps(rank, map1, map2); err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	if err := dist.CheckBlockCounts(xslices.Map(blockSizes, func(s []int) int { return len(s) })); err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	t := &Tensor{
		id:           uuid.New(),
		name:         name,
		dist:         dist,
		map1:         slices.Clone(map1),
		map2:         slices.Clone(map2),
		dtype:        dtype,
		blockSizes:   make([][]int, rank),
		blockOffsets: make([][]int, rank),
		blocks:       make(map[blockKey]*Block),
	}
	for dim, sizes := range blockSizes {
		for b, s := range sizes {
			if s < 1 {
				return nil, errs.Shapef("tensor %q: block %d of dimension %d has size %d, it must be >= 1",
					name, b, dim, s)
			}
		}
		t.blockSizes[dim] = slices.Clone(sizes)
		t.blockOffsets[dim] = xslices.CumSum(sizes)
	}
	klog.V(2).Infof("created tensor %s", t)
	return t, nil
}

// newLike creates an empty tensor with the same name, element type and block sizes as t, over dist.
func newLike(t *Tensor, dist *distributed.Distribution) (*Tensor, error) {
	return New(t.name, dist, dist.Map1(), dist.Map2(), t.dtype, t.blockSizes)
}

func (t *Tensor) check() error {
	if t.destroyed.Load() {
		return errs.Destroyedf("tensor %q used after Destroy", t.name)
	}
	return nil
}

// Destroy releases all local blocks. Using the tensor afterward returns errors of kind errs.ErrDestroyed.
func (t *Tensor) Destroy() error {
	if t.destroyed.Swap(true) {
		return errs.Destroyedf("tensor %q destroyed twice", t.name)
	}
	t.mu.Lock()
	t.blocks = nil
	t.mu.Unlock()
	if t.ownsDist {
		return t.dist.Destroy()
	}
	return nil
}

// ID returns a unique identifier of the tensor.
func (t *Tensor) ID() uuid.UUID { return t.id }

// Name returns the name given at creation.
func (t *Tensor) Name() string { return t.name }

// Rank returns the number of dimensions of the tensor.
func (t *Tensor) Rank() int { return len(t.blockSizes) }

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Distribution returns the distribution of the tensor.
func (t *Tensor) Distribution() *distributed.Distribution { return t.dist }

// Grid returns the process grid of the tensor's distribution.
func (t *Tensor) Grid() *distributed.ProcessGrid { return t.dist.Grid() }

// Map1 returns a copy of the dimensions in the rows of the tensor's 2D view.
func (t *Tensor) Map1() []int { return slices.Clone(t.map1) }

// Map2 returns a copy of the dimensions in the columns of the tensor's 2D view.
func (t *Tensor) Map2() []int { return slices.Clone(t.map2) }

// BlockSizes returns a copy of the sizes of the blocks along dimension dim.
func (t *Tensor) BlockSizes(dim int) []int { return slices.Clone(t.blockSizes[dim]) }

// AllBlockSizes returns a copy of the block sizes of all dimensions.
func (t *Tensor) AllBlockSizes() [][]int {
	return xslices.Map(t.blockSizes, func(s []int) []int { return slices.Clone(s) })
}

// BlockOffsets returns the element offset of each block along dimension dim, in the dense layout.
func (t *Tensor) BlockOffsets(dim int) []int { return slices.Clone(t.blockOffsets[dim]) }

// NumBlocksPerDim returns the number of blocks along each dimension.
func (t *Tensor) NumBlocksPerDim() []int {
	return xslices.Map(t.blockSizes, func(s []int) int { return len(s) })
}

// DenseShape returns the number of elements along each dimension of the dense equivalent tensor.
func (t *Tensor) DenseShape() []int {
	return xslices.Map(t.blockSizes, xslices.Sum[int])
}

// LocalRank returns the rank of the local process in the tensor's communicator.
func (t *Tensor) LocalRank() int { return t.dist.Grid().Comm().Rank() }

// checkIndex validates that index is within the block index space.
func (t *Tensor) checkIndex(index []int) error {
	if len(index) != t.Rank() {
		return errs.Shapef("tensor %q: block index %v has %d dimensions, expected %d",
			t.name, index, len(index), t.Rank())
	}
	for dim, b := range index {
		if b < 0 || b >= len(t.blockSizes[dim]) {
			return errs.Shapef("tensor %q: block index %v out of range on dimension %d (%d blocks)",
				t.name, index, dim, len(t.blockSizes[dim]))
		}
	}
	return nil
}

// BlockShape returns the extents of the block at index, as defined by the block sizes.
func (t *Tensor) BlockShape(index []int) ([]int, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	return t.blockShape(index), nil
}

func (t *Tensor) blockShape(index []int) []int {
	sizes := make([]int, len(index))
	for dim, b := range index {
		sizes[dim] = t.blockSizes[dim][b]
	}
	return sizes
}

func (t *Tensor) blockOffset(index []int) []int {
	offsets := make([]int, len(index))
	for dim, b := range index {
		offsets[dim] = t.blockOffsets[dim][b]
	}
	return offsets
}

// StoredCoordinates returns the rank of the process that stores the block at index.
// It is a pure function of the distribution and the index.
func (t *Tensor) StoredCoordinates(index []int) (int, error) {
	if err := t.check(); err != nil {
		return -1, err
	}
	if err := t.checkIndex(index); err != nil {
		return -1, err
	}
	return t.dist.Owner(index)
}

// SameBlockStructure reports whether t and other have the same rank and the same block sizes.
func (t *Tensor) SameBlockStructure(other *Tensor) bool {
	if t.Rank() != other.Rank() {
		return false
	}
	for dim := range t.blockSizes {
		if !slices.Equal(t.blockSizes[dim], other.blockSizes[dim]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%q, %s, blocks=%v, shape=%v)", t.name, t.dtype, t.NumBlocksPerDim(), t.DenseShape())
}
