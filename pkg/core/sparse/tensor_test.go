// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse_test

import (
	"testing"

	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTensor creates a tensor with the default distribution over a grid with the given maps.
func newTensor(t *testing.T, c comm.Communicator, dtype dtypes.DType, map1, map2 []int, blockSizes [][]int,
	splits ...distributed.SplitHint) *sparse.Tensor {
	grid, err := distributed.NewProcessGrid(c, nil, map1, map2, splits...)
	require.NoError(t, err)
	dist, err := distributed.NewDefaultDistribution(grid, xslices.Map(blockSizes, func(s []int) int { return len(s) }), false)
	require.NoError(t, err)
	tensor, err := sparse.New("test", dist, map1, map2, dtype, blockSizes)
	require.NoError(t, err)
	return tensor
}

func singleComm() comm.Communicator {
	return must.M1(comm.NewWorld(1))[0]
}

func TestNew(t *testing.T) {
	c := singleComm()
	grid := must.M1(distributed.NewProcessGrid(c, nil, []int{0}, []int{1}))
	dist := must.M1(distributed.NewDefaultDistribution(grid, []int{2, 1}, false))

	tensor, err := sparse.New("a", dist, []int{0}, []int{1}, dtypes.Float32, [][]int{{2, 3}, {4}})
	require.NoError(t, err)
	assert.Equal(t, 2, tensor.Rank())
	assert.Equal(t, "a", tensor.Name())
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 1}, tensor.NumBlocksPerDim())
	assert.Equal(t, []int{5, 4}, tensor.DenseShape())
	assert.Equal(t, []int{0, 2}, tensor.BlockOffsets(0))
	assert.Equal(t, 0, tensor.NumLocalBlocks())

	_, err = sparse.New("rank1", dist, []int{0}, nil, dtypes.Float32, [][]int{{2}})
	assert.ErrorIs(t, err, errs.ErrUnsupportedRank)
	_, err = sparse.New("rank5", dist, []int{0}, []int{1}, dtypes.Float32, [][]int{{1}, {1}, {1}, {1}, {1}})
	assert.ErrorIs(t, err, errs.ErrUnsupportedRank)
	_, err = sparse.New("counts", dist, []int{0}, []int{1}, dtypes.Float32, [][]int{{2}, {4}})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = sparse.New("zero", dist, []int{0}, []int{1}, dtypes.Float32, [][]int{{2, 0}, {4}})
	assert.ErrorIs(t, err, errs.ErrShape)
	_, err = sparse.New("dtype", dist, []int{0}, []int{1}, dtypes.InvalidDType, [][]int{{2, 3}, {4}})
	assert.ErrorIs(t, err, errs.ErrTypeMismatch)
	_, err = sparse.New("maps", dist, []int{0, 1}, nil, dtypes.Float32, [][]int{{2, 3}, {4}})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestPutGetBlock(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float64, []int{0}, []int{1, 2}, [][]int{{2, 3}, {4}, {5, 5, 5}})
	index := []int{0, 0, 1}
	require.NoError(t, tensor.ReserveBlocks([][]int{index}))
	data, sizes, found, err := sparse.GetBlock[float64](tensor, index)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int{2, 4, 5}, sizes)
	assert.Equal(t, make([]float64, 40), data)

	buf := xslices.Iota(1.0, 2*4*5)
	require.NoError(t, sparse.PutBlock(tensor, index, buf, []int{2, 4, 5}, false))
	buf[0] = -1 // PutBlock must have copied.
	data, sizes, found, err = sparse.GetBlock[float64](tensor, index)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int{2, 4, 5}, sizes)
	assert.Equal(t, xslices.Iota(1.0, 40), data)

	// Not found.
	_, _, found, err = sparse.GetBlock[float64](tensor, []int{1, 0, 2})
	require.NoError(t, err)
	assert.False(t, found)

	// Summation with scale.
	require.NoError(t, sparse.PutBlock(tensor, index, xslices.Iota(1.0, 40), []int{2, 4, 5}, true, 2))
	data, _, _, err = sparse.GetBlock[float64](tensor, index)
	require.NoError(t, err)
	assert.Equal(t, 3.0, data[0])
	assert.Equal(t, 120.0, data[39])

	// Summation on a missing block is an insert.
	other := []int{1, 0, 0}
	require.NoError(t, sparse.PutBlock(tensor, other, make([]float64, 60), []int{3, 4, 5}, true))
	assert.True(t, tensor.HasBlock(other))
	assert.Equal(t, 2, tensor.NumLocalBlocks())
	assert.Equal(t, 100, tensor.NumLocalElements())
}

func TestBlockErrors(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0}, []int{1}, [][]int{{2, 3}, {4}})

	err := sparse.PutBlock(tensor, []int{0, 0}, make([]float32, 12), []int{3, 4}, false)
	assert.ErrorIs(t, err, errs.ErrShape)
	err = sparse.PutBlock(tensor, []int{0, 0}, make([]float32, 7), []int{2, 4}, false)
	assert.ErrorIs(t, err, errs.ErrShape)
	err = sparse.PutBlock(tensor, []int{0, 0}, make([]float64, 8), []int{2, 4}, false)
	assert.ErrorIs(t, err, errs.ErrTypeMismatch)
	err = sparse.PutBlock(tensor, []int{2, 0}, make([]float32, 8), []int{2, 4}, false)
	assert.ErrorIs(t, err, errs.ErrShape)
	err = tensor.ReserveBlocks([][]int{{0, 0}, {0, 1}})
	assert.ErrorIs(t, err, errs.ErrShape)
	assert.Equal(t, 0, tensor.NumLocalBlocks(), "failed ReserveBlocks must not create blocks")

	_, _, _, err = sparse.GetBlock[complex64](tensor, []int{0, 0})
	assert.ErrorIs(t, err, errs.ErrTypeMismatch)

	require.NoError(t, tensor.ReserveBlocks([][]int{{1, 0}}))
	buf := []float32{7, 7}
	sizes, found, err := sparse.GetBlockInto(tensor, []int{0, 0}, buf)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, sizes)
	assert.Equal(t, []float32{7, 7}, buf, "buffer must be untouched when the block is missing")
	_, _, err = sparse.GetBlockInto(tensor, []int{1, 0}, buf)
	assert.ErrorIs(t, err, errs.ErrShape)
	buf = make([]float32, 20)
	sizes, found, err = sparse.GetBlockInto(tensor, []int{1, 0}, buf)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int{3, 4}, sizes)
}

func TestOwnership(t *testing.T) {
	// 2 processes: grid [2, 1], so blocks with even row index are owned by rank 0.
	world := must.M1(comm.NewWorld(2))
	tensor := newTensor(t, world[0], dtypes.Float64, []int{0}, []int{1}, [][]int{{1, 1, 1}, {2, 2}})

	owner, err := tensor.StoredCoordinates([]int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, owner)
	owner, err = tensor.StoredCoordinates([]int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, owner)
	_, err = tensor.StoredCoordinates([]int{3, 1})
	assert.ErrorIs(t, err, errs.ErrShape)

	err = sparse.PutBlock(tensor, []int{1, 0}, []float64{1, 2}, []int{1, 2}, false)
	assert.ErrorIs(t, err, errs.ErrOwnership)

	// Non-local indices are ignored by ReserveBlocks.
	require.NoError(t, tensor.ReserveBlocks([][]int{{0, 0}, {1, 0}, {2, 1}, {0, 0}}))
	indices, err := tensor.LocalIndices()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0}, {2, 1}}, indices)
}

func TestIterator(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0, 1}, []int{2}, [][]int{{1, 2}, {3}, {1, 1, 2}})
	indices := [][]int{{1, 0, 2}, {0, 0, 1}, {1, 0, 0}, {0, 0, 0}}
	require.NoError(t, tensor.ReserveBlocks(indices))

	it, err := tensor.Iterate()
	require.NoError(t, err)
	// Added after the iterator started: not seen.
	require.NoError(t, sparse.PutBlock(tensor, []int{0, 0, 2}, make([]float32, 6), []int{1, 3, 2}, false))

	var visited [][]int
	for it.HasNext() {
		info, block, err := it.Next()
		require.NoError(t, err)
		visited = append(visited, info.Index)
		assert.Equal(t, 0, info.Rank)
		assert.Equal(t, block.Sizes(), info.Sizes)
		if info.Index[0] == 1 && info.Index[2] == 2 {
			assert.Equal(t, []int{1, 0, 2}, info.Offsets)
			assert.Equal(t, []int{2, 3, 2}, info.Sizes)
			data, err := sparse.BlockData[float32](block)
			require.NoError(t, err)
			assert.Len(t, data, 12)
			_, err = sparse.BlockData[float64](block)
			assert.ErrorIs(t, err, errs.ErrTypeMismatch)
		}
	}
	assert.Equal(t, [][]int{{0, 0, 0}, {0, 0, 1}, {1, 0, 0}, {1, 0, 2}}, visited)
	_, _, err = it.Next()
	assert.ErrorIs(t, err, errs.ErrIteratorExhausted)

	it, err = tensor.Iterate()
	require.NoError(t, err)
	assert.True(t, it.HasNext())
	it.Stop()
	assert.False(t, it.HasNext())
	_, _, err = it.Next()
	assert.ErrorIs(t, err, errs.ErrIteratorExhausted)
}

func TestFilter(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float64, []int{0}, []int{1}, [][]int{{1, 1, 1, 1}, {2}})
	values := []float64{0.001, 0.5, 3, 10}
	for b, v := range values {
		require.NoError(t, sparse.PutBlock(tensor, []int{b, 0}, []float64{v, 0}, []int{1, 2}, false))
	}

	_, err := tensor.Filter(-1, sparse.NormMax, true)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	// Relative to the largest norm (10): threshold 0.1.
	removed, err := tensor.Filter(0.01, sparse.NormFrobenius, false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, tensor.HasBlock([]int{0, 0}))

	// Norm exactly at the threshold is kept.
	removed, err = tensor.Filter(3, sparse.NormMax, true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	indices, err := tensor.LocalIndices()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2, 0}, {3, 0}}, indices)
}

func TestFilterIdempotent(t *testing.T) {
	for _, tc := range []struct {
		name     string
		eps      float64
		method   sparse.NormMethod
		absolute bool
	}{
		{"absolute-frobenius", 0.6, sparse.NormFrobenius, true},
		{"absolute-max", 3, sparse.NormMax, true},
		{"relative-frobenius", 0.2, sparse.NormFrobenius, false},
		{"relative-max", 0.04, sparse.NormMax, false},
		{"relative-all", 2, sparse.NormMax, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tensor := newTensor(t, singleComm(), dtypes.Float64, []int{0}, []int{1}, [][]int{{1, 1, 1, 1}, {2}})
			for b, v := range []float64{0.001, 0.5, 3, 10} {
				require.NoError(t, sparse.PutBlock(tensor, []int{b, 0}, []float64{v, -v}, []int{1, 2}, false))
			}
			first, err := tensor.Filter(tc.eps, tc.method, tc.absolute)
			require.NoError(t, err)
			assert.Greater(t, first, 0)
			indices, err := tensor.LocalIndices()
			require.NoError(t, err)

			second, err := tensor.Filter(tc.eps, tc.method, tc.absolute)
			require.NoError(t, err)
			assert.Zero(t, second)
			again, err := tensor.LocalIndices()
			require.NoError(t, err)
			assert.Equal(t, indices, again)
		})
	}
}

func TestSplitBlocks(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0}, []int{1}, [][]int{{4, 2}, {3}})
	require.NoError(t, sparse.PutBlock(tensor, []int{0, 0}, xslices.Iota[float32](0, 12), []int{4, 3}, false))

	split, err := tensor.SplitBlocks(0, []int{1, 3, 1, 1}, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 1}, split.BlockSizes(0))
	assert.Equal(t, []int{6, 3}, split.DenseShape())
	data, _, found, err := sparse.GetBlock[float32](split, []int{0, 0})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []float32{0, 1, 2}, data)
	data, sizes, found, err := sparse.GetBlock[float32](split, []int{1, 0})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int{3, 3}, sizes)
	assert.Equal(t, xslices.Iota[float32](3, 9), data)
	assert.Equal(t, 2, split.NumLocalBlocks())
	assert.Equal(t, 1, tensor.NumLocalBlocks(), "source tensor must be unchanged")
	require.NoError(t, split.Destroy())

	// Split along the last dimension.
	split, err = tensor.SplitBlocks(1, []int{2, 1}, true)
	require.NoError(t, err)
	data, _, _, err = sparse.GetBlock[float32](split, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 5, 8, 11}, data)

	empty, err := tensor.SplitBlocks(1, []int{1, 1, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.NumLocalBlocks())

	for _, bad := range [][]int{{3, 2, 1}, {4, 1}, {4, 2, 1}, {2, 2, 0, 2}} {
		_, err = tensor.SplitBlocks(0, bad, true)
		assert.ErrorIs(t, err, errs.ErrShape, "sizes %v", bad)
	}
	_, err = tensor.SplitBlocks(2, []int{1}, true)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestFragmentOversized(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float64, []int{0}, []int{1}, [][]int{{5, 1}, {2}},
		distributed.SplitHint{Dim: 0, Factor: 2})
	require.NoError(t, sparse.PutBlock(tensor, []int{0, 0}, xslices.Iota(0.0, 10), []int{5, 2}, false))
	fragmented, err := sparse.FragmentOversized(tensor)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, fragmented.BlockSizes(0))
	data, _, _, err := sparse.GetBlock[float64](fragmented, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 7, 8, 9}, data)

	plain := newTensor(t, singleComm(), dtypes.Float64, []int{0}, []int{1}, [][]int{{5}, {2}})
	same, err := sparse.FragmentOversized(plain)
	require.NoError(t, err)
	assert.Same(t, plain, same)
}

func TestStats(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Complex128, []int{0}, []int{1}, [][]int{{1, 1}, {2}})
	require.NoError(t, sparse.PutBlock(tensor, []int{0, 0}, []complex128{3 + 4i, 0}, []int{1, 2}, false))
	require.NoError(t, sparse.PutBlock(tensor, []int{1, 0}, []complex128{1, 1i}, []int{1, 2}, false))

	sum, err := tensor.Checksum()
	require.NoError(t, err)
	assert.InDelta(t, 27.0, sum, 1e-12)
	n, err := tensor.Norm(sparse.NormMax)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, n, 1e-12)
	total, err := tensor.NumBlocksTotal()
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, sparse.Scale(tensor, complex128(2)))
	n, err = tensor.Norm(sparse.NormFrobenius)
	require.NoError(t, err)
	assert.InDelta(t, 2*5.196152422706632, n, 1e-9)
	assert.ErrorIs(t, sparse.Scale(tensor, float64(2)), errs.ErrTypeMismatch)

	info := tensor.Info()
	assert.Equal(t, 2, info.LocalBlocks)
	assert.Equal(t, uint64(64), info.LocalBytes)
	assert.Contains(t, info.String(), "2 blocks")

	require.NoError(t, tensor.Clear())
	assert.Equal(t, 0, tensor.NumLocalBlocks())
}

func TestDestroy(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0}, []int{1}, [][]int{{1}, {1}})
	require.NoError(t, tensor.Destroy())
	assert.ErrorIs(t, tensor.Destroy(), errs.ErrDestroyed)
	assert.ErrorIs(t, tensor.ReserveBlocks([][]int{{0, 0}}), errs.ErrDestroyed)
	_, _, _, err := sparse.GetBlock[float32](tensor, []int{0, 0})
	assert.ErrorIs(t, err, errs.ErrDestroyed)
	_, err = tensor.Iterate()
	assert.ErrorIs(t, err, errs.ErrDestroyed)
	assert.True(t, tensor.Info().Destroyed)
}

func TestIteratorAfterDestroy(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0}, []int{1}, [][]int{{1, 1}, {1}})
	require.NoError(t, tensor.ReserveBlocks([][]int{{0, 0}, {1, 0}}))
	it, err := tensor.Iterate()
	require.NoError(t, err)
	_, _, err = it.Next()
	require.NoError(t, err)

	require.NoError(t, tensor.Destroy())
	_, block, err := it.Next()
	assert.ErrorIs(t, err, errs.ErrDestroyed)
	assert.Nil(t, block)
}

func TestBlockNorm(t *testing.T) {
	tensor := newTensor(t, singleComm(), dtypes.Float32, []int{0}, []int{1}, [][]int{{1}, {2}})
	_, found, err := tensor.BlockNorm([]int{0, 0}, sparse.NormFrobenius)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, sparse.PutBlock(tensor, []int{0, 0}, []float32{3, -4}, []int{1, 2}, false))
	n, found, err := tensor.BlockNorm([]int{0, 0}, sparse.NormFrobenius)
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 5.0, n, 1e-6)
	n, _, err = tensor.BlockNorm([]int{0, 0}, sparse.NormMax)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, n, 1e-6)
	_, _, err = tensor.BlockNorm([]int{1, 0}, sparse.NormMax)
	assert.ErrorIs(t, err, errs.ErrShape)
}
