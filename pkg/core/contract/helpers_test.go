// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contract_test

import (
	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
)

// newTensor creates a tensor with the default distribution over a new grid on c.
func newTensor(c comm.Communicator, name string, dtype dtypes.DType, map1, map2 []int,
	blockSizes [][]int) (*sparse.Tensor, error) {
	grid, err := distributed.NewProcessGrid(c, nil, map1, map2)
	if err != nil {
		return nil, err
	}
	counts := xslices.Map(blockSizes, func(s []int) int { return len(s) })
	dist, err := distributed.NewDefaultDistribution(grid, counts, false)
	if err != nil {
		return nil, err
	}
	return sparse.New(name, dist, map1, map2, dtype, blockSizes)
}

// forEachIndex calls fn with every index of the given extents, in row-major order.
// The index slice is reused between calls.
func forEachIndex(dims []int, fn func(index []int)) {
	index := make([]int, len(dims))
	for range xslices.Product(dims) {
		fn(index)
		for axis := len(dims) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < dims[axis] {
				break
			}
			index[axis] = 0
		}
	}
}

func denseStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape[axis]
	}
	return strides
}

// blockElements calls fn with the dense flat position of every element of the block, in the block's order.
func blockElements(tensor *sparse.Tensor, index []int, fn func(blockPos, densePos int)) {
	strides := denseStrides(tensor.DenseShape())
	sizes, _ := tensor.BlockShape(index)
	offsets := make([]int, len(index))
	for d, b := range index {
		offsets[d] = tensor.BlockOffsets(d)[b]
	}
	pos := 0
	forEachIndex(sizes, func(element []int) {
		flat := 0
		for d, e := range element {
			flat += (offsets[d] + e) * strides[d]
		}
		fn(pos, flat)
		pos++
	})
}

// fromDense stores the blocks of dense selected by keep and owned by the local process.
func fromDense[T dtypes.Supported](tensor *sparse.Tensor, dense []T, keep func(index []int) bool) error {
	var err error
	forEachIndex(tensor.NumBlocksPerDim(), func(index []int) {
		if err != nil || !keep(index) {
			return
		}
		var owner int
		owner, err = tensor.StoredCoordinates(index)
		if err != nil || owner != tensor.LocalRank() {
			return
		}
		sizes, _ := tensor.BlockShape(index)
		block := make([]T, xslices.Product(sizes))
		blockElements(tensor, index, func(blockPos, densePos int) { block[blockPos] = dense[densePos] })
		err = sparse.PutBlock(tensor, index, block, sizes, false)
	})
	return err
}

// globalDense returns the dense equivalent of the tensor, gathering the blocks of all processes.
// Missing blocks are zero.
func globalDense[T dtypes.Supported](tensor *sparse.Tensor) ([]T, error) {
	local := make([]T, xslices.Product(tensor.DenseShape()))
	it, err := tensor.Iterate()
	if err != nil {
		return nil, err
	}
	for it.HasNext() {
		info, block, err := it.Next()
		if err != nil {
			return nil, err
		}
		data, err := sparse.BlockData[T](block)
		if err != nil {
			return nil, err
		}
		blockElements(tensor, info.Index, func(blockPos, densePos int) { local[densePos] = data[blockPos] })
	}
	all, err := tensor.Grid().Comm().AllGather(local)
	if err != nil {
		return nil, err
	}
	dense := make([]T, len(local))
	for _, part := range all {
		for ii, v := range part.([]T) {
			dense[ii] += v
		}
	}
	return dense, nil
}

// pattern returns deterministic small integer values.
func pattern(n, seed int) []float64 {
	out := make([]float64, n)
	for ii := range out {
		out[ii] = float64((ii*7+seed*5)%13) - 6
	}
	return out
}
