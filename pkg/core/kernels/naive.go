// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
)

// Naive is a reference Kernel: it loops over every output element and every contracted position,
// addressing the operands through their strides. No transposition is done.
type Naive struct{}

var _ Kernel = Naive{}

// Name implements Kernel.
func (Naive) Name() string { return "naive" }

// Contract implements Kernel.
func (Naive) Contract(a, b Operand, contractA, contractB []int) (Product, error) {
	nz, err := normalize(a, b, contractA, contractB)
	if err != nil {
		return Product{}, err
	}
	var out any
	switch aData := a.Data.(type) {
	case []float32:
		out = naiveContract(aData, b.Data.([]float32), a, b, contractA, contractB, nz)
	case []float64:
		out = naiveContract(aData, b.Data.([]float64), a, b, contractA, contractB, nz)
	case []complex64:
		out = naiveContract(aData, b.Data.([]complex64), a, b, contractA, contractB, nz)
	case []complex128:
		out = naiveContract(aData, b.Data.([]complex128), a, b, contractA, contractB, nz)
	}
	return Product{Data: out, Dims: nz.dims, Flops: nz.flops()}, nil
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// offsets returns the memory offset of every flat position of the sub-space spanned by axes, in row-major order.
func offsets(dims, strides, axes []int) []int {
	size := 1
	for _, axis := range axes {
		size *= dims[axis]
	}
	out := make([]int, size)
	counter := make([]int, len(axes))
	offset := 0
	for ii := range out {
		out[ii] = offset
		for jj := len(axes) - 1; jj >= 0; jj-- {
			axis := axes[jj]
			counter[jj]++
			offset += strides[axis]
			if counter[jj] < dims[axis] {
				break
			}
			offset -= counter[jj] * strides[axis]
			counter[jj] = 0
		}
	}
	return out
}

func naiveContract[T dtypes.Supported](aData, bData []T, a, b Operand, contractA, contractB []int,
	nz normalized) []T {
	aStrides, bStrides := rowMajorStrides(a.Dims), rowMajorStrides(b.Dims)
	rowsA := offsets(a.Dims, aStrides, nz.freeA)
	colsB := offsets(b.Dims, bStrides, nz.freeB)
	sumA := offsets(a.Dims, aStrides, contractA)
	sumB := offsets(b.Dims, bStrides, contractB)
	out := make([]T, nz.m*nz.n)
	for row, offA := range rowsA {
		for col, offB := range colsB {
			var acc T
			for kk := range sumA {
				acc += aData[offA+sumA[kk]] * bData[offB+sumB[kk]]
			}
			out[row*nz.n+col] = acc
		}
	}
	return out
}
