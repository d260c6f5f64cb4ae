// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"math"
	"math/cmplx"
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
)

// NormMethod selects how the magnitude of a block is measured.
type NormMethod int

const (
	// NormFrobenius is the square root of the sum of the squared magnitudes of the elements.
	NormFrobenius NormMethod = iota

	// NormMax is the largest magnitude of the elements.
	NormMax
)

// String implements fmt.Stringer.
func (m NormMethod) String() string {
	switch m {
	case NormFrobenius:
		return "Frobenius"
	case NormMax:
		return "Max"
	}
	return "InvalidNormMethod"
}

func absOf[T dtypes.Supported](v T) float64 {
	switch x := any(v).(type) {
	case float32:
		return math.Abs(float64(x))
	case float64:
		return math.Abs(x)
	case complex64:
		return cmplx.Abs(complex128(x))
	case complex128:
		return cmplx.Abs(x)
	}
	return 0
}

func sumSquares[T dtypes.Supported](data []T) float64 {
	var sum float64
	for _, v := range data {
		a := absOf(v)
		sum += a * a
	}
	return sum
}

func norm[T dtypes.Supported](data []T, method NormMethod) float64 {
	if method == NormMax {
		var m float64
		for _, v := range data {
			m = max(m, absOf(v))
		}
		return m
	}
	return math.Sqrt(sumSquares(data))
}

// axpy computes dst += s*src.
func axpy[T dtypes.Supported](dst, src []T, s T) {
	for ii, v := range src {
		dst[ii] += s * v
	}
}

func scaleSlice[T dtypes.Supported](data []T, s T) {
	for ii := range data {
		data[ii] *= s
	}
}

// The functions below dispatch on the concrete type of a block buffer held as any.
// They panic on unsupported types: buffers are always created by this package with the tensor's DType.

func anyNorm(data any, method NormMethod) float64 {
	switch d := data.(type) {
	case []float32:
		return norm(d, method)
	case []float64:
		return norm(d, method)
	case []complex64:
		return norm(d, method)
	case []complex128:
		return norm(d, method)
	}
	exceptions.Panicf("sparse: unsupported block buffer type %T", data)
	return 0
}

func anySumSquares(data any) float64 {
	switch d := data.(type) {
	case []float32:
		return sumSquares(d)
	case []float64:
		return sumSquares(d)
	case []complex64:
		return sumSquares(d)
	case []complex128:
		return sumSquares(d)
	}
	exceptions.Panicf("sparse: unsupported block buffer type %T", data)
	return 0
}

func anyClone(data any) any {
	switch d := data.(type) {
	case []float32:
		return slices.Clone(d)
	case []float64:
		return slices.Clone(d)
	case []complex64:
		return slices.Clone(d)
	case []complex128:
		return slices.Clone(d)
	}
	exceptions.Panicf("sparse: unsupported block buffer type %T", data)
	return nil
}

func anyLen(data any) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []complex64:
		return len(d)
	case []complex128:
		return len(d)
	}
	exceptions.Panicf("sparse: unsupported block buffer type %T", data)
	return 0
}

// anyAdd computes dst += src, both of the same type.
func anyAdd(dst, src any) {
	switch d := dst.(type) {
	case []float32:
		axpy(d, src.([]float32), 1)
	case []float64:
		axpy(d, src.([]float64), 1)
	case []complex64:
		axpy(d, src.([]complex64), 1)
	case []complex128:
		axpy(d, src.([]complex128), 1)
	default:
		exceptions.Panicf("sparse: unsupported block buffer type %T", dst)
	}
}

// sliceAlong extracts the sub-block [offset, offset+n) along dimension dim of a row-major block with the given
// sizes.
func sliceAlong[T any](data []T, sizes []int, dim, offset, n int) []T {
	outer, inner := 1, 1
	for d, s := range sizes {
		if d < dim {
			outer *= s
		} else if d > dim {
			inner *= s
		}
	}
	span := sizes[dim] * inner
	out := make([]T, 0, outer*n*inner)
	for o := range outer {
		start := o*span + offset*inner
		out = append(out, data[start:start+n*inner]...)
	}
	return out
}

func anySliceAlong(data any, sizes []int, dim, offset, n int) any {
	switch d := data.(type) {
	case []float32:
		return sliceAlong(d, sizes, dim, offset, n)
	case []float64:
		return sliceAlong(d, sizes, dim, offset, n)
	case []complex64:
		return sliceAlong(d, sizes, dim, offset, n)
	case []complex128:
		return sliceAlong(d, sizes, dim, offset, n)
	}
	exceptions.Panicf("sparse: unsupported block buffer type %T", data)
	return nil
}
