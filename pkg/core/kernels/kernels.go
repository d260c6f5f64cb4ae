// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the dense block products used by the contraction engine.
//
// A Kernel contracts two dense row-major blocks over paired axes. The output has the free (non-contracted) axes
// of the first operand followed by the free axes of the second, in their original order, like a DotGeneral
// without batch axes.
//
// Two kernels are provided: Gonum, backed by gonum's pure-Go BLAS, and Naive, a reference implementation.
// Default picks one according to the environment variable BLOCKSPARSE_KERNEL.
package kernels

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvKernel is the environment variable used by Default to select the kernel: "gonum" (the default) or "naive".
const EnvKernel = "BLOCKSPARSE_KERNEL"

// Operand is a dense row-major block.
type Operand struct {
	// Data is a slice of one of the supported types (see dtypes.Supported).
	Data any

	// Dims are the extents of each axis.
	Dims []int
}

// Product is the result of a Kernel contraction.
type Product struct {
	Data  any
	Dims  []int
	Flops int64
}

// Kernel contracts dense blocks.
type Kernel interface {
	// Name of the kernel, used in logs.
	Name() string

	// Contract a and b over the paired axes contractA[i] of a and contractB[i] of b.
	// The product has the free axes of a followed by the free axes of b.
	Contract(a, b Operand, contractA, contractB []int) (Product, error)
}

// ByName returns the kernel with the given name, case-insensitive.
func ByName(name string) (Kernel, error) {
	switch strings.ToLower(name) {
	case "", "gonum":
		return Gonum{}, nil
	case "naive":
		return Naive{}, nil
	}
	return nil, errs.Configurationf("unknown kernel %q, valid kernels are \"gonum\" and \"naive\"", name)
}

// Default returns the kernel selected by $BLOCKSPARSE_KERNEL, or Gonum if it is not set or invalid.
func Default() Kernel {
	name := os.Getenv(EnvKernel)
	k, err := ByName(name)
	if err != nil {
		klog.Warningf("$%s: %v; using gonum", EnvKernel, err)
		return Gonum{}
	}
	return k
}

// normalized holds the sizes of a contraction once both operands are seen as matrices:
// a as [m, k] (free, contracted) and b as [k, n] (contracted, free).
type normalized struct {
	dtype        dtypes.DType
	freeA, freeB []int
	m, n, k      int
	dims         []int
}

// normalize validates the operands and computes the matrix view of the contraction.
func normalize(a, b Operand, contractA, contractB []int) (nz normalized, err error) {
	nz.dtype = dtypes.FromSlice(a.Data)
	if !nz.dtype.IsValid() {
		err = errs.TypeMismatchf("kernel operand of unsupported type %T", a.Data)
		return
	}
	if dt := dtypes.FromSlice(b.Data); dt != nz.dtype {
		err = errs.TypeMismatchf("kernel operands have different types: %s and %s", nz.dtype, dt)
		return
	}
	if len(contractA) != len(contractB) {
		err = errs.Shapef("kernel got %d contracted axes for a but %d for b", len(contractA), len(contractB))
		return
	}
	nz.freeA, err = freeAxes(a, contractA)
	if err != nil {
		err = errors.WithMessage(err, "operand a")
		return
	}
	nz.freeB, err = freeAxes(b, contractB)
	if err != nil {
		err = errors.WithMessage(err, "operand b")
		return
	}
	nz.k = 1
	for ii, axisA := range contractA {
		axisB := contractB[ii]
		if a.Dims[axisA] != b.Dims[axisB] {
			err = errs.Shapef("kernel contracted dimensions don't match: a[%d]=%d != b[%d]=%d",
				axisA, a.Dims[axisA], axisB, b.Dims[axisB])
			return
		}
		nz.k *= a.Dims[axisA]
	}
	nz.m, nz.n = 1, 1
	nz.dims = make([]int, 0, len(nz.freeA)+len(nz.freeB))
	for _, axis := range nz.freeA {
		nz.m *= a.Dims[axis]
		nz.dims = append(nz.dims, a.Dims[axis])
	}
	for _, axis := range nz.freeB {
		nz.n *= b.Dims[axis]
		nz.dims = append(nz.dims, b.Dims[axis])
	}
	return
}

// freeAxes validates the operand and returns its non-contracted axes, in order.
func freeAxes(op Operand, contract []int) ([]int, error) {
	for _, d := range op.Dims {
		if d < 1 {
			return nil, errs.Shapef("dimensions %v must be >= 1", op.Dims)
		}
	}
	if n, size := xslices.Product(op.Dims), dtypes.SliceLen(op.Data); n != size {
		return nil, errs.Shapef("dimensions %v need %d elements, got %d", op.Dims, n, size)
	}
	contracted := make([]bool, len(op.Dims))
	for _, axis := range contract {
		if axis < 0 || axis >= len(op.Dims) {
			return nil, errs.Shapef("contracted axis %d out of range for rank %d", axis, len(op.Dims))
		}
		if contracted[axis] {
			return nil, errs.Shapef("contracted axis %d given more than once", axis)
		}
		contracted[axis] = true
	}
	free := make([]int, 0, len(op.Dims)-len(contract))
	for axis, c := range contracted {
		if !c {
			free = append(free, axis)
		}
	}
	return free, nil
}

func (nz normalized) flops() int64 {
	return 2 * int64(nz.m) * int64(nz.n) * int64(nz.k)
}

func isIdentity(perm []int) bool {
	return slices.Equal(perm, xslices.Iota(0, len(perm)))
}

// Transpose returns data, a row-major array with the given dims, with its axes permuted: axis i of the output
// is axis perm[i] of the input. It also returns the output dims.
//
// If perm is the identity, data is returned as is.
func Transpose[T any](data []T, dims, perm []int) ([]T, []int) {
	outDims := make([]int, len(perm))
	for ii, p := range perm {
		outDims[ii] = dims[p]
	}
	if isIdentity(perm) {
		return data, outDims
	}
	rank := len(dims)
	inStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		inStrides[axis] = stride
		stride *= dims[axis]
	}
	// Strides of the input, in output axis order.
	strides := make([]int, rank)
	for ii, p := range perm {
		strides[ii] = inStrides[p]
	}
	out := make([]T, len(data))
	counter := make([]int, rank)
	offset := 0
	for ii := range out {
		out[ii] = data[offset]
		for axis := rank - 1; axis >= 0; axis-- {
			counter[axis]++
			offset += strides[axis]
			if counter[axis] < outDims[axis] {
				break
			}
			offset -= counter[axis] * strides[axis]
			counter[axis] = 0
		}
	}
	return out, outDims
}

// TransposeAny is Transpose for a slice of one of the supported types held in an any.
func TransposeAny(data any, dims, perm []int) (any, []int, error) {
	if !xslices.IsPermutation(perm) || len(perm) != len(dims) {
		return nil, nil, errs.Shapef("invalid axes permutation %v for dimensions %v", perm, dims)
	}
	switch d := data.(type) {
	case []float32:
		out, outDims := Transpose(d, dims, perm)
		return out, outDims, nil
	case []float64:
		out, outDims := Transpose(d, dims, perm)
		return out, outDims, nil
	case []complex64:
		out, outDims := Transpose(d, dims, perm)
		return out, outDims, nil
	case []complex128:
		out, outDims := Transpose(d, dims, perm)
		return out, outDims, nil
	}
	return nil, nil, errs.TypeMismatchf("unsupported data type %T", data)
}

// matrices transposes the operands to their normalized [m, k] and [k, n] layouts.
func matrices(a, b Operand, contractA, contractB []int, nz normalized) (aMat, bMat any, err error) {
	aMat, _, err = TransposeAny(a.Data, a.Dims, slices.Concat(nz.freeA, contractA))
	if err != nil {
		return
	}
	bMat, _, err = TransposeAny(b.Data, b.Dims, slices.Concat(contractB, nz.freeB))
	return
}
