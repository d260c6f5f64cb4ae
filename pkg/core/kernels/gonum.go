// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

// Gonum is a Kernel that normalizes the operands to matrices and multiplies them with gonum's BLAS gemm.
type Gonum struct{}

var _ Kernel = Gonum{}

var impl gonum.Implementation

// Name implements Kernel.
func (Gonum) Name() string { return "gonum" }

// Contract implements Kernel.
func (Gonum) Contract(a, b Operand, contractA, contractB []int) (Product, error) {
	nz, err := normalize(a, b, contractA, contractB)
	if err != nil {
		return Product{}, err
	}
	aMat, bMat, err := matrices(a, b, contractA, contractB, nz)
	if err != nil {
		return Product{}, err
	}
	m, n, k := nz.m, nz.n, nz.k
	var out any
	switch aData := aMat.(type) {
	case []float32:
		c := make([]float32, m*n)
		impl.Sgemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, aData, k, bMat.([]float32), n, 0, c, n)
		out = c
	case []float64:
		c := make([]float64, m*n)
		impl.Dgemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, aData, k, bMat.([]float64), n, 0, c, n)
		out = c
	case []complex64:
		c := make([]complex64, m*n)
		impl.Cgemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, aData, k, bMat.([]complex64), n, 0, c, n)
		out = c
	case []complex128:
		c := make([]complex128, m*n)
		impl.Zgemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, aData, k, bMat.([]complex128), n, 0, c, n)
		out = c
	}
	return Product{Data: out, Dims: nz.dims, Flops: nz.flops()}, nil
}
