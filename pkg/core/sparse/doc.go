// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sparse implements the distributed block-sparse tensor.
//
// A Tensor of rank N (MinRank <= N <= MaxRank) is partitioned into blocks along every dimension: blockSizes[d]
// lists the size of each block along dimension d, and so the dense shape of the tensor is implicitly
// sum(blockSizes[d]) along each dimension. Only non-zero blocks are stored, and each process stores only the
// blocks it owns according to the tensor's distributed.Distribution.
//
//	┌──────────────────────────────────────────────────────┐
//	│ Tensor "A" (rank 2, blocks 3x4, grid 2x2)            │
//	│                                                      │
//	│   col blk:   0     1     2     3                     │
//	│   row 0   [ p0 ][    ][ p0 ][    ]   p<r>: stored    │
//	│   row 1   [    ][ p3 ][    ][    ]   on rank r       │
//	│   row 2   [ p0 ][    ][    ][ p1 ]   empty: zero     │
//	└──────────────────────────────────────────────────────┘
//
// Block-level functions are generic over the element type (see dtypes.Supported), and they check that the Go
// type matches the tensor's DType, returning an error of kind errs.ErrTypeMismatch otherwise:
//
//	t, err := sparse.New("A", dist, []int{0}, []int{1}, dtypes.Float64, [][]int{{2, 3}, {4, 4}})
//	err = sparse.PutBlock(t, []int{1, 0}, data, []int{3, 4}, false)
//	data, sizes, found, err := sparse.GetBlock[float64](t, []int{1, 0})
//
// Local operations (get, put, reserve, filter, iterate) touch no network. Operations documented as collective
// (Redistribute, Copy, NumBlocksTotal, Checksum, Norm) must be called by every process of the grid.
//
// Blocks are stored in row-major order, the last dimension being the contiguous one.
package sparse
