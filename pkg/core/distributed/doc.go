// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines how block-sparse tensors are laid out over the processes of a communicator:
//
//   - ProcessGrid: an N-dimensional logical grid over the ranks of a comm.Communicator, with the grid dimensions
//     grouped into the rows (map1) and columns (map2) of a 2D view.
//   - Distribution: for every tensor dimension, the grid coordinate owning each block index. Together they define
//     the owner process of any block.
//
// Example:
//
//	grid, err := distributed.NewProcessGrid(c, nil, []int{0}, []int{1})  // Balanced 2D grid.
//	dist, err := distributed.NewDefaultDistribution(grid, []int{10, 12}, false)
//	owner, err := dist.Owner([]int{3, 5})
package distributed
