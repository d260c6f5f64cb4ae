// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contract

import (
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// canOptimize reports whether the contraction-friendly grids can be built: each of A, B and C needs both groups
// of dimensions non-empty.
func canOptimize(p *plan) bool {
	return len(p.ContractA) > 0 && len(p.FreeA) > 0 && len(p.FreeB) > 0
}

// groupDims spreads numProcs over the grid dimensions dims, as balanced as possible.
func groupDims(gridDims []int, numProcs int, dims []int) error {
	balanced, err := distributed.BalancedDims(numProcs, make([]int, len(dims)))
	if err != nil {
		return err
	}
	for ii, d := range dims {
		gridDims[d] = balanced[ii]
	}
	return nil
}

// optimizedGrids builds the grids used by the optimized contraction, over C's communicator.
// The processes are factored in a rows x cols 2D grid:
//
//   - A: free dimensions on the rows, contracted dimensions on the columns.
//   - B: contracted dimensions on the rows, free dimensions on the columns.
//   - C: dimensions from A on the rows, dimensions from B on the columns.
func optimizedGrids(p *plan, a, b, c *sparse.Tensor) (grids [3]*distributed.ProcessGrid, err error) {
	cm := c.Grid().Comm()
	shape2D, err := distributed.BalancedDims(cm.Size(), []int{0, 0})
	if err != nil {
		return
	}
	rows, cols := shape2D[0], shape2D[1]
	layouts := []struct {
		rank       int
		map1, map2 []int
	}{
		{a.Rank(), p.FreeA, p.ContractA},
		{b.Rank(), p.ContractB, p.FreeB},
		{c.Rank(), p.MapA, p.MapB},
	}
	for ii, layout := range layouts {
		dims := make([]int, layout.rank)
		if err = groupDims(dims, rows, layout.map1); err != nil {
			break
		}
		if err = groupDims(dims, cols, layout.map2); err != nil {
			break
		}
		grids[ii], err = distributed.NewProcessGrid(cm, dims, layout.map1, layout.map2)
		if err != nil {
			break
		}
	}
	if err != nil {
		for _, g := range grids {
			if g != nil {
				_ = g.Destroy(true)
			}
		}
	}
	return
}

// optimized redistributes the tensors to contraction-friendly distributions, multiplies, and moves the result
// back to C's distribution.
func optimized[T dtypes.Supported](e *Engine, alpha T, a, b *sparse.Tensor, beta T, c *sparse.Tensor,
	p *plan) (result *Result, err error) {
	grids, err := optimizedGrids(p, a, b, c)
	if err != nil {
		return nil, errors.WithMessage(err, "building the optimized grids")
	}
	var dists [3]*distributed.Distribution
	var tensors [3]*sparse.Tensor
	defer func() {
		for _, t := range tensors {
			if t != nil {
				_ = t.Destroy()
			}
		}
		for _, d := range dists {
			if d != nil {
				_ = d.Destroy()
			}
		}
		if result == nil || !p.ReturnOptimizedGrids {
			for _, g := range grids {
				_ = g.Destroy(true)
			}
		}
	}()

	for ii, t := range []*sparse.Tensor{a, b, c} {
		dists[ii], err = distributed.NewDefaultDistribution(grids[ii], t.NumBlocksPerDim(), false)
		if err != nil {
			return nil, err
		}
	}
	// All three redistributions are collective, and must be called in the same order on every process.
	// When A and B are the same tensor, its blocks can only be moved by the last redistribution.
	moves := []bool{p.MoveData && a != b, p.MoveData}
	for ii, t := range []*sparse.Tensor{a, b} {
		tensors[ii], err = sparse.Redistribute(t, dists[ii], moves[ii])
		if err != nil {
			return nil, err
		}
	}
	// C is rebuilt from tensors[2] at the end, so its blocks can be moved.
	tensors[2], err = sparse.Redistribute(c, dists[2], true)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("contraction: optimized grids A=%s, B=%s, C=%s", grids[0], grids[1], grids[2])

	optimizedPlan := *p
	optimizedPlan.MoveData = true
	result = &Result{}
	result.Flops, result.Products, err = multiply(e, alpha, tensors[0], tensors[1], beta, tensors[2], &optimizedPlan)
	if err != nil {
		return nil, err
	}
	if err = sparse.Copy(tensors[2], c, false); err != nil {
		return nil, err
	}
	if p.ReturnOptimizedGrids {
		result.GridA, result.GridB, result.GridC = grids[0], grids[1], grids[2]
	}
	return result, nil
}
