// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contract

import (
	"slices"

	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/kernels"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// task is the computation of one output block: the sum of the products of its pairs of blocks.
type task struct {
	index []int
	pairs [][2]sparse.Message
}

type taskResult[T dtypes.Supported] struct {
	data  []T
	sizes []int
	flops int64
	err   error
}

// routeBlocks sends every local block of t that is within bounds to the processes owning the C blocks it
// contributes to: those whose coordinates on the C grid dimensions mapped from t's free dimensions match.
func routeBlocks[T dtypes.Supported](t, c *sparse.Tensor, contracted, free, mapping []int,
	boundsContract, boundsFree [][2]int) ([][]sparse.Message, error) {
	grid := c.Grid()
	ownersC := make([][]int, len(mapping))
	for ii, dc := range mapping {
		ownersC[ii] = c.Distribution().Owners(dc)
	}
	sends := make([][]sparse.Message, grid.NumProcs())
	it, err := t.Iterate()
	if err != nil {
		return nil, err
	}
	defer it.Stop()
	coords := make([]int, len(mapping))
	for it.HasNext() {
		info, block, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !inBounds(info.Index, contracted, boundsContract) || !inBounds(info.Index, free, boundsFree) {
			continue
		}
		data, err := sparse.BlockData[T](block)
		if err != nil {
			return nil, err
		}
		for ii, d := range free {
			coords[ii] = ownersC[ii][info.Index[d]]
		}
		ranks, err := grid.RanksWithCoords(mapping, coords)
		if err != nil {
			return nil, err
		}
		msg := sparse.Message{Index: info.Index, Sizes: info.Sizes, Data: data}
		for _, r := range ranks {
			sends[r] = append(sends[r], msg)
		}
	}
	return sends, nil
}

// buildTasks pairs the received A and B blocks with equal contracted indices, grouped by output block.
// Tasks are sorted by output index, and the pairs of a task by (A index, B index).
func buildTasks(p *plan, c *sparse.Tensor, recvA, recvB []sparse.Message) ([]*task, error) {
	byKey := make(map[[sparse.MaxRank]int][]sparse.Message)
	for _, m := range recvB {
		key := contractedKey(m.Index, p.ContractB)
		byKey[key] = append(byKey[key], m)
	}
	compare := func(x, y sparse.Message) int { return slices.Compare(x.Index, y.Index) }
	for _, msgs := range byKey {
		slices.SortFunc(msgs, compare)
	}
	slices.SortFunc(recvA, compare)

	tasks := make(map[[sparse.MaxRank]int]*task)
	for _, ma := range recvA {
		for _, mb := range byKey[contractedKey(ma.Index, p.ContractA)] {
			index := p.outputIndex(ma.Index, mb.Index)
			local, err := c.Distribution().IsLocal(index)
			if err != nil {
				return nil, err
			}
			if !local {
				continue
			}
			var key [sparse.MaxRank]int
			copy(key[:], index)
			tk, found := tasks[key]
			if !found {
				tk = &task{index: index}
				tasks[key] = tk
			}
			tk.pairs = append(tk.pairs, [2]sparse.Message{ma, mb})
		}
	}
	sorted := make([]*task, 0, len(tasks))
	for _, tk := range tasks {
		sorted = append(sorted, tk)
	}
	slices.SortFunc(sorted, func(x, y *task) int { return slices.Compare(x.index, y.index) })
	return sorted, nil
}

// sumProducts computes the output block of the task, laid out as C's axes.
func sumProducts[T dtypes.Supported](k kernels.Kernel, p *plan, tk *task) (sum []T, sizes []int, flops int64,
	err error) {
	for _, pair := range tk.pairs {
		var prod kernels.Product
		prod, err = k.Contract(
			kernels.Operand{Data: pair[0].Data, Dims: pair[0].Sizes},
			kernels.Operand{Data: pair[1].Data, Dims: pair[1].Sizes},
			p.ContractA, p.ContractB)
		if err != nil {
			return
		}
		flops += prod.Flops
		data, dims := prod.Data, prod.Dims
		if !p.identity {
			data, dims, err = kernels.TransposeAny(data, dims, p.perm)
			if err != nil {
				return
			}
		}
		values := data.([]T)
		if sum == nil {
			sum, sizes = values, dims
			continue
		}
		for ii, v := range values {
			sum[ii] += v
		}
	}
	return
}

// computeTask runs sumProducts, converting kernel panics to errors.
func computeTask[T dtypes.Supported](k kernels.Kernel, p *plan, tk *task) (r taskResult[T]) {
	exception := exceptions.Try(func() {
		r.data, r.sizes, r.flops, r.err = sumProducts[T](k, p, tk)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			r.err = errors.WithMessagef(e, "kernel %s panicked", k.Name())
		} else {
			r.err = errors.Errorf("kernel %s panicked: %v", k.Name(), exception)
		}
	}
	if r.err != nil {
		r.err = errors.WithMessagef(r.err, "computing output block %v", tk.index)
	}
	return
}

// prepareOutput applies beta to the current content of C. With beta == 0 the old values are never read.
func prepareOutput[T dtypes.Supported](c *sparse.Tensor, beta T, retainSparsity bool) error {
	switch {
	case beta == 0 && !retainSparsity:
		return c.Clear()
	case beta == 0:
		it, err := c.Iterate()
		if err != nil {
			return err
		}
		defer it.Stop()
		for it.HasNext() {
			_, block, err := it.Next()
			if err != nil {
				return err
			}
			data, err := sparse.BlockData[T](block)
			if err != nil {
				return err
			}
			clear(data)
		}
		return nil
	case beta != 1:
		return sparse.Scale(c, beta)
	}
	return nil
}

// multiply runs the contraction on the current distributions of the tensors, and returns the global
// flop and block product counts.
//
// Each process computes the C blocks it owns. A blocks are sent to every process whose coordinates
// on the C grid dimensions fed by A match the block's free indices, and likewise for B.
func multiply[T dtypes.Supported](e *Engine, alpha T, a, b *sparse.Tensor, beta T, c *sparse.Tensor,
	p *plan) (flops, products int64, err error) {
	cm := c.Grid().Comm()
	sendsA, err := routeBlocks[T](a, c, p.ContractA, p.FreeA, p.MapA, p.BoundsContract, p.BoundsA)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "routing blocks of %q", a.Name())
	}
	sendsB, err := routeBlocks[T](b, c, p.ContractB, p.FreeB, p.MapB, p.BoundsContract, p.BoundsB)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "routing blocks of %q", b.Name())
	}
	recvA, err := sparse.Exchange(cm, sendsA)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "exchanging blocks of %q", a.Name())
	}
	recvB, err := sparse.Exchange(cm, sendsB)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "exchanging blocks of %q", b.Name())
	}
	if p.MoveData {
		if err = a.Clear(); err != nil {
			return
		}
		if err = b.Clear(); err != nil {
			return
		}
	}

	tasks, err := buildTasks(p, c, recvA, recvB)
	if err != nil {
		return
	}
	if err = prepareOutput(c, beta, p.RetainSparsity); err != nil {
		return
	}
	results := xslices.MapParallel(tasks, e.parallelism, func(tk *task) taskResult[T] {
		return computeTask[T](e.kernel, p, tk)
	})
	var localFlops, localProducts int64
	for ii, r := range results {
		if r.err != nil {
			return 0, 0, r.err
		}
		tk := tasks[ii]
		localFlops += r.flops
		localProducts += int64(len(tk.pairs))
		if p.RetainSparsity && !c.HasBlock(tk.index) {
			continue
		}
		if err = sparse.PutBlock(c, tk.index, r.data, r.sizes, true, alpha); err != nil {
			return
		}
		if p.FilterEps > 0 {
			norm, _, err := c.BlockNorm(tk.index, sparse.NormFrobenius)
			if err != nil {
				return 0, 0, err
			}
			if norm < p.FilterEps {
				if _, err = c.RemoveBlock(tk.index); err != nil {
					return 0, 0, err
				}
			}
		}
	}
	return reduceCounts(cm, localFlops, localProducts)
}

func reduceCounts(cm comm.Communicator, flops, products int64) (int64, int64, error) {
	flops, err := cm.AllReduceInt64(flops, comm.ReduceSum)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "reducing flop count")
	}
	products, err = cm.AllReduceInt64(products, comm.ReduceSum)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "reducing block product count")
	}
	return flops, products, nil
}
