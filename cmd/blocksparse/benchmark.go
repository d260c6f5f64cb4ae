// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/contract"
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

type config struct {
	procs, blocks, blockSize, repeat int
	occupancy, filterEps             float64
	optimize, plain                  bool
	seed                             uint64
	dtype                            dtypes.DType
	engine                           *contract.Engine
}

func (cfg config) validate() error {
	switch {
	case cfg.procs < 1:
		return errs.Configurationf("-procs must be >= 1, got %d", cfg.procs)
	case cfg.blocks < 1:
		return errs.Configurationf("-blocks must be >= 1, got %d", cfg.blocks)
	case cfg.blockSize < 1:
		return errs.Configurationf("-block_size must be >= 1, got %d", cfg.blockSize)
	case cfg.occupancy <= 0 || cfg.occupancy > 1:
		return errs.Configurationf("-occupancy must be in (0, 1], got %g", cfg.occupancy)
	case cfg.repeat < 1:
		return errs.Configurationf("-repeat must be >= 1, got %d", cfg.repeat)
	case cfg.filterEps < 0:
		return errs.Configurationf("-filter_eps must be >= 0, got %g", cfg.filterEps)
	}
	return nil
}

// blockSizes returns the sizes of the blocks along every dimension, between blockSize/2 and blockSize.
func (cfg config) blockSizes() []int {
	low := max(1, cfg.blockSize/2)
	sizes := make([]int, cfg.blocks)
	for b := range sizes {
		sizes[b] = low + (b*7)%(cfg.blockSize-low+1)
	}
	return sizes
}

type stats struct {
	gridA, gridC              string
	blocksA, blocksB, blocksC int
	flops, products           int64
	durations                 []time.Duration
	normC                     float64
}

// randomValue returns a value in [-1, 1), with a random imaginary part for complex types.
func randomValue[T dtypes.Supported](rng *rand.Rand) (v T) {
	re, im := 2*rng.Float64()-1, 2*rng.Float64()-1
	switch p := any(&v).(type) {
	case *float32:
		*p = float32(re)
	case *float64:
		*p = re
	case *complex64:
		*p = complex(float32(re), float32(im))
	case *complex128:
		*p = complex(re, im)
	}
	return
}

// fillRandom stores the present blocks owned by the local process. Whether a block is present, and its values,
// depend only on the seed and the block index, so all processes agree on the global tensor.
func fillRandom[T dtypes.Supported](t *sparse.Tensor, cfg config, salt uint64) error {
	counts := t.NumBlocksPerDim()
	index := make([]int, len(counts))
	for flat := range cfg.blocks * cfg.blocks * cfg.blocks {
		for d, rem := len(counts)-1, flat; d >= 0; d-- {
			index[d] = rem % counts[d]
			rem /= counts[d]
		}
		rng := rand.New(rand.NewPCG(cfg.seed+salt, uint64(flat)))
		if rng.Float64() >= cfg.occupancy {
			continue
		}
		owner, err := t.StoredCoordinates(index)
		if err != nil {
			return err
		}
		if owner != t.LocalRank() {
			continue
		}
		sizes, err := t.BlockShape(index)
		if err != nil {
			return err
		}
		data := make([]T, sizes[0]*sizes[1]*sizes[2])
		for ii := range data {
			data[ii] = randomValue[T](rng)
		}
		if err := sparse.PutBlock(t, index, data, sizes, false); err != nil {
			return err
		}
	}
	return nil
}

func newTensor(name string, c comm.Communicator, map1, map2 []int, cfg config) (*sparse.Tensor, error) {
	grid, err := distributed.NewProcessGrid(c, nil, map1, map2)
	if err != nil {
		return nil, err
	}
	rank := len(map1) + len(map2)
	counts := make([]int, rank)
	sizes := make([][]int, rank)
	for d := range rank {
		counts[d] = cfg.blocks
		sizes[d] = cfg.blockSizes()
	}
	dist, err := distributed.NewDefaultDistribution(grid, counts, false)
	if err != nil {
		return nil, err
	}
	return sparse.New(name, dist, map1, map2, cfg.dtype, sizes)
}

func newProgressBar(cfg config) *progressbar.ProgressBar {
	return progressbar.NewOptions(cfg.repeat,
		progressbar.OptionSetDescription("contracting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("contractions"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionEnableColorCodes(!cfg.plain),
		progressbar.OptionClearOnFinish(),
	)
}

// benchmark contracts A[i,j,k] and B[k,l,m] into C[i,j,l,m] cfg.repeat times, on cfg.procs ranks.
func benchmark[T dtypes.Supported](cfg config) (*stats, error) {
	st := &stats{}
	bar := newProgressBar(cfg)
	if !cfg.plain {
		out := termenv.NewOutput(os.Stderr)
		out.HideCursor()
		defer out.ShowCursor()
	}
	var mu sync.Mutex
	err := comm.Run(cfg.procs, func(c comm.Communicator) error {
		a, err := newTensor("A", c, []int{0, 1}, []int{2}, cfg)
		if err != nil {
			return err
		}
		b, err := newTensor("B", c, []int{0}, []int{1, 2}, cfg)
		if err != nil {
			return err
		}
		out, err := newTensor("C", c, []int{0, 1}, []int{2, 3}, cfg)
		if err != nil {
			return err
		}
		if err := fillRandom[T](a, cfg, 1); err != nil {
			return errors.WithMessage(err, "filling A")
		}
		if err := fillRandom[T](b, cfg, 2); err != nil {
			return errors.WithMessage(err, "filling B")
		}
		klog.V(1).Infof("rank %d: %s", c.Rank(), a.Info())

		spec := contract.Spec{
			ContractA: []int{2}, FreeA: []int{0, 1}, MapA: []int{0, 1},
			ContractB: []int{0}, FreeB: []int{1, 2}, MapB: []int{2, 3},
			OptimizeDistribution: cfg.optimize,
			FilterEps:            cfg.filterEps,
		}
		var one, zero T = 1, 0
		for range cfg.repeat {
			if err := c.Barrier(); err != nil {
				return err
			}
			start := time.Now()
			result, err := contract.Contract(cfg.engine, one, a, b, zero, out, spec)
			if err != nil {
				return err
			}
			if err := c.Barrier(); err != nil {
				return err
			}
			if c.Rank() == 0 {
				mu.Lock()
				st.durations = append(st.durations, time.Since(start))
				st.flops, st.products = result.Flops, result.Products
				mu.Unlock()
				_ = bar.Add(1)
			}
		}

		blocks := make([]int, 3)
		for ii, t := range []*sparse.Tensor{a, b, out} {
			if blocks[ii], err = t.NumBlocksTotal(); err != nil {
				return err
			}
		}
		normC, err := out.Norm(sparse.NormFrobenius)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			mu.Lock()
			st.blocksA, st.blocksB, st.blocksC = blocks[0], blocks[1], blocks[2]
			st.normC = normC
			st.gridA, st.gridC = a.Grid().String(), out.Grid().String()
			mu.Unlock()
		}
		for _, t := range []*sparse.Tensor{a, b, out} {
			if err := t.Destroy(); err != nil {
				return err
			}
		}
		return nil
	})
	_ = bar.Finish()
	if err != nil {
		return nil, err
	}
	return st, nil
}
