// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistribution(t *testing.T) {
	grid := must.M1(distributed.NewProcessGrid(newComm(6, 4), []int{2, 3}, []int{0}, []int{1}))

	t.Run("Explicit", func(t *testing.T) {
		dist, err := distributed.NewDistribution(grid, []int{0}, []int{1},
			[][]int{{0, 1, 1}, {2, 0, 1, 2}}, false)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 4}, dist.NumBlocksPerDim())
		assert.Equal(t, []int{2, 0, 1, 2}, dist.Owners(1))
		assert.Equal(t, []int{1, 2}, must.M1(dist.OwnerCoords([]int{2, 3})))
		assert.Equal(t, 1*3+2, must.M1(dist.Owner([]int{2, 3})))
		assert.True(t, must.M1(dist.IsLocal([]int{1, 2}))) // (1, 1) -> rank 4.
		assert.False(t, must.M1(dist.IsLocal([]int{0, 2})))
		require.NoError(t, dist.CheckBlockCounts([]int{3, 4}))
		require.ErrorIs(t, dist.CheckBlockCounts([]int{3, 5}), errs.ErrConfiguration)

		_, err = dist.Owner([]int{3, 0})
		require.ErrorIs(t, err, errs.ErrShape)
		_, err = dist.Owner([]int{0})
		require.ErrorIs(t, err, errs.ErrShape)
	})

	t.Run("OwnerIsPure", func(t *testing.T) {
		dist := must.M1(distributed.NewDefaultDistribution(grid, []int{5, 7}, false))
		for b0 := range 5 {
			for b1 := range 7 {
				first := must.M1(dist.Owner([]int{b0, b1}))
				for range 3 {
					assert.Equal(t, first, must.M1(dist.Owner([]int{b0, b1})))
				}
			}
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name       string
			map1, map2 []int
			owners     [][]int
		}{
			{"coordinate out of range", []int{0}, []int{1}, [][]int{{0, 2}, {0}}},
			{"negative coordinate", []int{0}, []int{1}, [][]int{{0}, {-1}}},
			{"wrong rank", []int{0}, []int{1, 2}, [][]int{{0}, {0}, {0}}},
			{"empty dimension", []int{0}, []int{1}, [][]int{{0}, {}}},
			{"bad maps", []int{0, 1}, []int{1}, [][]int{{0}, {0}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := distributed.NewDistribution(grid, tt.map1, tt.map2, tt.owners, false)
				require.ErrorIs(t, err, errs.ErrConfiguration)
			})
		}
		_, err := distributed.NewDefaultDistribution(grid, []int{3}, false)
		require.ErrorIs(t, err, errs.ErrConfiguration)
		_, err = distributed.NewDefaultDistribution(grid, []int{3, 0}, false)
		require.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("Destroy", func(t *testing.T) {
		c := newComm(1, 0)
		g := must.M1(distributed.NewProcessGrid(c, nil, []int{0}, []int{1}))
		dist := must.M1(distributed.NewDefaultDistribution(g, []int{2, 2}, false))
		require.NoError(t, dist.Destroy())
		assert.False(t, c.IsFreed())
		_, err := dist.Owner([]int{0, 0})
		require.ErrorIs(t, err, errs.ErrDestroyed)
		require.ErrorIs(t, dist.Destroy(), errs.ErrDestroyed)

		owning := must.M1(distributed.NewDefaultDistribution(g, []int{2, 2}, true))
		assert.True(t, owning.OwnsCommunicator())
		require.NoError(t, owning.Destroy())
		assert.True(t, c.IsFreed())
	})
}

func TestDefaultOwners(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 0, 1}, distributed.DefaultOwners(5, 3))
	assert.Equal(t, []int{0, 0, 1, 1, 0}, distributed.CyclicOwnersWithRuns(5, 2, 2))
	assert.Equal(t, []int{0, 0, 0}, distributed.DefaultOwners(3, 1))
}
