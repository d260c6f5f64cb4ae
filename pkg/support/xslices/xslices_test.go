// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArithmetic(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4}, Iota(2, 3))
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, 1, Product[int](nil))
	assert.Equal(t, 9.5, Sum([]float64{2, 3, 4.5}))
	assert.Equal(t, []int{0, 2, 5}, CumSum([]int{2, 3, 4}))
}

func TestMapParallel(t *testing.T) {
	in := Iota(0, 1000)
	for _, workers := range []int{0, 1, 3} {
		out := MapParallel(in, workers, func(e int) int { return e * e })
		for ii, v := range out {
			assert.Equal(t, ii*ii, v)
		}
	}
}

func TestMapParallelLimit(t *testing.T) {
	var running, peak atomic.Int32
	out := MapParallel(Iota(0, 64), 3, func(e int) int {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return e + 1
	})
	assert.Equal(t, Iota(1, 64), out)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestIsPermutation(t *testing.T) {
	assert.True(t, IsPermutation([]int{2, 0, 1}))
	assert.True(t, IsPermutation(nil))
	assert.False(t, IsPermutation([]int{0, 0}))
	assert.False(t, IsPermutation([]int{1, 2}))
}
