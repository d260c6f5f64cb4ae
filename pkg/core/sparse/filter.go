// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"math"

	"github.com/gomlx/blocksparse/pkg/core/errs"
	"k8s.io/klog/v2"
)

// Filter removes the local blocks whose norm is below a threshold, and returns the number of blocks removed.
//
// If absolute is true the threshold is eps. Otherwise it is eps times the largest norm among the local
// blocks. Blocks with norm exactly at the threshold are kept.
//
// Filter is a local operation: processes don't communicate.
func (t *Tensor) Filter(eps float64, method NormMethod, absolute bool) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if eps < 0 || math.IsNaN(eps) {
		return 0, errs.Configurationf("tensor %q: filter threshold must be >= 0, got %g", t.name, eps)
	}
	if method != NormFrobenius && method != NormMax {
		return 0, errs.Configurationf("tensor %q: invalid norm method %d", t.name, method)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	norms := make(map[blockKey]float64, len(t.blocks))
	var largest float64
	for key, b := range t.blocks {
		n := anyNorm(b.data, method)
		norms[key] = n
		largest = max(largest, n)
	}
	threshold := eps
	if !absolute {
		threshold = eps * largest
	}
	var removed int
	for key, n := range norms {
		if n < threshold {
			delete(t.blocks, key)
			removed++
		}
	}
	if removed > 0 {
		klog.V(2).Infof("tensor %q: filter(eps=%g, %s, absolute=%v) removed %d of %d blocks",
			t.name, eps, method, absolute, removed, len(norms))
	}
	return removed, nil
}

// BlockNorm returns the norm of the block at index, and whether it is stored locally.
func (t *Tensor) BlockNorm(index []int, method NormMethod) (norm float64, found bool, err error) {
	if err = t.check(); err != nil {
		return
	}
	if err = t.checkIndex(index); err != nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.blocks[keyOf(index)]
	if b == nil {
		return
	}
	return anyNorm(b.data, method), true, nil
}
