// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// hub is the meeting point shared by all ranks of an in-process communicator.
type hub struct {
	size    int
	barrier *xsync.Barrier

	// slots[rank] holds the value deposited by each rank in the current collective.
	slots []any

	mu       sync.Mutex
	children map[splitKey]*hub
	rootErr  error
}

type splitKey struct {
	seq, color int
}

func newHub(size int) *hub {
	return &hub{
		size:     size,
		barrier:  xsync.NewBarrier(size),
		slots:    make([]any, size),
		children: make(map[splitKey]*hub),
	}
}

// abort releases every rank blocked in this hub, or in any of its sub-communicators.
func (h *hub) abort(err error) {
	h.mu.Lock()
	if h.rootErr == nil {
		h.rootErr = err
	}
	children := make([]*hub, 0, len(h.children))
	for _, child := range h.children {
		children = append(children, child)
	}
	h.mu.Unlock()
	h.barrier.Abort(errors.Wrapf(ErrAborted, "peer failed: %v", err))
	for _, child := range children {
		child.abort(err)
	}
}

func (h *hub) child(key splitKey, size int) *hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	child, found := h.children[key]
	if !found {
		child = newHub(size)
		h.children[key] = child
		if h.rootErr != nil {
			child.barrier.Abort(errors.Wrapf(ErrAborted, "peer failed: %v", h.rootErr))
		}
	}
	return child
}

// Local is a Communicator whose ranks are goroutines of the same process.
type Local struct {
	hub      *hub
	rank     int
	splitSeq int
	freed    atomic.Bool
}

// Assert Local implements Communicator.
var _ Communicator = (*Local)(nil)

// NewWorld creates an in-process communicator with size ranks, and returns the handle of each rank.
// Each handle must be used by one goroutine only.
func NewWorld(size int) ([]*Local, error) {
	if size < 1 {
		return nil, errs.Configurationf("communicator size must be >= 1, got %d", size)
	}
	h := newHub(size)
	world := make([]*Local, size)
	for rank := range world {
		world[rank] = &Local{hub: h, rank: rank}
	}
	return world, nil
}

// Run creates an in-process world of the given size and calls fn concurrently on every rank.
//
// If fn fails (or panics) on any rank, the world is aborted so that peers blocked in collectives return
// ErrAborted, and Run returns the first failure.
func Run(size int, fn func(c Communicator) error) error {
	world, err := NewWorld(size)
	if err != nil {
		return err
	}
	h := world[0].hub
	var g errgroup.Group
	for _, c := range world {
		g.Go(func() error {
			var err error
			exception := exceptions.Try(func() { err = fn(c) })
			if exception != nil {
				if e, ok := exception.(error); ok {
					err = errors.WithMessagef(e, "rank %d panicked", c.rank)
				} else {
					err = errors.Errorf("rank %d panicked: %v", c.rank, exception)
				}
			}
			if err != nil {
				h.abort(err)
			}
			return err
		})
	}
	err = g.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rootErr != nil {
		return h.rootErr
	}
	return err
}

// Size implements Communicator.
func (c *Local) Size() int { return c.hub.size }

// Rank implements Communicator.
func (c *Local) Rank() int { return c.rank }

// String implements fmt.Stringer.
func (c *Local) String() string {
	return fmt.Sprintf("Local(rank=%d, size=%d)", c.rank, c.hub.size)
}

func (c *Local) check(op string) error {
	if c.freed.Load() {
		return errs.Configurationf("%s called on a freed communicator (rank %d)", op, c.rank)
	}
	return nil
}

// gather deposits value and returns the values of all ranks.
func (c *Local) gather(value any) ([]any, error) {
	h := c.hub
	h.slots[c.rank] = value
	if _, err := h.barrier.Wait(); err != nil {
		return nil, err
	}
	all := slices.Clone(h.slots)
	// Second barrier: no rank may overwrite its slot before everyone has read.
	if _, err := h.barrier.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// AllToAll implements Communicator.
func (c *Local) AllToAll(send []any) ([]any, error) {
	if err := c.check("AllToAll"); err != nil {
		return nil, err
	}
	if len(send) != c.hub.size {
		return nil, errs.Configurationf("AllToAll requires one payload per rank (%d), got %d", c.hub.size, len(send))
	}
	all, err := c.gather(send)
	if err != nil {
		return nil, err
	}
	recv := make([]any, c.hub.size)
	for from, payloads := range all {
		recv[from] = payloads.([]any)[c.rank]
	}
	return recv, nil
}

// AllGather implements Communicator.
func (c *Local) AllGather(value any) ([]any, error) {
	if err := c.check("AllGather"); err != nil {
		return nil, err
	}
	return c.gather(value)
}

// AllReduceInt64 implements Communicator.
func (c *Local) AllReduceInt64(value int64, op ReduceOp) (int64, error) {
	if err := c.check("AllReduceInt64"); err != nil {
		return 0, err
	}
	all, err := c.gather(value)
	if err != nil {
		return 0, err
	}
	values := make([]int64, len(all))
	for ii, v := range all {
		values[ii] = v.(int64)
	}
	return Reduce(values, op), nil
}

// AllReduceFloat64 implements Communicator.
func (c *Local) AllReduceFloat64(value float64, op ReduceOp) (float64, error) {
	if err := c.check("AllReduceFloat64"); err != nil {
		return 0, err
	}
	all, err := c.gather(value)
	if err != nil {
		return 0, err
	}
	values := make([]float64, len(all))
	for ii, v := range all {
		values[ii] = v.(float64)
	}
	return Reduce(values, op), nil
}

// Barrier implements Communicator.
func (c *Local) Barrier() error {
	if err := c.check("Barrier"); err != nil {
		return err
	}
	_, err := c.hub.barrier.Wait()
	return err
}

type splitRequest struct {
	color, key, rank int
}

// Split implements Communicator.
func (c *Local) Split(color, key int) (Communicator, error) {
	if err := c.check("Split"); err != nil {
		return nil, err
	}
	all, err := c.gather(splitRequest{color: color, key: key, rank: c.rank})
	if err != nil {
		return nil, err
	}
	seq := c.splitSeq
	c.splitSeq++
	if color < 0 {
		return nil, nil
	}
	var members []splitRequest
	for _, v := range all {
		if req := v.(splitRequest); req.color == color {
			members = append(members, req)
		}
	}
	slices.SortFunc(members, func(a, b splitRequest) int {
		if a.key != b.key {
			return a.key - b.key
		}
		return a.rank - b.rank
	})
	newRank := slices.IndexFunc(members, func(req splitRequest) bool { return req.rank == c.rank })
	child := c.hub.child(splitKey{seq: seq, color: color}, len(members))
	klog.V(2).Infof("comm: rank %d split with color=%d into rank %d of %d", c.rank, color, newRank, len(members))
	return &Local{hub: child, rank: newRank}, nil
}

// Free implements Communicator.
func (c *Local) Free() error {
	if c.freed.Swap(true) {
		klog.Warningf("comm: communicator rank %d freed more than once", c.rank)
	}
	return nil
}

// IsFreed implements Communicator.
func (c *Local) IsFreed() bool {
	return c.freed.Load()
}
