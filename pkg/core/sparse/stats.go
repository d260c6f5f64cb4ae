// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/blocksparse/pkg/core/comm"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/pkg/errors"
)

// NumLocalBlocks returns the number of blocks stored by the local process.
func (t *Tensor) NumLocalBlocks() int {
	if t.check() != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// NumLocalElements returns the number of elements stored by the local process.
func (t *Tensor) NumLocalElements() int {
	if t.check() != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int
	for _, b := range t.blocks {
		n += anyLen(b.data)
	}
	return n
}

// NumBlocksTotal returns the number of blocks stored across all processes.
//
// It is a collective operation: all processes of the tensor's communicator must call it.
func (t *Tensor) NumBlocksTotal() (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	total, err := t.Grid().Comm().AllReduceInt64(int64(t.NumLocalBlocks()), comm.ReduceSum)
	if err != nil {
		return 0, errors.WithMessagef(err, "tensor %q: counting blocks", t.name)
	}
	return int(total), nil
}

// Checksum returns the sum of the squared magnitudes of all elements, across all processes.
//
// It is a collective operation.
func (t *Tensor) Checksum() (float64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	t.mu.RLock()
	var local float64
	for _, b := range t.blocks {
		local += anySumSquares(b.data)
	}
	t.mu.RUnlock()
	sum, err := t.Grid().Comm().AllReduceFloat64(local, comm.ReduceSum)
	if err != nil {
		return 0, errors.WithMessagef(err, "tensor %q: checksum", t.name)
	}
	return sum, nil
}

// Norm returns the norm of the whole tensor, across all processes.
// For NormFrobenius it's the square root of the Checksum; for NormMax it's the largest element magnitude.
//
// It is a collective operation.
func (t *Tensor) Norm(method NormMethod) (float64, error) {
	switch method {
	case NormFrobenius:
		sum, err := t.Checksum()
		return math.Sqrt(sum), err
	case NormMax:
		if err := t.check(); err != nil {
			return 0, err
		}
		t.mu.RLock()
		var local float64
		for _, b := range t.blocks {
			local = max(local, anyNorm(b.data, NormMax))
		}
		t.mu.RUnlock()
		m, err := t.Grid().Comm().AllReduceFloat64(local, comm.ReduceMax)
		if err != nil {
			return 0, errors.WithMessagef(err, "tensor %q: norm", t.name)
		}
		return m, nil
	}
	return 0, errs.Configurationf("tensor %q: invalid norm method %d", t.name, method)
}

// Scale multiplies every local element by s.
func Scale[T dtypes.Supported](t *Tensor, s T) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := dtypes.Check[T](t.dtype); err != nil {
		return errors.WithMessagef(err, "tensor %q", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.blocks {
		scaleSlice(b.data.([]T), s)
	}
	return nil
}

// Summary describes a tensor and the blocks stored by the local process. See Tensor.Info.
type Summary struct {
	Name          string
	DType         dtypes.DType
	BlocksPerDim  []int
	DenseShape    []int
	Distribution  string
	LocalRank     int
	LocalBlocks   int
	LocalElements int
	LocalBytes    uint64
	Destroyed     bool
}

// Info returns a summary of the tensor and its local blocks.
func (t *Tensor) Info() Summary {
	s := Summary{
		Name:         t.name,
		DType:        t.dtype,
		BlocksPerDim: t.NumBlocksPerDim(),
		DenseShape:   t.DenseShape(),
		Destroyed:    t.check() != nil,
	}
	if s.Destroyed {
		return s
	}
	s.Distribution = t.dist.String()
	s.LocalRank = t.LocalRank()
	s.LocalBlocks = t.NumLocalBlocks()
	s.LocalElements = t.NumLocalElements()
	s.LocalBytes = uint64(t.dtype.Memory(s.LocalElements))
	return s
}

// String implements fmt.Stringer, with a multi-line description.
func (s Summary) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor(%q, %s, blocks=%v, shape=%v)\n", s.Name, s.DType, s.BlocksPerDim, s.DenseShape)
	if s.Destroyed {
		sb.WriteString("\t(destroyed)\n")
		return sb.String()
	}
	_, _ = fmt.Fprintf(&sb, "\tdistribution: %s\n", s.Distribution)
	_, _ = fmt.Fprintf(&sb, "\tlocal rank %d: %d blocks, %s elements, %s\n",
		s.LocalRank, s.LocalBlocks, humanize.Comma(int64(s.LocalElements)), humanize.Bytes(s.LocalBytes))
	return sb.String()
}
