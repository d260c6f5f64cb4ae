// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comm defines the communicator used by the block-sparse engine to talk to its peer processes.
//
// The engine never creates or initializes the underlying messaging layer: it receives an already initialized
// Communicator and, at most, frees it when asked to. Collective operations (every method except Size, Rank, Free
// and IsFreed) must be called by every rank of the communicator, in the same order, or they block forever. This is
// a caller contract and it is not checked at runtime.
//
// The package includes an in-process implementation (NewWorld and Run), where each rank is a goroutine. It is
// used by the tests and by the cmd/blocksparse tool, and it is a reference for implementations backed by MPI.
package comm

import (
	"github.com/pkg/errors"
)

// ReduceOp is the reduction applied by the AllReduce collectives.
type ReduceOp int

const (
	// ReduceSum adds the values of all ranks.
	ReduceSum ReduceOp = iota

	// ReduceMax takes the maximum over all ranks.
	ReduceMax

	// ReduceMin takes the minimum over all ranks.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceMax:
		return "Max"
	case ReduceMin:
		return "Min"
	}
	return "InvalidReduceOp"
}

// ErrAborted is returned by collectives interrupted because a peer failed.
// There is no recovery: the whole world must be torn down and recreated.
var ErrAborted = errors.New("communicator aborted")

// Communicator connects the processes participating in a distributed computation.
type Communicator interface {
	// Size returns the number of processes in the communicator.
	Size() int

	// Rank returns the rank of the local process, in [0, Size()).
	Rank() int

	// AllToAll sends send[r] to rank r, and returns what each rank sent to this one: recv[r] comes from rank r.
	// len(send) must be Size().
	//
	// Payloads are not copied: the sender must not modify them after the call.
	AllToAll(send []any) (recv []any, err error)

	// AllGather returns the values given by every rank, indexed by rank.
	AllGather(value any) ([]any, error)

	// AllReduceInt64 reduces value over all ranks.
	AllReduceInt64(value int64, op ReduceOp) (int64, error)

	// AllReduceFloat64 reduces value over all ranks.
	AllReduceFloat64(value float64, op ReduceOp) (float64, error)

	// Barrier blocks until every rank calls it.
	Barrier() error

	// Split partitions the communicator into sub-communicators, one per distinct color.
	// Within each new communicator, ranks are ordered by key, ties broken by the rank in this communicator.
	// A negative color means the process doesn't participate, and it gets a nil Communicator.
	Split(color, key int) (Communicator, error)

	// Free releases the communicator. Further calls to collectives return an error.
	Free() error

	// IsFreed reports whether Free was called.
	IsFreed() bool
}

// Reduce applies op to values. It returns 0 for an empty slice.
func Reduce[T int64 | float64](values []T, op ReduceOp) T {
	if len(values) == 0 {
		return 0
	}
	acc := values[0]
	for _, v := range values[1:] {
		switch op {
		case ReduceSum:
			acc += v
		case ReduceMax:
			acc = max(acc, v)
		case ReduceMin:
			acc = min(acc, v)
		}
	}
	return acc
}
