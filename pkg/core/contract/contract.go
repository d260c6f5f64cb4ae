// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package contract implements the contraction of distributed block-sparse tensors:
//
//	C = alpha * A·B + beta * C
//
// where A·B sums over pairs of contracted dimensions of A and B, and the remaining (free) dimensions of A and B
// are mapped onto the dimensions of C. See Spec.
//
// A contraction is a collective operation: every process of the tensors' communicator must call Contract with the
// same Spec and equivalent tensors. Validation is local and happens before any communication, so an invalid Spec
// fails on every process without hanging.
//
// Example, a distributed matrix product:
//
//	engine := contract.New()
//	result, err := contract.Contract(engine, 1.0, a, b, 0.0, c, contract.MatMul())
//	fmt.Printf("%d flops\n", result.Flops)
package contract

import (
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/blocksparse/pkg/core/distributed"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/kernels"
	"github.com/gomlx/blocksparse/pkg/core/sparse"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine holds the configuration of contractions. Create it with New, and configure it with the With* methods.
// It holds no state between contractions, and can be used concurrently.
type Engine struct {
	kernel      kernels.Kernel
	parallelism int
}

// New returns an Engine using kernels.Default() and as many workers as runtime.GOMAXPROCS.
func New() *Engine {
	return &Engine{
		kernel:      kernels.Default(),
		parallelism: runtime.GOMAXPROCS(0),
	}
}

// WithKernel sets the dense kernel used for block products.
func (e *Engine) WithKernel(k kernels.Kernel) *Engine {
	e.kernel = k
	return e
}

// WithParallelism sets the number of output blocks computed concurrently by each process.
// Values < 1 reset it to runtime.GOMAXPROCS.
func (e *Engine) WithParallelism(workers int) *Engine {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	e.parallelism = workers
	return e
}

// Kernel returns the dense kernel of the engine.
func (e *Engine) Kernel() kernels.Kernel { return e.kernel }

// Parallelism returns the number of output blocks computed concurrently.
func (e *Engine) Parallelism() int { return e.parallelism }

// Result of a contraction.
type Result struct {
	// Flops is the number of floating point operations of the block products, summed over all processes.
	Flops int64

	// Products is the number of block products, summed over all processes.
	Products int64

	// GridA, GridB and GridC are the grids built for Spec.OptimizeDistribution, if Spec.ReturnOptimizedGrids was set.
	// They share the communicator of the tensors: destroy them with keepCommunicator set.
	GridA, GridB, GridC *distributed.ProcessGrid
}

// Contract computes C = alpha * A·B + beta * C, as described by spec.
//
// T must match the data type of the three tensors. If beta is 0, the previous content of C is not read.
//
// It is a collective operation over the tensors' communicator. Errors found while validating the arguments are
// returned before any communication. Errors after that (for instance a panicking kernel) leave the other
// processes blocked in a collective: the communicator must be aborted and recreated.
func Contract[T dtypes.Supported](e *Engine, alpha T, a, b *sparse.Tensor, beta T, c *sparse.Tensor,
	spec Spec) (*Result, error) {
	start := time.Now()
	p, err := validate(a, b, c, spec)
	if err != nil {
		return nil, errors.WithMessage(err, "contraction")
	}
	if err := dtypes.Check[T](c.DType()); err != nil {
		return nil, errors.WithMessage(err, "contraction")
	}

	var result *Result
	if spec.OptimizeDistribution && canOptimize(p) {
		result, err = optimized(e, alpha, a, b, beta, c, p)
	} else {
		if spec.OptimizeDistribution {
			klog.V(1).Infof("contraction: no distribution optimization for outer products or full contractions")
		}
		result = &Result{}
		result.Flops, result.Products, err = multiply(e, alpha, a, b, beta, c, p)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("contraction %q x %q -> %q: %s flops in %d block products, %s",
		a.Name(), b.Name(), c.Name(), humanize.SIWithDigits(float64(result.Flops), 2, ""), result.Products,
		time.Since(start))
	return result, nil
}
