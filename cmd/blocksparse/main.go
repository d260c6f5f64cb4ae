// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// blocksparse benchmarks the contraction of random block-sparse tensors over an in-process world of ranks.
//
// It builds A[i,j,k] and B[k,l,m] with -blocks blocks per dimension, of which a fraction -occupancy is
// present, contracts them into C[i,j,l,m] -repeat times, and prints a report.
//
// Example:
//
//	blocksparse -procs=6 -blocks=8 -block_size=16 -occupancy=0.3 -dtype=complex64 -optimize
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/blocksparse/pkg/core/contract"
	"github.com/gomlx/blocksparse/pkg/core/dtypes"
	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/gomlx/blocksparse/pkg/core/kernels"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagProcs     = flag.Int("procs", 4, "Number of ranks in the in-process world.")
	flagBlocks    = flag.Int("blocks", 6, "Number of blocks along each tensor dimension.")
	flagBlockSize = flag.Int("block_size", 8, "Largest block size. Blocks have sizes between block_size/2 and block_size.")
	flagOccupancy = flag.Float64("occupancy", 0.5, "Fraction of the blocks of A and B that are present.")
	flagDType     = flag.String("dtype", "float64", "Element type: float32, float64, complex64 or complex128.")
	flagRepeat    = flag.Int("repeat", 5, "Number of contractions to run.")
	flagOptimize  = flag.Bool("optimize", false, "Redistribute the tensors to contraction-friendly grids before multiplying.")
	flagFilterEps = flag.Float64("filter_eps", 0, "If > 0, drop output blocks with Frobenius norm below it.")
	flagKernel    = flag.String("kernel", "", fmt.Sprintf("Dense kernel: \"gonum\" or \"naive\". "+
		"Defaults to $%s, or \"gonum\".", kernels.EnvKernel))
	flagParallelism = flag.Int("parallelism", 0, "Output blocks computed concurrently by each rank. 0 uses GOMAXPROCS.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the random tensors.")
	flagPlain       = flag.Bool("plain", false, "Plain output: no colors in the report or in the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'blocksparse -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagPlain {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	cfg := config{
		procs:     *flagProcs,
		blocks:    *flagBlocks,
		blockSize: *flagBlockSize,
		occupancy: *flagOccupancy,
		repeat:    *flagRepeat,
		optimize:  *flagOptimize,
		filterEps: *flagFilterEps,
		seed:      *flagSeed,
		plain:     *flagPlain,
	}
	cfg.dtype = must.M1(dtypes.FromName(*flagDType))
	kernel := kernels.Default()
	if *flagKernel != "" {
		kernel = must.M1(kernels.ByName(*flagKernel))
	}
	cfg.engine = contract.New().WithKernel(kernel).WithParallelism(*flagParallelism)
	if err := cfg.validate(); err != nil {
		klog.Errorf("Invalid flags: %v", err)
		os.Exit(1)
	}

	var results *stats
	var err error
	switch cfg.dtype {
	case dtypes.Float32:
		results, err = benchmark[float32](cfg)
	case dtypes.Float64:
		results, err = benchmark[float64](cfg)
	case dtypes.Complex64:
		results, err = benchmark[complex64](cfg)
	case dtypes.Complex128:
		results, err = benchmark[complex128](cfg)
	}
	if err != nil {
		if kind := errs.Kind(err); kind != nil {
			klog.Fatalf("Benchmark failed (%v): %+v", kind, err)
		}
		klog.Fatalf("Benchmark failed: %+v", err)
	}
	report(cfg, results)
}
