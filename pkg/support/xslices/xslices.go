// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"runtime"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T constraints.Integer | constraints.Float](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Product returns the product of all elements, 1 for an empty slice.
func Product[T constraints.Integer | constraints.Float](slice []T) T {
	p := T(1)
	for _, v := range slice {
		p *= v
	}
	return p
}

// Sum returns the sum of all elements.
func Sum[T constraints.Integer | constraints.Float](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

// CumSum returns the exclusive cumulative sum: out[i] = slice[0] + ... + slice[i-1].
func CumSum[T constraints.Integer | constraints.Float](slice []T) []T {
	out := make([]T, len(slice))
	var acc T
	for ii, v := range slice {
		out[ii] = acc
		acc += v
	}
	return out
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MapParallel executes the given function for every element of `in` with at most `workers` goroutines.
// If workers <= 0, runtime.NumCPU is used.
// The execution order is not guaranteed, but in the end `out[ii] = fn(in[ii])` for every element.
func MapParallel[In, Out any](in []In, workers int, fn func(e In) Out) (out []Out) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(in) <= 1 || workers == 1 {
		return Map(in, fn)
	}
	out = make([]Out, len(in))
	var g errgroup.Group
	g.SetLimit(workers)
	for ii, e := range in {
		g.Go(func() error {
			out[ii] = fn(e)
			return nil
		})
	}
	_ = g.Wait()
	return
}

// IsPermutation returns whether slice holds each of the values 0..len(slice)-1 exactly once.
func IsPermutation(slice []int) bool {
	seen := make([]bool, len(slice))
	for _, v := range slice {
		if v < 0 || v >= len(slice) || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
