// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets has a minimal generic set, used to check dimension lists for repeats.
package sets

// Set of comparable values.
type Set[T comparable] map[T]struct{}

// Make returns an empty set, with room for capacity[0] elements if given.
func Make[T comparable](capacity ...int) Set[T] {
	var n int
	if len(capacity) > 0 {
		n = capacity[0]
	}
	return make(Set[T], n)
}

func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

func (s Set[T]) Insert(values ...T) {
	for _, v := range values {
		s[v] = struct{}{}
	}
}
