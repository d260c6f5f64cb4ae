// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	dims := Make[int](4)
	assert.Empty(t, dims)
	dims.Insert(2, 0, 2)
	assert.Len(t, dims, 2)
	assert.True(t, dims.Has(0))
	assert.True(t, dims.Has(2))
	assert.False(t, dims.Has(1))
	assert.Empty(t, Make[string]())
}
