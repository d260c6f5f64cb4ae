// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/gomlx/blocksparse/pkg/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Float64, FromGenericsType[float64]())
	assert.Equal(t, Complex64, FromGenericsType[complex64]())
	assert.Equal(t, Complex128, FromGenericsType[complex128]())
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Complex64.Size())
	assert.Equal(t, 16, Complex128.Size())
	assert.Equal(t, uintptr(80), Float64.Memory(10))
	assert.Equal(t, 0, InvalidDType.Size())
}

func TestNames(t *testing.T) {
	for _, name := range []string{"float64", "F64", "Float64"} {
		dtype, err := FromName(name)
		require.NoError(t, err)
		assert.Equal(t, Float64, dtype)
	}
	_, err := FromName("int8")
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
	_, err = FromName("invaliddtype")
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
}

func TestLegacyTags(t *testing.T) {
	for _, dtype := range []DType{Float32, Float64, Complex64, Complex128} {
		back, err := FromLegacyTag(dtype.LegacyTag())
		require.NoError(t, err)
		assert.Equal(t, dtype, back)
	}
	_, err := FromLegacyTag(2)
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
}

func TestSlices(t *testing.T) {
	for _, dtype := range []DType{Float32, Float64, Complex64, Complex128} {
		s := dtype.MakeSlice(3)
		assert.Equal(t, dtype, FromSlice(s))
		assert.Equal(t, 3, SliceLen(s))
	}
	assert.Equal(t, InvalidDType, FromSlice([]int{1}))
	assert.Equal(t, -1, SliceLen([]int{1}))
	require.NoError(t, Check[complex128](Complex128))
	require.ErrorIs(t, Check[float32](Float64), errs.ErrTypeMismatch)
}
