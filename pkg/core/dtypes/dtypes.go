// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types supported by the block-sparse tensors.
//
// The set is closed: single and double precision, real and complex. Block-level operations are generic over the
// Supported constraint, and check at the API boundary that the Go type matches the tensor's DType.
package dtypes

import (
	"strings"

	"github.com/gomlx/blocksparse/pkg/core/errs"
	"golang.org/x/exp/constraints"
)

// DType is an enum representing the data type of the elements of a block.
type DType int32

const (
	// InvalidDType is the zero value, not a valid type.
	InvalidDType DType = iota

	// Float32 is the single precision real type.
	Float32

	// Float64 is the double precision real type.
	Float64

	// Complex64 is the single precision complex type (two float32).
	Complex64

	// Complex128 is the double precision complex type (two float64).
	Complex128
)

// Supported lists the Go types usable as block elements.
// Used as traits for generics.
type Supported interface {
	constraints.Float | constraints.Complex
}

// MapOfNames maps names (and lower-case aliases) to the DType.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Float32":      Float32,
	"Float64":      Float64,
	"Complex64":    Complex64,
	"Complex128":   Complex128,
	"F32":          Float32,
	"F64":          Float64,
	"C64":          Complex64,
	"C128":         Complex128,
}

// Legacy numeric codes of the data types, as used by the DBCSR C interface.
const (
	legacyReal4    = 1
	legacyReal8    = 3
	legacyComplex4 = 5
	legacyComplex8 = 7
)

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidDType
}

// FromName returns the DType for the name, case-insensitive.
// It returns an error of kind errs.ErrTypeMismatch for unknown names.
func FromName(name string) (DType, error) {
	for key, dtype := range MapOfNames {
		if strings.EqualFold(key, name) && dtype != InvalidDType {
			return dtype, nil
		}
	}
	return InvalidDType, errs.TypeMismatchf("unknown data type name %q", name)
}

// FromLegacyTag converts the numeric type code used by the DBCSR C interface to a DType.
func FromLegacyTag(tag int) (DType, error) {
	switch tag {
	case legacyReal4:
		return Float32, nil
	case legacyReal8:
		return Float64, nil
	case legacyComplex4:
		return Complex64, nil
	case legacyComplex8:
		return Complex128, nil
	}
	return InvalidDType, errs.TypeMismatchf("unknown legacy data type code %d", tag)
}

// LegacyTag returns the numeric code of the dtype used by the DBCSR C interface, or 0 if invalid.
func (dtype DType) LegacyTag() int {
	switch dtype {
	case Float32:
		return legacyReal4
	case Float64:
		return legacyReal8
	case Complex64:
		return legacyComplex4
	case Complex128:
		return legacyComplex8
	}
	return 0
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case Complex64:
		return "Complex64"
	case Complex128:
		return "Complex128"
	}
	return "InvalidDType"
}

// IsValid returns whether dtype is one of the supported types.
func (dtype DType) IsValid() bool {
	return dtype >= Float32 && dtype <= Complex128
}

// IsComplex returns whether dtype is a supported complex number type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// Size returns the number of bytes of one element.
func (dtype DType) Size() int {
	switch dtype {
	case Float32:
		return 4
	case Float64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// Memory returns the number of bytes for the given number of elements.
func (dtype DType) Memory(numElements int) uintptr {
	return uintptr(dtype.Size()) * uintptr(numElements)
}

// MakeSlice allocates a zero-filled slice of the dtype's Go type, returned as any.
// It returns nil for InvalidDType.
func (dtype DType) MakeSlice(numElements int) any {
	switch dtype {
	case Float32:
		return make([]float32, numElements)
	case Float64:
		return make([]float64, numElements)
	case Complex64:
		return make([]complex64, numElements)
	case Complex128:
		return make([]complex128, numElements)
	}
	return nil
}

// FromSlice returns the DType of a flat slice of one of the Supported types, or InvalidDType.
func FromSlice(data any) DType {
	switch data.(type) {
	case []float32:
		return Float32
	case []float64:
		return Float64
	case []complex64:
		return Complex64
	case []complex128:
		return Complex128
	}
	return InvalidDType
}

// SliceLen returns the length of a flat slice of one of the Supported types, or -1 for any other value.
func SliceLen(data any) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []complex64:
		return len(d)
	case []complex128:
		return len(d)
	}
	return -1
}

// Check returns an error of kind errs.ErrTypeMismatch if T doesn't correspond to dtype.
func Check[T Supported](dtype DType) error {
	if got := FromGenericsType[T](); got != dtype {
		return errs.TypeMismatchf("element type %s doesn't match data type %s", got, dtype)
	}
	return nil
}
