// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the error kinds returned by the block-sparse engine.
//
// Every error returned by the engine wraps exactly one of the sentinel errors below, so callers can
// classify a failure with errors.Is:
//
//	if errors.Is(err, errs.ErrOwnership) {
//	    // The block belongs to another process.
//	}
//
// Errors are built with github.com/pkg/errors, so printing them with "%+v" includes the stack trace.
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid grid, distribution or communicator parameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape is returned for block-size, block-index or dimension mismatches.
	ErrShape = errors.New("shape error")

	// ErrOwnership is returned when writing a block that is not owned by the local process.
	ErrOwnership = errors.New("ownership error")

	// ErrTypeMismatch is returned when the element type of an operation doesn't match the tensor's data type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnsupportedRank is returned for tensors whose rank is outside of [MinRank, MaxRank].
	ErrUnsupportedRank = errors.New("unsupported rank")

	// ErrIteratorExhausted is returned by a block iterator's Next after the last block, or after Stop.
	ErrIteratorExhausted = errors.New("iterator exhausted")

	// ErrDestroyed is returned when using a grid, distribution or tensor after it was destroyed.
	ErrDestroyed = errors.New("use after destroy")
)

// Configurationf returns an error of kind ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Shapef returns an error of kind ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// Ownershipf returns an error of kind ErrOwnership with the formatted message.
func Ownershipf(format string, args ...any) error {
	return errors.Wrapf(ErrOwnership, format, args...)
}

// TypeMismatchf returns an error of kind ErrTypeMismatch with the formatted message.
func TypeMismatchf(format string, args ...any) error {
	return errors.Wrapf(ErrTypeMismatch, format, args...)
}

// UnsupportedRankf returns an error of kind ErrUnsupportedRank with the formatted message.
func UnsupportedRankf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedRank, format, args...)
}

// Destroyedf returns an error of kind ErrDestroyed with the formatted message.
func Destroyedf(format string, args ...any) error {
	return errors.Wrapf(ErrDestroyed, format, args...)
}

// Kind returns the sentinel error wrapped by err, or nil if err is not one of the engine's errors.
func Kind(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrShape, ErrOwnership, ErrTypeMismatch, ErrUnsupportedRank,
		ErrIteratorExhausted, ErrDestroyed} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
