// Package verrors defines the error taxonomy shared by every core component.
//
// Every kind wraps a sentinel so callers can use errors.Is / errors.As
// instead of string matching, while the wrapped message carries the
// component-specific detail (per spec §7).
package verrors

import (
	"errors"
	"fmt"
)

var (
	ErrCodec        = errors.New("codec error")
	ErrDifficulty   = errors.New("insufficient proof of work")
	ErrSignature    = errors.New("signature verification failed")
	ErrRelationship = errors.New("relationship cardinality exceeded")
	ErrDuplicate    = errors.New("duplicate cube")
	ErrContestLoss  = errors.New("cube lost contest")
	ErrTimeout      = errors.New("request timed out")
	ErrUnavailable  = errors.New("no peers available")
	ErrPersistence  = errors.New("persistence backend error")
	ErrCrypto       = errors.New("cryptographic operation failed")
	ErrShuttingDown = errors.New("component is shutting down")
)

// Wrap annotates err with message and keeps it unwrappable to the base
// sentinel via %w; it returns nil if err is nil.
func Wrap(base error, format string, args ...interface{}) error {
	if base == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), base)
}

// Codec wraps ErrCodec with detail.
func Codec(format string, args ...interface{}) error {
	return Wrap(ErrCodec, format, args...)
}

// Difficulty wraps ErrDifficulty with detail.
func Difficulty(got, required int) error {
	return Wrap(ErrDifficulty, "have %d bits, need %d", got, required)
}

// Signature wraps ErrSignature with detail.
func Signature(format string, args ...interface{}) error {
	return Wrap(ErrSignature, format, args...)
}

// Relationship wraps ErrRelationship with detail.
func Relationship(format string, args ...interface{}) error {
	return Wrap(ErrRelationship, format, args...)
}

// Persistence wraps ErrPersistence with detail.
func Persistence(format string, args ...interface{}) error {
	return Wrap(ErrPersistence, format, args...)
}

// Crypto wraps ErrCrypto with detail.
func Crypto(format string, args ...interface{}) error {
	return Wrap(ErrCrypto, format, args...)
}
