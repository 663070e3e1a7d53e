// Package tagerr defines the error kinds raised by the tag handler
// primitives (StaticIntMap, CachedValue, TagStore).
//
// Three kinds are distinguished, matching the primitives' error handling
// design: an InvariantViolation means an internal contract broke and is
// not recoverable, a UsageError is raised back to a caller that misused
// the API, and a DeferredInterrupt wraps a cancellation signal observed
// while a goroutine was parked so it can be re-raised once the
// primitive's postconditions are restored.
package tagerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvariantViolation indicates an internal contract broke, e.g. a
	// StaticIntMap reports no free slot despite the load-factor
	// invariant, or a CachedValue observes an impossible state
	// transition. Fatal; never expected to be recovered from.
	ErrInvariantViolation = errors.New("tagerr: invariant violation")

	// ErrUsageError indicates the caller violated a documented contract,
	// e.g. StaticIntMap.UpdateContent received the wrong map variant, or
	// CachedValue.Get's waiter counter overflowed its 29-bit field.
	ErrUsageError = errors.New("tagerr: usage error")

	// ErrDeferredInterrupt indicates a park was interrupted by context
	// cancellation; the signal is held and surfaced to the caller after
	// the primitive finishes restoring its invariants.
	ErrDeferredInterrupt = errors.New("tagerr: deferred interrupt")
)

// InvariantViolation builds an ErrInvariantViolation with a descriptive
// message, e.g. InvariantViolation("map: probe exhausted table of length %d", n).
func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// UsageError builds an ErrUsageError with a descriptive message.
func UsageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsageError, fmt.Sprintf(format, args...))
}

// DeferredInterrupt wraps the cancellation cause observed while parked.
// The caller that receives this error has already had the primitive's
// state restored (waiter deregistered, counters decremented); the error
// exists purely to surface the interruption, not to signal a failed
// operation.
func DeferredInterrupt(cause error) error {
	if cause == nil {
		return ErrDeferredInterrupt
	}
	return fmt.Errorf("%w: %v", ErrDeferredInterrupt, cause)
}
