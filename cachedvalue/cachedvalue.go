// Package cachedvalue implements CachedValue, a single-slot memoizing
// cell that amortizes a potentially expensive pure computation behind a
// lazy cache with safe concurrent Get, Invalidate, Set and
// SetIfInvalid. Exactly one supplier call happens per generation (the
// interval between two successive transitions back to the invalid
// state); concurrent getters that arrive mid-compute park and are woken
// with the same result, and an invalidate that arrives mid-compute does
// not discard the in-flight result — waiting getters still receive it —
// but forces the slot back to invalid once every getter has returned.
//
// Go has no LockSupport-style thread park/unpark, so waiters here block
// on a per-waiter buffered channel instead — the same pattern the
// corpus uses for its reader/writer fair queue (a slice of blocked
// goroutines, each parked on its own channel, woken in turn by the
// thread that reaches the front of the line). The packed 32-bit signal
// word the original design describes is intentionally not used here:
// the design's own notes say to prefer three separate atomics unless
// the packed word is profiled to matter, and it never was, so this
// keeps a waiter counter, an unblock-status flag and a pending-invalidate
// flag as three independent atomics.
package cachedvalue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"tagstore/logger"
	"tagstore/tagerr"
)

// MaxConcurrentGetters bounds the number of goroutines that may be
// parked in Get waiting for an in-flight compute. It mirrors the
// original 29-bit waiter-count field's natural ceiling; exceeding it is
// a usage error, not a crash.
const MaxConcurrentGetters = (1 << 29) - 1

type slotKind uint8

const (
	slotInvalid slotKind = iota
	slotComputing
	slotConcrete
)

type slot[T any] struct {
	kind  slotKind
	value T
}

// unblock status values, the Go-idiom replacement for the original's
// packed UNBLOCK_COMPUTE / UNBLOCK_INVALIDATE bits.
const (
	statusNone = iota
	statusUnblockCompute
	statusUnblockInvalidate
)

type waiter[T any] struct {
	ch           chan struct{}
	isInvalidate bool
}

// CachedValue memoizes the result of supplier behind a single cached
// slot. The zero value is not usable; construct with New.
type CachedValue[T any] struct {
	supplier func() T

	invalid   *slot[T]
	computing *slot[T]
	value     atomic.Pointer[slot[T]]

	mu      sync.Mutex
	waiters []*waiter[T]

	computeWaiters    atomic.Int32
	invalidatePending atomic.Bool
	unblockStatus     atomic.Int32

	maxConcurrentGetters int32
}

// New creates a CachedValue whose slot starts invalid: the first Get
// will invoke supplier. The waiter count is bounded by
// MaxConcurrentGetters; use NewWithMaxGetters to take the bound from
// config.Config.MaxConcurrentGetters instead.
func New[T any](supplier func() T) *CachedValue[T] {
	return NewWithMaxGetters(supplier, MaxConcurrentGetters)
}

// NewWithMaxGetters is New with a caller-chosen waiter-count ceiling,
// e.g. wired from config.Config.MaxConcurrentGetters.
func NewWithMaxGetters[T any](supplier func() T, maxConcurrentGetters int32) *CachedValue[T] {
	cv := &CachedValue[T]{supplier: supplier, maxConcurrentGetters: maxConcurrentGetters}
	cv.invalid = &slot[T]{kind: slotInvalid}
	cv.computing = &slot[T]{kind: slotComputing}
	cv.value.Store(cv.invalid)
	return cv
}

// Get returns the cached value, computing it via supplier if the slot
// is invalid. At most one supplier invocation happens per generation;
// concurrent callers that arrive while a compute is in flight block
// until it resolves and then share its result.
//
// ctx governs only the deferred-interrupt contract: Get always runs to
// completion (the parking here is not cancellable, mirroring the
// original's non-abortable park), but if ctx is cancelled while this
// goroutine was parked, that cancellation is surfaced via a wrapped
// error on return rather than silently discarded. Pass context.Background()
// when no cancellation signal is relevant.
func (cv *CachedValue[T]) Get(ctx context.Context) (T, error) {
	for {
		if cv.value.CompareAndSwap(cv.invalid, cv.computing) {
			return cv.computeAndPublish(ctx)
		}

		v := cv.value.Load()
		if v == cv.computing {
			result, retry, err := cv.waitForCompute(ctx)
			if retry {
				continue
			}
			return result, err
		}

		return v.value, nil
	}
}

// computeAndPublish runs after this goroutine has won the CAS into
// COMPUTING. It calls the supplier, publishes the result (unless a
// concurrent Set already overrode it), and unblocks any waiters.
func (cv *CachedValue[T]) computeAndPublish(ctx context.Context) (zero T, _ error) {
	result, panicVal := cv.invokeSupplier()
	if panicVal != nil {
		cv.mu.Lock()
		if cv.value.CompareAndSwap(cv.computing, cv.invalid) {
			cv.unblockWaitersLocked()
		}
		cv.mu.Unlock()
		panic(panicVal)
	}

	newSlot := &slot[T]{kind: slotConcrete, value: result}
	cv.mu.Lock()
	if cv.value.CompareAndSwap(cv.computing, newSlot) {
		cv.unblockWaitersLocked()
		cv.mu.Unlock()
		if ctx != nil && ctx.Err() != nil {
			return result, tagerr.DeferredInterrupt(ctx.Err())
		}
		return result, nil
	}
	// A concurrent Set overrode us; it already unblocked waiters.
	cur := cv.value.Load()
	cv.mu.Unlock()
	return cur.value, nil
}

func (cv *CachedValue[T]) invokeSupplier() (result T, panicVal any) {
	defer func() {
		panicVal = recover()
	}()
	result = cv.supplier()
	return
}

// waitForCompute handles the v == COMPUTING branch of Get: re-check
// under the mutex, and either fast-exit, restart the caller's loop, or
// park as a waiter until the computing thread (or a setter) resolves
// the slot.
func (cv *CachedValue[T]) waitForCompute(ctx context.Context) (result T, retry bool, err error) {
	cv.mu.Lock()
	cur := cv.value.Load()
	if cur != cv.computing && cur != cv.invalid {
		cv.mu.Unlock()
		return cur.value, false, nil
	}
	if cur == cv.invalid {
		cv.mu.Unlock()
		return result, true, nil
	}

	n := cv.computeWaiters.Add(1)
	if n > cv.maxConcurrentGetters {
		cv.computeWaiters.Add(-1)
		cv.mu.Unlock()
		return result, false, tagerr.UsageError("CachedValue.Get: concurrent waiter count exceeded %d", cv.maxConcurrentGetters)
	}
	w := &waiter[T]{ch: make(chan struct{}, 1)}
	cv.waiters = append([]*waiter[T]{w}, cv.waiters...) // enqueue at head
	cv.mu.Unlock()

	<-w.ch // non-abortable park; ctx is only consulted after waking

	// Observe the value before decrementing the waiter count: the
	// invalidator only wakes once computeWaiters has drained to zero
	// (unblockWaitersLocked), so decrementing first would let it race
	// ahead and store INVALID before this goroutine reads the in-flight
	// result, robbing it of the value it was woken to receive.
	cur = cv.value.Load()
	cv.computeWaiters.Add(-1)
	if cur == cv.invalid {
		return result, true, nil
	}
	if ctx != nil && ctx.Err() != nil {
		return cur.value, false, tagerr.DeferredInterrupt(ctx.Err())
	}
	return cur.value, false, nil
}

// unblockWaitersLocked wakes every parked waiter in enqueue order.
// Getters (enqueued at the head) are always woken before a pending
// invalidator (enqueued at the tail): the walk spin-waits for the
// compute-waiter count to drain to zero immediately before waking the
// invalidator, so an invalidate arriving mid-compute never robs a
// concurrent getter of the computed result. Must be called with mu
// held, and the caller is responsible for having already transitioned
// value out of COMPUTING.
func (cv *CachedValue[T]) unblockWaitersLocked() {
	hasInvalidator := false
	for _, w := range cv.waiters {
		if w.isInvalidate {
			hasInvalidator = true
			break
		}
	}

	cv.unblockStatus.Store(statusUnblockCompute)

	for _, w := range cv.waiters {
		if w.isInvalidate {
			for cv.computeWaiters.Load() != 0 {
				runtime.Gosched()
			}
			cv.unblockStatus.Store(statusUnblockInvalidate)
			w.ch <- struct{}{}
			continue
		}
		w.ch <- struct{}{}
	}

	if hasInvalidator {
		for cv.invalidatePending.Load() {
			runtime.Gosched()
		}
	} else {
		for cv.computeWaiters.Load() != 0 {
			runtime.Gosched()
		}
	}

	cv.unblockStatus.Store(statusNone)
	cv.waiters = nil
}

// Invalidate forces the next Get to recompute. If a compute is in
// flight, Invalidate does not discard its result — getters already
// waiting still receive it — but the slot becomes invalid once every
// such getter has returned.
//
// Returns false, nil if the slot was already invalid, or if another
// invalidate is already pending against an in-flight compute.
func (cv *CachedValue[T]) Invalidate(ctx context.Context) (bool, error) {
	cv.mu.Lock()
	cur := cv.value.Load()

	if cur == cv.invalid {
		cv.mu.Unlock()
		return false, nil
	}

	if cur != cv.computing {
		if cv.value.CompareAndSwap(cur, cv.invalid) {
			cv.mu.Unlock()
			return true, nil
		}
		cv.mu.Unlock()
		return false, nil
	}

	if !cv.invalidatePending.CompareAndSwap(false, true) {
		cv.mu.Unlock()
		return false, nil
	}
	logger.Debug("cachedvalue: invalidate arrived mid-compute, waiting for in-flight getters to drain")
	w := &waiter[T]{ch: make(chan struct{}, 1), isInvalidate: true}
	cv.waiters = append(cv.waiters, w) // enqueue at tail
	cv.mu.Unlock()

	<-w.ch
	cv.value.Store(cv.invalid)
	cv.invalidatePending.Store(false)

	if ctx != nil && ctx.Err() != nil {
		return true, tagerr.DeferredInterrupt(ctx.Err())
	}
	return true, nil
}

// Set unconditionally overwrites the cached value, including an
// in-flight compute: if a compute is currently running, its eventual
// result is discarded (waiters are unblocked with v immediately
// instead).
func (cv *CachedValue[T]) Set(v T) {
	newSlot := &slot[T]{kind: slotConcrete, value: v}
	cv.mu.Lock()
	old := cv.value.Swap(newSlot)
	if old == cv.computing {
		cv.unblockWaitersLocked()
	}
	cv.mu.Unlock()
}

// SetIfInvalid installs v only if the slot is currently invalid,
// without taking the mutex. Returns whether it won the race.
func (cv *CachedValue[T]) SetIfInvalid(v T) bool {
	newSlot := &slot[T]{kind: slotConcrete, value: v}
	return cv.value.CompareAndSwap(cv.invalid, newSlot)
}

// IsInvalid reports whether the slot currently holds no cached value.
// Racy by nature; intended for diagnostics and tests, not control flow.
func (cv *CachedValue[T]) IsInvalid() bool {
	return cv.value.Load() == cv.invalid
}

// Quiesced reports whether the value is idle: no pending waiters, no
// in-flight invalidate, and the unblock status cleared. Used by tests
// to assert the post-stress invariant that signal state always drains
// back to zero.
func (cv *CachedValue[T]) Quiesced() bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return len(cv.waiters) == 0 &&
		cv.computeWaiters.Load() == 0 &&
		!cv.invalidatePending.Load() &&
		cv.unblockStatus.Load() == statusNone
}
