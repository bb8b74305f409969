// Package transaction tracks the lifetime of one unit of work whose data may be produced after
// its originating call has returned, and buffers that data until the unit is complete.
package transaction

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrTrackerClosed is returned when a hold or record arrives after its transaction completed.
	ErrTrackerClosed = errors.New("transaction tracker closed")
	// ErrHoldOverflow is returned when a tracker already has the maximum number of holds.
	ErrHoldOverflow = errors.New("transaction tracker hold overflow")
)

// State is the lifecycle of a Tracker.
type State int32

const (
	// StateActive means the originating call path is still running.
	StateActive State = iota
	// StateFinishing means local work is done but deferred work is still held.
	StateFinishing
	// StateComplete is terminal.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateFinishing:
		return "FINISHING"
	case StateComplete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// The tracker word packs the pending count into the low 32 bits and the two flags above it,
// so every transition is a single compare-and-swap.
const (
	_finishedBit uint64 = 1 << 62
	_completeBit uint64 = 1 << 61
	_countMask   uint64 = 1<<32 - 1
)

// CompleteFunc runs exactly once when a tracker completes. forced is true when the tracker was
// completed by ForceComplete, in which case reason says why.
type CompleteFunc func(forced bool, reason string)

// Tracker is a reference-counted keep-alive for one transaction.
//
// Hold must be called before control returns to the caller of a deferred operation, and the
// matching Release inside its completion callback after the callback recorded its data.
// The tracker completes when FinishLocal has been called and no holds remain.
type Tracker struct {
	word       atomic.Uint64
	done       chan struct{}
	onComplete CompleteFunc
	createdAt  time.Time
}

// NewTracker returns an active tracker. onComplete may be nil.
func NewTracker(onComplete CompleteFunc) *Tracker {
	return &Tracker{
		done:       make(chan struct{}),
		onComplete: onComplete,
		createdAt:  time.Now(),
	}
}

// Hold registers one outstanding deferred operation.
func (t *Tracker) Hold() error {
	for {
		v := t.word.Load()
		if v&_completeBit != 0 {
			return ErrTrackerClosed
		}
		if v&_countMask == _countMask {
			return ErrHoldOverflow
		}
		if t.word.CompareAndSwap(v, v+1) {
			return nil
		}
	}
}

// Release ends one outstanding deferred operation. Releases after completion, or without a
// matching hold, are ignored.
func (t *Tracker) Release() {
	for {
		v := t.word.Load()
		if v&_completeBit != 0 || v&_countMask == 0 {
			return
		}
		next := v - 1
		if next&_countMask == 0 && next&_finishedBit != 0 {
			next |= _completeBit
		}
		if t.word.CompareAndSwap(v, next) {
			if next&_completeBit != 0 {
				t.complete(false, "")
			}
			return
		}
	}
}

// FinishLocal marks the originating call path done. With no holds outstanding the tracker
// completes immediately.
func (t *Tracker) FinishLocal() {
	for {
		v := t.word.Load()
		if v&(_finishedBit|_completeBit) != 0 {
			return
		}
		next := v | _finishedBit
		if next&_countMask == 0 {
			next |= _completeBit
		}
		if t.word.CompareAndSwap(v, next) {
			if next&_completeBit != 0 {
				t.complete(false, "")
			}
			return
		}
	}
}

// ForceComplete completes the tracker regardless of outstanding holds. It reports whether this
// call performed the transition.
func (t *Tracker) ForceComplete(reason string) bool {
	for {
		v := t.word.Load()
		if v&_completeBit != 0 {
			return false
		}
		if t.word.CompareAndSwap(v, v|_finishedBit|_completeBit) {
			t.complete(true, reason)
			return true
		}
	}
}

func (t *Tracker) complete(forced bool, reason string) {
	if t.onComplete != nil {
		t.onComplete(forced, reason)
	}
	close(t.done)
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	v := t.word.Load()
	switch {
	case v&_completeBit != 0:
		return StateComplete
	case v&_finishedBit != 0:
		return StateFinishing
	}
	return StateActive
}

// Pending returns the number of outstanding holds.
func (t *Tracker) Pending() int {
	return int(t.word.Load() & _countMask)
}

// Age returns the time since the tracker was created.
func (t *Tracker) Age() time.Duration {
	return time.Since(t.createdAt)
}

// Done is closed after the tracker completes and its CompleteFunc has returned.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the tracker completes or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
