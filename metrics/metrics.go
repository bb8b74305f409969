package metrics

import (
	"sync/atomic"
	"time"
)

var _defaultStore atomic.Pointer[Store]

// SetDefaultStore sets the store that the package-level helpers record into.
// Helpers called before a store is set are no-ops.
func SetDefaultStore(s *Store) {
	_defaultStore.Store(s)
}

// DefaultStore returns the store set by SetDefaultStore, or nil.
func DefaultStore() *Store {
	return _defaultStore.Load()
}

// IncrCounter adds n to a count-only metric in the default store.
func IncrCounter(name string, n uint64) {
	if s := _defaultStore.Load(); s != nil && n > 0 {
		_ = s.Record(Unscoped(name), BuildCountData(n))
	}
}

// IncrCounterWithScope adds n to a count-only metric narrowed to scope.
func IncrCounterWithScope(name, scope string, n uint64) {
	if s := _defaultStore.Load(); s != nil && n > 0 {
		_ = s.Record(Scoped(name, scope), BuildCountData(n))
	}
}

// RecordValue records one observation of v, e.g. a byte size.
func RecordValue(name string, v float64) {
	if s := _defaultStore.Load(); s != nil {
		_ = s.Record(Unscoped(name), BuildData(v, v))
	}
}

// RecordStopwatch records the time elapsed since startTime as a timing metric and returns it.
func RecordStopwatch(name string, startTime time.Time) time.Duration {
	d := time.Since(startTime)
	if s := _defaultStore.Load(); s != nil {
		_ = s.Record(Unscoped(name), BuildTimingData(d, d))
	}
	return d
}
