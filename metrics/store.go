package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Store is the concurrent Identity -> Data map that producers record into and the harvest
// cycle drains.
//
// It is double-buffered: DrainAndReset swaps the active map with an empty spare inside the
// critical section, so every Record lands either wholly before or wholly after the swap.
// The drained map is cleared and becomes the next spare once its batch is built.
type Store struct {
	mu          sync.Mutex
	active      map[Identity]Data
	spare       map[Identity]Data
	windowStart time.Time
	seq         uint64
	sizeHint    int
}

// NewStore returns an empty store. sizeHint presizes the maps for the expected number of
// distinct identities.
func NewStore(sizeHint int) *Store {
	if sizeHint <= 0 {
		sizeHint = 256
	}
	return &Store{
		active:      make(map[Identity]Data, sizeHint),
		spare:       make(map[Identity]Data, sizeHint),
		windowStart: time.Now(),
		sizeHint:    sizeHint,
	}
}

// Record merges d into the aggregate for id.
func (s *Store) Record(id Identity, d Data) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if d.IsEmpty() {
		return fmt.Errorf("%w: empty aggregate for %s", ErrAggregation, id)
	}

	s.mu.Lock()
	if cur, ok := s.active[id]; ok {
		s.active[id] = Merge(cur, d)
	} else {
		s.active[id] = d
	}
	s.mu.Unlock()
	return nil
}

// RecordObservation records one (total, exclusive) observation.
func (s *Store) RecordObservation(id Identity, total, exclusive float64) error {
	return s.Record(id, BuildData(total, exclusive))
}

// RecordAll merges every entry of m in one critical section, so the entries are never split
// across two drained batches. Invalid entries are skipped and reported.
func (s *Store) RecordAll(m map[Identity]Data) error {
	var firstErr error
	s.mu.Lock()
	for id, d := range m {
		if err := id.Validate(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d.IsEmpty() {
			continue
		}
		if cur, ok := s.active[id]; ok {
			s.active[id] = Merge(cur, d)
		} else {
			s.active[id] = d
		}
	}
	s.mu.Unlock()
	return firstErr
}

// Merge folds an undelivered batch back into the live store.
func (s *Store) Merge(b *Batch) {
	if b == nil {
		return
	}
	s.mu.Lock()
	for _, m := range b.Metrics {
		if cur, ok := s.active[m.ID]; ok {
			s.active[m.ID] = Merge(cur, m.Data)
		} else {
			s.active[m.ID] = m.Data
		}
	}
	if b.Start.Before(s.windowStart) {
		s.windowStart = b.Start
	}
	s.mu.Unlock()
}

// DrainAndReset atomically takes every aggregate recorded so far and leaves the store empty.
func (s *Store) DrainAndReset() *Batch {
	now := time.Now()

	s.mu.Lock()
	drained := s.active
	if s.spare != nil {
		s.active = s.spare
		s.spare = nil
	} else {
		s.active = make(map[Identity]Data, s.sizeHint)
	}
	start := s.windowStart
	s.windowStart = now
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	b := newBatch(seq, start, now, drained)

	clear(drained)
	s.mu.Lock()
	if s.spare == nil {
		s.spare = drained
	}
	s.mu.Unlock()
	return b
}

// Len returns the number of distinct identities currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Get returns the current aggregate for id.
func (s *Store) Get(id Identity) (Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.active[id]
	return d, ok
}

// Snapshot copies the live aggregates without draining them.
func (s *Store) Snapshot() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newBatch(s.seq, s.windowStart, time.Now(), s.active)
}

// Serialize renders the live aggregates in wire form.
func (s *Store) Serialize() ([]byte, error) {
	return s.Snapshot().MarshalJSON()
}

// FlushTo merges every aggregate held by s into dst in one dst critical section and leaves s
// empty. s must not be dst.
func (s *Store) FlushTo(dst *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		return nil
	}
	err := dst.RecordAll(s.active)
	clear(s.active)
	return err
}

// Reset empties the store and restarts its window.
func (s *Store) Reset() {
	s.mu.Lock()
	clear(s.active)
	s.windowStart = time.Now()
	s.mu.Unlock()
}
