package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
)

// Transaction is one unit of work. Data recorded on it is buffered privately and merged into
// the live store in one step when its tracker completes, so a harvest never sees part of it.
type Transaction struct {
	ID    string
	Name  string
	Start time.Time

	tracker  *Tracker
	registry *Registry

	mu  sync.RWMutex
	buf *metrics.Store // nil once flushed
}

// Tracker returns the transaction's tracker.
func (tx *Transaction) Tracker() *Tracker {
	return tx.tracker
}

// Hold extends the transaction past the return of its triggering call.
func (tx *Transaction) Hold() error {
	return tx.tracker.Hold()
}

// Release ends one Hold.
func (tx *Transaction) Release() {
	tx.tracker.Release()
}

// FinishLocal marks the originating call path done.
func (tx *Transaction) FinishLocal() {
	tx.tracker.FinishLocal()
}

// Deferred holds the transaction and returns a release func that is safe to call more than
// once. Call it before handing work to a callback and invoke the returned func at the end of
// that callback.
func (tx *Transaction) Deferred() (func(), error) {
	if err := tx.tracker.Hold(); err != nil {
		return func() {}, err
	}
	var once sync.Once
	return func() { once.Do(tx.tracker.Release) }, nil
}

// RecordMetric buffers d under id. After completion the data point is dropped and
// ErrTrackerClosed returned.
func (tx *Transaction) RecordMetric(id metrics.Identity, d metrics.Data) error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	if tx.buf == nil {
		metrics.IncrCounter(metrics.NameTransactionLateRecord, 1)
		return ErrTrackerClosed
	}
	return tx.buf.Record(id, d)
}

// RecordObservation buffers one (total, exclusive) observation.
func (tx *Transaction) RecordObservation(id metrics.Identity, total, exclusive float64) error {
	return tx.RecordMetric(id, metrics.BuildData(total, exclusive))
}

// Context returns ctx annotated with the transaction ID for log correlation.
func (tx *Transaction) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, log.TransactionIDKey, tx.ID)
}

// flush moves the private buffer into live and returns it to the pool.
func (tx *Transaction) flush(live *metrics.Store, forced bool, reason string) {
	tx.mu.Lock()
	buf := tx.buf
	tx.buf = nil
	tx.mu.Unlock()
	if buf == nil {
		return
	}

	n := buf.Len()
	if err := buf.FlushTo(live); err != nil {
		log.Error().Str("transaction", tx.ID).Err(err).Msg("flush transaction buffer")
	}
	if tx.registry != nil {
		tx.registry.buffers.Put(buf)
	}

	if forced {
		metrics.IncrCounter(metrics.NameTransactionForced, 1)
		log.Warn().Str("transaction", tx.ID).Str("name", tx.Name).
			Dur("age", time.Since(tx.Start)).Int("pending", tx.tracker.Pending()).
			Int("metrics", n).Str("reason", reason).Msg("transaction force completed")
		return
	}
	log.Trace().Str("transaction", tx.ID).Int("metrics", n).Msg("transaction complete")
}

func newID() string {
	return uuid.NewString()
}
