package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/utils/pool"
)

const _bufferSizeHint = 16

// Registry owns the live transactions of one agent and merges each into the live store when
// it completes.
type Registry struct {
	live    *metrics.Store
	buffers *pool.Pool[*metrics.Store]

	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewRegistry returns a registry that flushes completed transactions into live.
func NewRegistry(live *metrics.Store) *Registry {
	return &Registry{
		live: live,
		buffers: pool.NewPool("transaction-buffer",
			func() *metrics.Store { return metrics.NewStore(_bufferSizeHint) },
			func(s *metrics.Store) { s.Reset() }),
		txs: make(map[string]*Transaction),
	}
}

// Start begins a transaction.
func (r *Registry) Start(name string) *Transaction {
	tx := &Transaction{
		ID:       newID(),
		Name:     name,
		Start:    time.Now(),
		registry: r,
		buf:      r.buffers.Get(),
	}
	tx.tracker = NewTracker(func(forced bool, reason string) {
		tx.flush(r.live, forced, reason)
		r.mu.Lock()
		delete(r.txs, tx.ID)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.txs[tx.ID] = tx
	r.mu.Unlock()
	return tx
}

// Get returns a live transaction by ID.
func (r *Registry) Get(id string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	return tx, ok
}

// Pending returns the number of transactions not yet complete.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}

// Sweep force-completes every transaction older than maxAge and returns how many it completed.
// A non-positive maxAge disables the sweep.
func (r *Registry) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	var stale []*Transaction
	r.mu.Lock()
	for _, tx := range r.txs {
		if tx.tracker.Age() > maxAge {
			stale = append(stale, tx)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, tx := range stale {
		reason := fmt.Sprintf("exceeded max age %s in state %s", maxAge, tx.tracker.State())
		if tx.tracker.ForceComplete(reason) {
			n++
		}
	}
	return n
}

// CompleteAll force-completes every live transaction. Used at shutdown so buffered data reaches
// the final harvest.
func (r *Registry) CompleteAll(reason string) int {
	r.mu.Lock()
	all := make([]*Transaction, 0, len(r.txs))
	for _, tx := range r.txs {
		all = append(all, tx)
	}
	r.mu.Unlock()

	n := 0
	for _, tx := range all {
		if tx.tracker.ForceComplete(reason) {
			n++
		}
	}
	return n
}
