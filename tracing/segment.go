// Package tracing times segments of a transaction and turns each finished segment into a
// (total, exclusive) observation on that transaction.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/transaction"
)

// Segment is one timed operation inside a transaction. Exclusive time is the segment's
// duration minus the durations of the child segments that ended before it.
type Segment struct {
	mu        sync.Mutex
	tracer    *Tracer
	tx        *transaction.Transaction
	parent    *Segment
	name      string
	startTime time.Time
	childTime time.Duration
	finished  bool
	release   func() // non-nil for deferred segments
}

// FinishOption configures how a segment is finished.
type FinishOption interface {
	apply(*finishOptions)
}

type finishOptions struct {
	finishTime time.Time
}

type finishOptionFunc func(*finishOptions)

func (f finishOptionFunc) apply(opts *finishOptions) {
	f(opts)
}

// WithFinishTime ends the segment at t instead of now.
func WithFinishTime(t time.Time) FinishOption {
	return finishOptionFunc(func(opts *finishOptions) {
		opts.finishTime = t
	})
}

type segmentKey struct{}

// Tracer creates segments. The zero Config is valid.
type Tracer struct {
	cfg Config
}

// NewTracer returns a tracer using cfg.
func NewTracer(cfg Config) *Tracer {
	return &Tracer{cfg: cfg}
}

// StartSegment starts a segment of tx named name. If ctx carries a segment of the same
// transaction, the new segment is its child.
func (t *Tracer) StartSegment(ctx context.Context, tx *transaction.Transaction, name string) (*Segment, context.Context) {
	s := &Segment{
		tracer:    t,
		tx:        tx,
		name:      name,
		startTime: time.Now(),
	}
	if p, ok := ctx.Value(segmentKey{}).(*Segment); ok && p.tx == tx {
		s.parent = p
	}
	return s, context.WithValue(ctx, segmentKey{}, s)
}

// StartDeferredSegment starts a segment whose End runs in a callback after the calling
// function returns. The transaction is held until End, so the segment's data cannot miss its
// transaction's harvest.
func (t *Tracer) StartDeferredSegment(ctx context.Context, tx *transaction.Transaction, name string) (*Segment, context.Context, error) {
	release, err := tx.Deferred()
	if err != nil {
		return nil, ctx, err
	}
	s, ctx := t.StartSegment(ctx, tx, name)
	s.release = release
	return s, ctx, nil
}

// FromContext returns the innermost segment carried by ctx.
func FromContext(ctx context.Context) (*Segment, bool) {
	s, ok := ctx.Value(segmentKey{}).(*Segment)
	return s, ok
}

// Name returns the metric name the segment records under.
func (s *Segment) Name() string {
	return s.name
}

// End finishes the segment and records its observation. Calling End more than once has no
// effect.
func (s *Segment) End(options ...FinishOption) time.Duration {
	opts := &finishOptions{}
	for _, option := range options {
		option.apply(opts)
	}
	if opts.finishTime.IsZero() {
		opts.finishTime = time.Now()
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return 0
	}
	s.finished = true
	total := opts.finishTime.Sub(s.startTime)
	if total < 0 {
		total = 0
	}
	exclusive := total - s.childTime
	if exclusive < 0 {
		exclusive = 0
	}
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.addChild(total)
	}
	s.record(total, exclusive)

	if s.release != nil {
		s.release()
	}
	return total
}

func (s *Segment) addChild(d time.Duration) {
	s.mu.Lock()
	if !s.finished {
		s.childTime += d
	}
	s.mu.Unlock()
}

func (s *Segment) record(total, exclusive time.Duration) {
	d := metrics.BuildTimingData(total, exclusive)
	if err := s.tx.RecordMetric(metrics.Scoped(s.name, s.tx.Name), d); err != nil {
		log.Debug().Str("segment", s.name).Str("transaction", s.tx.ID).Err(err).Msg("segment dropped")
		return
	}
	if s.tracer.cfg.UnscopedRollup {
		_ = s.tx.RecordMetric(metrics.Unscoped(s.name), d)
	}
	if s.tracer.cfg.SlowThreshold > 0 && total >= s.tracer.cfg.SlowThreshold {
		log.Info().Str("segment", s.name).Str("transaction", s.tx.ID).Dur("total", total).Msg("slow segment")
	}
}
