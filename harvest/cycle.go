// Package harvest drains the live aggregation store on a fixed period and hands every batch to
// the local reporters and then to delivery. All of it runs on one goroutine; ticks never overlap.
package harvest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/vigil/event"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
)

// ErrStopped is returned by HarvestNow after Stop.
var ErrStopped = errors.New("harvest cycle stopped")

// Deliverer sends a batch to the collector.
type Deliverer interface {
	Deliver(ctx context.Context, b *metrics.Batch) error
}

// Sweeper force-completes transactions older than maxAge and returns how many it completed.
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// Config holds the cycle settings.
type Config struct {
	Period time.Duration `mapstructure:"period" yaml:"period"`
	// MaxTransactionAge is handed to the sweeper every tick. Zero disables the sweep.
	MaxTransactionAge time.Duration `mapstructure:"maxTransactionAge" yaml:"maxTransactionAge"`
}

// Report describes one harvest.
type Report struct {
	Seq      uint64
	Metrics  int
	Swept    int
	Start    time.Time
	Duration time.Duration
	Err      error
}

// Cycle is the periodic harvest.
type Cycle struct {
	cfg       Config
	live      *metrics.Store
	deliverer Deliverer
	sweeper   Sweeper
	publisher *event.Publisher

	reportersMu sync.RWMutex
	reporters   []metrics.Reporter

	runMu sync.Mutex // serializes harvests

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New returns a cycle over live. sweeper and publisher may be nil.
func New(cfg Config, live *metrics.Store, deliverer Deliverer, sweeper Sweeper, publisher *event.Publisher) *Cycle {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	return &Cycle{
		cfg:       cfg,
		live:      live,
		deliverer: deliverer,
		sweeper:   sweeper,
		publisher: publisher,
	}
}

// AddReporter registers a local reporter that sees every non-empty batch before delivery.
func (c *Cycle) AddReporter(r metrics.Reporter) {
	c.reportersMu.Lock()
	c.reporters = append(c.reporters, r)
	c.reportersMu.Unlock()
}

// Start launches the ticker goroutine. Calling it twice is a no-op.
func (c *Cycle) Start() {
	if c.started.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(ctx)
	log.Info().Dur("period", c.cfg.Period).Msg("harvest cycle started")
}

func (c *Cycle) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.harvest(ctx)
		}
	}
}

// HarvestNow runs one harvest immediately on the caller's goroutine, waiting for any running
// tick to finish first.
func (c *Cycle) HarvestNow(ctx context.Context) (Report, error) {
	if c.stopped.Load() {
		return Report{}, ErrStopped
	}
	r := c.harvest(ctx)
	return r, r.Err
}

// Stop ends the ticker, then runs one final harvest and delivery with ctx. It returns the final
// harvest's delivery error. Later calls return nil.
func (c *Cycle) Stop(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r := c.harvest(ctx)
	log.Info().Uint64("seq", r.Seq).Int("metrics", r.Metrics).Err(r.Err).Msg("final harvest")
	return r.Err
}

func (c *Cycle) harvest(ctx context.Context) Report {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now()
	r := Report{Start: start}
	if c.sweeper != nil && c.cfg.MaxTransactionAge > 0 {
		r.Swept = c.sweeper.Sweep(c.cfg.MaxTransactionAge)
	}

	b := c.live.DrainAndReset()
	r.Seq = b.Seq
	r.Metrics = b.Len()

	if !b.IsEmpty() {
		c.reportersMu.RLock()
		reporters := c.reporters
		c.reportersMu.RUnlock()
		for _, rep := range reporters {
			c.report(rep, b)
		}

		if c.deliverer != nil {
			r.Err = c.deliverer.Deliver(ctx, b)
		}
	}

	r.Duration = metrics.RecordStopwatch(metrics.NameHarvestDuration, start)
	if r.Metrics > 0 {
		metrics.RecordValue(metrics.NameHarvestMetrics, float64(r.Metrics))
	}
	log.Debug().Uint64("seq", r.Seq).Int("metrics", r.Metrics).Int("swept", r.Swept).
		Dur("took", r.Duration).Err(r.Err).Msg("harvest")

	if c.publisher != nil {
		if err := c.publisher.Publish(event.HarvestCompleted, r); err != nil {
			log.Debug().Err(err).Msg("publish harvest report")
		}
	}
	return r
}

func (c *Cycle) report(rep metrics.Reporter, b *metrics.Batch) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Any("panic", p).Msg("reporter panicked")
		}
	}()
	rep.Report(b)
}
