// Package delivery couples harvested batches to the transport: it keeps a channel and stream
// open, retries transient failures with exponential backoff, drops batches the collector
// rejects outright, and merges a batch back into the live store when retries run out.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/transport"
	"golang.org/x/time/rate"
)

// ErrDropped wraps the error of a batch discarded after a fatal send failure.
var ErrDropped = errors.New("batch dropped")

// ErrRequeued wraps the error of a batch merged back into the live store.
var ErrRequeued = errors.New("batch requeued")

// Config holds the delivery settings.
type Config struct {
	Destination     transport.Destination
	ConnectTimeout  time.Duration
	SendDeadline    time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxRetries      uint64 // retries after the first attempt, 0 means DefaultMaxRetries
	DropLogInterval time.Duration
	Headers         map[string]string
}

// DefaultMaxRetries bounds a Deliver call when Config.MaxRetries is unset.
const DefaultMaxRetries = 5

func (c *Config) setDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SendDeadline <= 0 {
		c.SendDeadline = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DropLogInterval <= 0 {
		c.DropLogInterval = time.Minute
	}
}

// Stats counts delivery outcomes since the pipeline was created.
type Stats struct {
	Sent     uint64
	Retried  uint64
	Dropped  uint64
	Requeued uint64
}

// Pipeline delivers batches over one channel. Deliver is called from the harvest goroutine
// only, so the channel has a single owner.
type Pipeline struct {
	cfg       Config
	connector *transport.Connector
	live      *metrics.Store

	mu      sync.Mutex // guards channel
	channel *transport.Channel

	dropLog *rate.Limiter

	sent, retried, dropped, requeued atomic.Uint64
}

// New returns a pipeline that re-merges undeliverable batches into live.
func New(cfg Config, connector *transport.Connector, live *metrics.Store) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:       cfg,
		connector: connector,
		live:      live,
		dropLog:   rate.NewLimiter(rate.Every(cfg.DropLogInterval), 1),
	}
}

func (p *Pipeline) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxInterval = p.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, p.cfg.MaxRetries), ctx)
}

// Deliver sends b, retrying transient failures. It returns nil once the batch is sent, an
// ErrDropped error after a fatal failure, and an ErrRequeued error when the batch was merged
// back into the live store because retries ran out or ctx ended.
func (p *Pipeline) Deliver(ctx context.Context, b *metrics.Batch) error {
	if b.IsEmpty() {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		ch, err := p.ensure(ctx)
		if err != nil {
			return err
		}
		err = ch.Send(ctx, b, p.cfg.SendDeadline)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var se *transport.SendError
		if errors.As(err, &se) && se.Kind == transport.KindFatal {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.retried.Add(1)
		metrics.IncrCounter(metrics.NameDeliveryRetried, 1)
		log.Warn().Uint64("seq", b.Seq).Int("attempt", attempt).Dur("backoff", wait).Err(err).Msg("delivery retry")
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	if err == nil {
		p.sent.Add(1)
		metrics.IncrCounter(metrics.NameDeliverySent, 1)
		log.Debug().Uint64("seq", b.Seq).Int("metrics", b.Len()).Int("attempts", attempt).Msg("batch delivered")
		return nil
	}

	var se *transport.SendError
	if errors.As(err, &se) && se.Kind == transport.KindFatal {
		p.dropped.Add(1)
		metrics.IncrCounter(metrics.NameDeliveryDropped, 1)
		if p.dropLog.Allow() {
			log.Warn().Uint64("seq", b.Seq).Int("metrics", b.Len()).Str("status", transport.StatusName(se.Code)).
				Err(err).Msg("batch dropped after fatal send error")
		}
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}

	p.live.Merge(b)
	p.requeued.Add(1)
	metrics.IncrCounter(metrics.NameDeliveryRequeued, 1)
	if p.dropLog.Allow() {
		log.Warn().Uint64("seq", b.Seq).Int("metrics", b.Len()).Int("attempts", attempt).
			Err(err).Msg("delivery failed, batch merged back for the next harvest")
	}
	return fmt.Errorf("%w: %w", ErrRequeued, err)
}

// ensure returns an open channel with an open stream, reconnecting when needed.
func (p *Pipeline) ensure(ctx context.Context) (*transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch := p.channel; ch != nil && ch.State() == transport.StateOpen {
		if ch.HasStream() {
			return ch, nil
		}
		if err := ch.OpenStream(ctx, p.cfg.Headers); err == nil {
			return ch, nil
		}
	}

	ch, err := p.connector.Connect(ctx, p.cfg.Destination, p.cfg.ConnectTimeout)
	if err != nil {
		p.channel = nil
		return nil, err
	}
	if err := ch.OpenStream(ctx, p.cfg.Headers); err != nil {
		ch.Shutdown()
		p.channel = nil
		return nil, err
	}
	p.channel = ch
	return ch, nil
}

// Stats returns the outcome counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:     p.sent.Load(),
		Retried:  p.retried.Load(),
		Dropped:  p.dropped.Load(),
		Requeued: p.requeued.Load(),
	}
}

// Close half-closes the stream and shuts the channel down.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.CloseStream()
		p.channel.Shutdown()
		p.channel = nil
	}
}
