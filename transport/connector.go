package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/vigil/log"
)

// Connector keeps at most one live channel per destination.
type Connector struct {
	opts Options

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewConnector returns a connector whose channels use opts.
func NewConnector(opts Options) (*Connector, error) {
	if err := ValidCompression(opts.Compression); err != nil {
		return nil, err
	}
	return &Connector{
		opts:     opts,
		channels: make(map[string]*Channel),
	}, nil
}

// Connect replaces the channel to dest: the previous channel is shut down before its
// replacement is created, so two channels to one destination are never live at once.
func (c *Connector) Connect(ctx context.Context, dest Destination, connectTimeout time.Duration) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dest.key()
	if old, ok := c.channels[key]; ok {
		old.Shutdown()
		delete(c.channels, key)
	}

	ch := NewChannel(dest, c.opts)
	ok, err := ch.Open(ctx, connectTimeout)
	if !ok {
		ch.Shutdown()
		if err == nil {
			err = fmt.Errorf("open %s failed", dest.Addr())
		}
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	c.channels[key] = ch
	log.Debug().Str("addr", dest.Addr()).Uint64("channel", ch.ID()).Msg("connector replaced channel")
	return ch, nil
}

// Get returns the current channel to dest.
func (c *Connector) Get(dest Destination) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[dest.key()]
	return ch, ok
}

// Shutdown shuts down every channel.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ch := range c.channels {
		ch.Shutdown()
		delete(c.channels, key)
	}
}
