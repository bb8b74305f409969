// Package transport owns the connection to the collector: one gRPC client connection per
// channel, one bidirectional stream on it, deadline-bounded sends and the classification of
// send failures into transient and fatal.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/vigil/event"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Ingest service names shared with the collector.
const (
	ServiceName   = "vigil.ingest.v1.IngestService"
	MethodMetrics = "RecordMetrics"
	FullMethod    = "/" + ServiceName + "/" + MethodMetrics
)

// StreamDesc describes the metric stream for both client and server.
var StreamDesc = grpc.StreamDesc{
	StreamName:    MethodMetrics,
	ServerStreams: true,
	ClientStreams: true,
}

// _recvWait bounds how long closing a stream waits for the collector to end it.
const _recvWait = 100 * time.Millisecond

var _channelSeq atomic.Uint64

// Destination is the collector address.
type Destination struct {
	Host   string
	Port   int
	UseTLS bool
}

// Addr returns host:port.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) key() string {
	if d.UseTLS {
		return "tls://" + d.Addr()
	}
	return d.Addr()
}

// Options configures channels created by a Connector.
type Options struct {
	Compression string      // zstd, gzip or none
	TLSConfig   *tls.Config // used when Destination.UseTLS; nil uses system roots
	DialOptions []grpc.DialOption
	Publisher   *event.Publisher // receives StateChange on event.ChannelStateChanged
}

// Channel is one logical connection to the collector. Only the delivery pipeline calls
// OpenStream and Send.
type Channel struct {
	id   uint64
	dest Destination
	opts Options

	mu     sync.Mutex
	state  State
	conn   *grpc.ClientConn
	stream *stream
	events []StateChange

	sendMu sync.Mutex
	acked  atomic.Uint64
}

type stream struct {
	cs       grpc.ClientStream
	cancel   context.CancelFunc
	acks     chan uint64 // one per batch the collector accepted
	recvDone chan struct{}
	recvErr  error // set before recvDone closes
}

func newStream(cs grpc.ClientStream, cancel context.CancelFunc) *stream {
	return &stream{
		cs:       cs,
		cancel:   cancel,
		acks:     make(chan uint64, 1),
		recvDone: make(chan struct{}),
	}
}

// NewChannel returns a closed channel to dest.
func NewChannel(dest Destination, opts Options) *Channel {
	return &Channel{
		id:   _channelSeq.Add(1),
		dest: dest,
		opts: opts,
	}
}

// ID returns the channel sequence number.
func (c *Channel) ID() uint64 {
	return c.id
}

// Destination returns the channel's destination.
func (c *Channel) Destination() Destination {
	return c.dest
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acked returns the number of metric entries the collector acknowledged on this channel.
func (c *Channel) Acked() uint64 {
	return c.acked.Load()
}

// Open connects and runs the gRPC health check as the liveness probe. It does not retry.
// Opening an open channel is a no-op.
func (c *Channel) Open(ctx context.Context, connectTimeout time.Duration) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.unlock()
		return true, nil
	case StateConnecting, StateDegraded:
		st := c.state
		c.unlock()
		return false, &ChannelUnavailableError{Addr: c.dest.Addr(), State: st}
	}
	c.setState(StateConnecting)
	c.unlock()

	conn, err := c.dial()
	if err == nil {
		err = c.probe(ctx, conn, connectTimeout)
		if err != nil {
			_ = conn.Close()
		}
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnecting {
		// Shut down while connecting.
		if conn != nil && err == nil {
			_ = conn.Close()
		}
		return false, &ChannelUnavailableError{Addr: c.dest.Addr(), State: c.state}
	}
	if err != nil {
		c.setState(StateClosed)
		log.Warn().Str("addr", c.dest.Addr()).Err(err).Msg("channel open failed")
		return false, err
	}
	c.conn = conn
	c.setState(StateOpen)
	log.Info().Str("addr", c.dest.Addr()).Uint64("channel", c.id).Msg("channel open")
	return true, nil
}

func (c *Channel) dial() (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if c.dest.UseTLS {
		cfg := c.opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: c.dest.Host, MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(cfg)
	} else {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	switch c.opts.Compression {
	case "", CompressionNone:
	default:
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.UseCompressor(c.opts.Compression)))
	}
	dialOpts = append(dialOpts, c.opts.DialOptions...)
	return grpc.NewClient(c.dest.Addr(), dialOpts...)
}

func (c *Channel) probe(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return status.Errorf(codes.Unavailable, "collector health %s", resp.GetStatus())
	}
	return nil
}

// OpenStream opens the metric stream, replacing any previous one. headers are sent as
// stream metadata.
func (c *Channel) OpenStream(ctx context.Context, headers map[string]string) error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrStreamUnavailable
	}
	c.closeStreamLocked()

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if len(headers) > 0 {
		sctx = metadata.NewOutgoingContext(sctx, metadata.New(headers))
	}
	cs, err := c.conn.NewStream(sctx, &StreamDesc, FullMethod)
	if err != nil {
		cancel()
		if Classify(status.Code(err)) == KindTransient {
			c.setState(StateDegraded)
		}
		return errors.Join(ErrStreamUnavailable, err)
	}

	s := newStream(cs, cancel)
	c.stream = s
	go c.recvLoop(s)
	return nil
}

// HasStream reports whether a stream is open.
func (c *Channel) HasStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// recvLoop drains acks until the stream ends.
func (c *Channel) recvLoop(s *stream) {
	defer close(s.recvDone)
	for {
		ack := &structpb.Struct{}
		if err := s.cs.RecvMsg(ack); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				log.Debug().Str("addr", c.dest.Addr()).Err(err).Msg("stream receive ended")
			}
			s.recvErr = err
			return
		}
		n := uint64(max(ack.GetFields()["accepted"].GetNumberValue(), 0))
		c.acked.Add(n)
		// Sends are serialized and each waits for its ack, so at most one is outstanding.
		// An ack nobody waits for belongs to an abandoned send.
		select {
		case s.acks <- n:
		default:
		}
	}
}

// Send writes b to the stream and waits for the collector to acknowledge it, abandoning the
// attempt after deadline. A status the collector ends the stream with while b is outstanding
// is reported as b's SendError. A transient failure degrades the channel.
func (c *Channel) Send(ctx context.Context, b *metrics.Batch, deadline time.Duration) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	st, s := c.state, c.stream
	c.mu.Unlock()
	if st != StateOpen {
		return &ChannelUnavailableError{Addr: c.dest.Addr(), State: st}
	}
	if s == nil {
		return ErrStreamUnavailable
	}

	sendCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	msg := b.ToProto()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.cs.SendMsg(msg)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, io.EOF) {
			return c.fail(s, status.Code(err), err)
		}
		// On io.EOF the stream already ended and its status comes from the receive side.
	case <-sendCtx.Done():
		return c.abandon(s, sendCtx.Err())
	}

	select {
	case <-s.acks:
		return nil
	case <-s.recvDone:
		select {
		case <-s.acks:
			return nil
		default:
		}
		err := s.recvErr
		if err == nil || errors.Is(err, io.EOF) {
			err = status.Error(codes.Unavailable, "stream closed by collector")
		}
		return c.fail(s, status.Code(err), err)
	case <-sendCtx.Done():
		return c.abandon(s, sendCtx.Err())
	}
}

func (c *Channel) abandon(s *stream, err error) error {
	s.cancel()
	return c.fail(s, status.FromContextError(err).Code(), err)
}

func (c *Channel) fail(s *stream, code codes.Code, err error) error {
	kind := Classify(code)
	if kind == KindNone {
		kind = KindFatal
	}
	c.mu.Lock()
	if c.stream == s {
		s.cancel()
		c.stream = nil
	}
	if kind == KindTransient && c.state == StateOpen {
		c.setState(StateDegraded)
	}
	c.unlock()
	return &SendError{Kind: kind, Code: code, Err: err}
}

// CloseStream half-closes the stream. Errors are swallowed.
func (c *Channel) CloseStream() {
	c.mu.Lock()
	defer c.unlock()
	c.closeStreamLocked()
}

func (c *Channel) closeStreamLocked() {
	s := c.stream
	if s == nil {
		return
	}
	c.stream = nil
	if err := s.cs.CloseSend(); err != nil {
		log.Debug().Err(err).Msg("close send")
	}
	select {
	case <-s.recvDone:
	case <-time.After(_recvWait):
	}
	s.cancel()
}

// Shutdown closes the stream and the connection. It is idempotent and never fails.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	defer c.unlock()
	c.closeStreamLocked()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Warn().Str("addr", c.dest.Addr()).Err(err).Msg("channel shutdown")
		}
		c.conn = nil
	}
	if c.state != StateClosed {
		c.setState(StateClosed)
		log.Info().Str("addr", c.dest.Addr()).Uint64("channel", c.id).Msg("channel shutdown")
	}
}

// setState must be called with mu held. The change is published by unlock.
func (c *Channel) setState(to State) {
	if c.state == to {
		return
	}
	c.events = append(c.events, StateChange{Channel: c.id, Addr: c.dest.Addr(), From: c.state, To: to})
	c.state = to
}

// unlock releases mu and publishes state changes made while it was held.
func (c *Channel) unlock() {
	events := c.events
	c.events = nil
	c.mu.Unlock()

	for _, ev := range events {
		metrics.IncrCounterWithScope(metrics.NameChannelState, ev.To.String(), 1)
		if c.opts.Publisher != nil {
			if err := c.opts.Publisher.Publish(event.ChannelStateChanged, ev); err != nil {
				log.Debug().Err(err).Msg("publish channel state")
			}
		}
	}
}
