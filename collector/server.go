// Package collector is a reference ingest server for the agent's metric stream. It backs the
// transport and delivery tests and the vigil-collector binary.
package collector

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config configures the collector.
type Config struct {
	ListenAddr     string        `mapstructure:"listenAddr"`
	MaxRecvMsgSize int           `mapstructure:"maxRecvMsgSize"`
	StopTimeout    time.Duration `mapstructure:"stopTimeout"`
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// ingestHandler is the HandlerType of the ingest service.
type ingestHandler interface {
	RecordMetrics(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: transport.ServiceName,
	HandlerType: (*ingestHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    transport.MethodMetrics,
		Handler:       recordMetricsHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "vigil/ingest/v1/ingest.proto",
}

func recordMetricsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ingestHandler).RecordMetrics(stream)
}

// Server accepts metric streams and merges every received batch into one store.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener

	received *metrics.Store
	batches  atomic.Uint64
	streams  atomic.Int64

	mu      sync.Mutex
	faults  []codes.Code
	headers metadata.MD
	onBatch func(*metrics.Batch)
}

// New returns a collector that has not started listening.
func New(cfg Config) *Server {
	cfg.setDefaults()
	var opts []grpc.ServerOption
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}

	s := &Server{
		cfg:      cfg,
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		received: metrics.NewStore(0),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Start listens on cfg.ListenAddr and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("collector listen: %w", err)
	}
	s.lis = lis
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("collector serve")
		}
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("collector listening")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() *net.TCPAddr {
	if s.lis == nil {
		return nil
	}
	addr, _ := s.lis.Addr().(*net.TCPAddr)
	return addr
}

// Destination returns a plaintext destination pointing at this server.
func (s *Server) Destination() transport.Destination {
	a := s.Addr()
	return transport.Destination{Host: a.IP.String(), Port: a.Port}
}

// Stop drains active streams, forcing them closed after cfg.StopTimeout.
func (s *Server) Stop() {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.grpc.Stop()
	}
}

// SetServing flips the health status reported to liveness probes.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(transport.ServiceName, st)
}

// InjectFaults makes the next len(codes) received batches fail with the given statuses,
// in order. The failing batch is not merged.
func (s *Server) InjectFaults(c ...codes.Code) {
	s.mu.Lock()
	s.faults = append(s.faults, c...)
	s.mu.Unlock()
}

// OnBatch registers a callback invoked for every accepted batch.
func (s *Server) OnBatch(fn func(*metrics.Batch)) {
	s.mu.Lock()
	s.onBatch = fn
	s.mu.Unlock()
}

// Received returns everything merged so far.
func (s *Server) Received() *metrics.Batch {
	return s.received.Snapshot()
}

// Batches returns the number of accepted batches.
func (s *Server) Batches() uint64 {
	return s.batches.Load()
}

// ActiveStreams returns the number of open metric streams.
func (s *Server) ActiveStreams() int64 {
	return s.streams.Load()
}

// Headers returns the metadata of the most recent stream.
func (s *Server) Headers() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Copy()
}

func (s *Server) nextFault() codes.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faults) == 0 {
		return codes.OK
	}
	c := s.faults[0]
	s.faults = s.faults[1:]
	return c
}

// RecordMetrics serves one metric stream, acknowledging every batch with {"accepted": n}.
func (s *Server) RecordMetrics(stream grpc.ServerStream) error {
	s.streams.Add(1)
	defer s.streams.Add(-1)

	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		s.mu.Lock()
		s.headers = md
		s.mu.Unlock()
	}

	for {
		lv := &structpb.ListValue{}
		if err := stream.RecvMsg(lv); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if code := s.nextFault(); code != codes.OK {
			log.Debug().Str("code", code.String()).Msg("collector injected fault")
			return status.Error(code, "injected fault")
		}

		b, err := metrics.BatchFromProto(lv)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		s.received.Merge(b)
		s.batches.Add(1)

		s.mu.Lock()
		fn := s.onBatch
		s.mu.Unlock()
		if fn != nil {
			fn(b)
		}

		ack, err := structpb.NewStruct(map[string]any{"accepted": float64(b.Len())})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(ack); err != nil {
			return err
		}
	}
}
