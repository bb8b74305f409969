// Package vigil assembles the telemetry agent: the live aggregation store, the transaction
// registry, the harvest cycle and the delivery pipeline, behind the inbound API that
// instrumentation calls into.
package vigil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/vigil/config"
	"github.com/linchenxuan/vigil/delivery"
	"github.com/linchenxuan/vigil/event"
	"github.com/linchenxuan/vigil/harvest"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/metrics/prometheus"
	"github.com/linchenxuan/vigil/plugin"
	"github.com/linchenxuan/vigil/runtime"
	"github.com/linchenxuan/vigil/tracing"
	"github.com/linchenxuan/vigil/transaction"
	"github.com/linchenxuan/vigil/transport"
	"golang.org/x/sync/errgroup"
)

const _publishTimeout = 5 * time.Second

// Agent is the telemetry agent embedded in the host process.
type Agent struct {
	Logger        log.Logger
	PluginManager *plugin.Manager
	Tracer        *tracing.Tracer
	Publisher     *event.Publisher
	Identity      *runtime.Identity

	cfg       atomic.Pointer[config.AgentConfig]
	logger    *log.AgentLogger
	live      *metrics.Store
	registry  *transaction.Registry
	connector *transport.Connector
	pipeline  *delivery.Pipeline
	cycle     *harvest.Cycle

	started atomic.Bool
	stopped atomic.Bool
}

// New builds an agent from cfg. A nil cfg uses config.Default. The agent's logger and live
// store become the package defaults.
func New(cfg *config.AgentConfig) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Logger
	logger := log.NewLogger(&cfg.Log)
	log.SetDefaultLogger(logger)

	// 2. Identity and stream headers
	identity := runtime.Initialize(cfg.AppName)
	headers, err := identity.Headers(cfg.Collector.Headers)
	if err != nil {
		return nil, fmt.Errorf("stream headers: %w", err)
	}

	// 3. Aggregation
	live := metrics.NewStore(0)
	metrics.SetDefaultStore(live)

	a := &Agent{
		Logger:        logger,
		PluginManager: plugin.NewManager(),
		Tracer:        tracing.NewTracer(cfg.Tracing),
		Publisher: event.NewPublisher(_publishTimeout,
			event.ChannelStateChanged, event.HarvestCompleted, event.ReloadConfig),
		Identity: identity,
		live:     live,
		registry: transaction.NewRegistry(live),
	}
	a.cfg.Store(cfg)
	logger.SetLineHook(a.countLogLine)
	a.logger = logger

	// 4. Transport and delivery
	a.connector, err = transport.NewConnector(transport.Options{
		Compression: cfg.Collector.Compression,
		Publisher:   a.Publisher,
	})
	if err != nil {
		return nil, err
	}
	a.pipeline = delivery.New(cfg.DeliveryConfig(headers), a.connector, live)

	// 5. Harvest and reporter plugins
	a.cycle = harvest.New(cfg.Harvest, live, a.pipeline, a.registry, a.Publisher)
	a.PluginManager.RegisterFactory(prometheus.NewFactory())
	if err := a.PluginManager.SetupPlugins(cfg.Plugins); err != nil {
		a.connector.Shutdown()
		return nil, err
	}
	for _, p := range a.PluginManager.Plugins(plugin.Reporter) {
		if r, ok := p.(metrics.Reporter); ok {
			a.cycle.AddReporter(r)
		}
	}

	if err := a.Publisher.RegisterSubscriber(event.ChannelStateChanged, func(param any) {
		if ev, ok := param.(transport.StateChange); ok {
			log.Info().Str("addr", ev.Addr).Uint64("channel", ev.Channel).
				Str("from", ev.From.String()).Str("to", ev.To.String()).Msg("channel state")
		}
	}); err != nil {
		return nil, err
	}

	logger.Info().Str("app", cfg.AppName).Str("run", identity.RunID).
		Str("collector", cfg.Destination().Addr()).Msg("vigil agent initialized")
	return a, nil
}

// Start begins periodic harvesting. Calling it twice is a no-op.
func (a *Agent) Start() {
	if a.stopped.Load() || a.started.Swap(true) {
		return
	}
	a.cycle.Start()
}

// Stop completes every pending transaction, runs a final harvest and delivery, then shuts
// the transport and plugins down. Later calls return nil.
func (a *Agent) Stop(ctx context.Context) error {
	if a.stopped.Swap(true) {
		return nil
	}
	log.Info().Int("pending", a.registry.Pending()).Msg("vigil agent shutting down")

	a.registry.CompleteAll("agent shutdown")
	harvestErr := a.cycle.Stop(ctx)

	var g errgroup.Group
	g.Go(func() error {
		a.pipeline.Close()
		a.connector.Shutdown()
		return nil
	})
	g.Go(func() error {
		a.PluginManager.DestroyPlugins()
		return nil
	})
	_ = g.Wait()

	st := a.pipeline.Stats()
	log.Info().Uint64("sent", st.Sent).Uint64("retried", st.Retried).Uint64("dropped", st.Dropped).
		Uint64("requeued", st.Requeued).Err(harvestErr).Msg("vigil agent stopped")
	a.logger.SetLineHook(nil)
	return harvestErr
}

// Reload applies the parts of cfg that can change at runtime (currently the log level) and
// publishes it on event.ReloadConfig.
func (a *Agent) Reload(cfg *config.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg.Store(cfg)
	log.Default().SetLevel(cfg.Log.LogLevel)
	return a.Publisher.Publish(event.ReloadConfig, cfg)
}

// Config returns the active configuration.
func (a *Agent) Config() *config.AgentConfig {
	return a.cfg.Load()
}

// HarvestNow runs one harvest immediately.
func (a *Agent) HarvestNow(ctx context.Context) (harvest.Report, error) {
	return a.cycle.HarvestNow(ctx)
}

// DeliveryStats returns the delivery outcome counters.
func (a *Agent) DeliveryStats() delivery.Stats {
	return a.pipeline.Stats()
}

func (a *Agent) recoverPanic(op string) {
	if p := recover(); p != nil {
		log.Error().Str("op", op).Any("panic", p).Msg("recovered panic in agent call")
	}
}

// Record merges data under id into the live store. Invalid data points are logged and dropped.
func (a *Agent) Record(id metrics.Identity, data metrics.Data) {
	defer a.recoverPanic("Record")
	if err := a.live.Record(id, data); err != nil {
		metrics.IncrCounter(metrics.NameAgentRecordError, 1)
		log.Warn().Str("metric", id.String()).Err(err).Msg("record dropped")
	}
}

// RecordObservation records one observation of total and exclusive seconds. A nil scope is
// unscoped; an empty scope is a distinct, present scope.
func (a *Agent) RecordObservation(name string, scope *string, total, exclusive float64) {
	defer a.recoverPanic("RecordObservation")
	id := metrics.Unscoped(name)
	if scope != nil {
		id = metrics.Scoped(name, *scope)
	}
	if err := a.live.RecordObservation(id, total, exclusive); err != nil {
		metrics.IncrCounter(metrics.NameAgentRecordError, 1)
		log.Warn().Str("metric", id.String()).Err(err).Msg("observation dropped")
	}
}

// StartTransaction begins a transaction named name. Its data is withheld from harvests until
// it completes.
func (a *Agent) StartTransaction(name string) *transaction.Transaction {
	defer a.recoverPanic("StartTransaction")
	return a.registry.Start(name)
}

// Hold extends tx past the return of its originating call. It fails once tx is complete.
func (a *Agent) Hold(tx *transaction.Transaction) (err error) {
	defer a.recoverPanic("Hold")
	if tx == nil {
		return transaction.ErrTrackerClosed
	}
	return tx.Hold()
}

// Release ends one Hold on tx.
func (a *Agent) Release(tx *transaction.Transaction) {
	defer a.recoverPanic("Release")
	if tx != nil {
		tx.Release()
	}
}

// FinishLocal marks the originating call path of tx done.
func (a *Agent) FinishLocal(tx *transaction.Transaction) {
	defer a.recoverPanic("FinishLocal")
	if tx != nil {
		tx.FinishLocal()
	}
}

// RecordSupportabilityMetric adds count to a count-only metric describing the agent. The
// Supportability/ prefix is added when missing.
func (a *Agent) RecordSupportabilityMetric(name string, count uint64) {
	defer a.recoverPanic("RecordSupportabilityMetric")
	if name == "" || count == 0 {
		return
	}
	if !strings.HasPrefix(name, metrics.SupportabilityPrefix) {
		name = metrics.SupportabilityPrefix + name
	}
	_ = a.live.Record(metrics.Unscoped(name), metrics.BuildCountData(count))
}

// IncrementLogLinesCount counts one host log line at level.
func (a *Agent) IncrementLogLinesCount(level string) {
	defer a.recoverPanic("IncrementLogLinesCount")
	_ = a.live.Record(metrics.Unscoped(metrics.NameLoggingLinesPrefix+logLevelName(level)), metrics.BuildCountData(1))
}

// UpdateLogSize adds size bytes of host log output at level.
func (a *Agent) UpdateLogSize(level string, size int) {
	defer a.recoverPanic("UpdateLogSize")
	if size < 0 {
		return
	}
	_ = a.live.Record(metrics.Unscoped(metrics.NameLoggingSizePrefix+logLevelName(level)),
		metrics.BuildData(float64(size), float64(size)))
}

// countLogLine records the agent's own log output. It is kept apart from the host's
// Logging/ series.
func (a *Agent) countLogLine(level log.Level, size int) {
	name := level.String()
	_ = a.live.Record(metrics.Unscoped(metrics.NameAgentLogLinesPrefix+name), metrics.BuildCountData(1))
	_ = a.live.Record(metrics.Unscoped(metrics.NameAgentLogSizePrefix+name),
		metrics.BuildData(float64(size), float64(size)))
}

func logLevelName(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		return "UNKNOWN"
	}
	return level
}
