package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/vigil/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	_batchChanSize       = 1024
	_serviceName         = "vigil-exporter"
	_healthCheckInterval = 30 * time.Second

	_labelMetric = "metric"
	_labelScope  = "scope"
	_labelScoped = "scoped"
)

// PrometheusReporterConfig contains configuration for the Prometheus mirror.
type PrometheusReporterConfig struct {
	Tag               string            `mapstructure:"tag"`               // Plugin instance tag
	Namespace         string            `mapstructure:"namespace"`         // Prometheus namespace, default "vigil"
	PushAddr          string            `mapstructure:"pushAddr"`          // Push gateway address
	PushIntervalSec   int               `mapstructure:"pushIntervalSec"`   // Push interval in seconds
	PushJobName       string            `mapstructure:"pushJobName"`       // Push job name
	UsePush           bool              `mapstructure:"usePush"`           // Enable push mode
	HTTPListenAddr    string            `mapstructure:"httpListenAddr"`    // HTTP listen address, empty disables the endpoint
	MetricPath        string            `mapstructure:"metricPath"`        // Metrics HTTP path
	ExtLabels         map[string]string `mapstructure:"extLabels"`         // Constant labels added to every series
	EnableHealthCheck bool              `mapstructure:"enableHealthCheck"` // Enable health check
	HealthCheckPath   string            `mapstructure:"healthCheckPath"`   // Health check path
}

func (x *PrometheusReporterConfig) setDefaults() {
	if x.Namespace == "" {
		x.Namespace = "vigil"
	}
	if x.MetricPath == "" {
		x.MetricPath = "/metrics"
	}
	if x.HealthCheckPath == "" {
		x.HealthCheckPath = "/health"
	}
	if x.PushIntervalSec <= 0 {
		x.PushIntervalSec = 15
	}
	if x.PushJobName == "" {
		x.PushJobName = x.Namespace
	}
}

// PrometheusReporter mirrors every harvested batch into Prometheus series so the agent's
// aggregates can be scraped locally. Metric names and scopes become label values because
// they are not valid Prometheus names.
type PrometheusReporter struct {
	cfg      *PrometheusReporterConfig
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	total        *prometheus.CounterVec
	exclusive    *prometheus.CounterVec
	sumOfSquares *prometheus.CounterVec
	min          *prometheus.GaugeVec
	max          *prometheus.GaugeVec
	batches      prometheus.Counter
	dropped      prometheus.Counter

	promSvr     *http.Server
	addr        net.Addr
	pusher      *push.Pusher
	batchChan   chan *Batch
	ctx         context.Context
	cancel      context.CancelFunc
	loopDone    chan struct{}
	lastApplied atomic.Int64 // unix nanos of the last applied batch
	healthy     atomic.Bool
	started     atomic.Bool
}

// NewPrometheusReporter creates a reporter with its own registry. Call Start to begin
// consuming batches.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) *PrometheusReporter {
	if cfg == nil {
		cfg = &PrometheusReporterConfig{}
	}
	cfg.setDefaults()

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{_labelMetric, _labelScope, _labelScoped}
	constLabels := prometheus.Labels{}
	for k, v := range cfg.ExtLabels {
		constLabels[sanitizeLabel(k)] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &PrometheusReporter{
		cfg:      cfg,
		registry: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "calls_total",
			Help: "Observation count per metric.", ConstLabels: constLabels,
		}, labels),
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "total_sum",
			Help: "Sum of total values per metric.", ConstLabels: constLabels,
		}, labels),
		exclusive: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "exclusive_sum",
			Help: "Sum of exclusive values per metric.", ConstLabels: constLabels,
		}, labels),
		sumOfSquares: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "sum_of_squares",
			Help: "Sum of squared total values per metric.", ConstLabels: constLabels,
		}, labels),
		min: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "window_min",
			Help: "Minimum total value in the last harvest window.", ConstLabels: constLabels,
		}, labels),
		max: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "window_max",
			Help: "Maximum total value in the last harvest window.", ConstLabels: constLabels,
		}, labels),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "mirrored_batches_total",
			Help: "Harvested batches applied to the mirror.", ConstLabels: constLabels,
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "mirror_dropped_batches_total",
			Help: "Batches dropped because the mirror queue was full.", ConstLabels: constLabels,
		}),
		batchChan: make(chan *Batch, _batchChanSize),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	x.healthy.Store(true)
	return x
}

// Registry exposes the reporter's registry.
func (x *PrometheusReporter) Registry() *prometheus.Registry {
	return x.registry
}

// Addr returns the bound HTTP address, or nil when the endpoint is disabled.
func (x *PrometheusReporter) Addr() net.Addr {
	return x.addr
}

// FactoryName implements plugin.Plugin.
func (x *PrometheusReporter) FactoryName() string {
	return "prometheus"
}

// Report queues b for the aggregate loop. It never blocks the harvest.
func (x *PrometheusReporter) Report(b *Batch) {
	if b.IsEmpty() {
		return
	}
	select {
	case x.batchChan <- b:
	default:
		x.dropped.Inc()
		log.Error().Uint64("seq", b.Seq).Msg("prometheus batch chan full")
	}
}

// Start launches the aggregate loop, the HTTP endpoint and the pusher.
func (x *PrometheusReporter) Start() error {
	if !x.started.CompareAndSwap(false, true) {
		return nil
	}
	x.startAggregate()
	if x.cfg.HTTPListenAddr != "" {
		if _, err := x.startHTTPSvr(); err != nil {
			x.Stop()
			return err
		}
	}
	if x.cfg.UsePush {
		x.startPusher()
	}
	x.startHealthCheck()
	return nil
}

// Stop shuts the reporter down. Queued batches are applied before the loop exits.
func (x *PrometheusReporter) Stop() {
	if x.cancel == nil {
		return
	}
	x.cancel()
	x.cancel = nil
	if x.started.Load() {
		<-x.loopDone
	}

	if x.promSvr != nil {
		if err := x.promSvr.Close(); err != nil {
			log.Error().Err(err).Msg("stop prometheus http server")
		}
		x.promSvr = nil
	}
}

func (x *PrometheusReporter) startPusher() {
	x.pusher = push.New(x.cfg.PushAddr, x.cfg.PushJobName).Gatherer(x.registry)
	go func() {
		log.Info().Str("addr", x.cfg.PushAddr).Msg("prometheus pusher started")
		t := time.NewTicker(time.Second * time.Duration(x.cfg.PushIntervalSec))
		defer t.Stop()
		for {
			select {
			case <-x.ctx.Done():
				log.Info().Msg("prometheus pusher end")
				return
			case <-t.C:
				newCtx, cancel := context.WithTimeout(x.ctx, time.Second*5)
				if err := x.pusher.PushContext(newCtx); err != nil {
					log.Error().Err(err).Msg("prometheus push")
				}
				cancel()
			}
		}
	}()
}

// startHTTPSvr serves the registry on cfg.MetricPath and, if enabled, the health endpoint.
func (x *PrometheusReporter) startHTTPSvr() (net.Addr, error) {
	l, err := net.Listen("tcp", x.cfg.HTTPListenAddr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(x.cfg.MetricPath, promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{Registry: x.registry}))
	if x.cfg.EnableHealthCheck {
		mux.HandleFunc(x.cfg.HealthCheckPath, x.healthCheckHandler)
		log.Info().Str("path", x.cfg.HealthCheckPath).Msg("health check endpoint enabled")
	}

	x.promSvr = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	x.addr = l.Addr()
	go func(srv *http.Server) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http serve")
		}
	}(x.promSvr)
	log.Info().Str("url", path.Join(l.Addr().String(), x.cfg.MetricPath)).Msg("prometheus http start listen on")
	return l.Addr(), nil
}

// startAggregate applies queued batches until the reporter stops, then drains the queue.
func (x *PrometheusReporter) startAggregate() {
	go func() {
		defer close(x.loopDone)
		log.Info().Msg("prometheus collector begin")
		for {
			select {
			case b := <-x.batchChan:
				x.apply(b)
			case <-x.ctx.Done():
				for {
					select {
					case b := <-x.batchChan:
						x.apply(b)
					default:
						log.Info().Msg("prometheus collector shutdown")
						return
					}
				}
			}
		}
	}()
}

func (x *PrometheusReporter) apply(b *Batch) {
	for _, m := range b.Metrics {
		lv := labelValues(m.ID)
		x.calls.WithLabelValues(lv...).Add(float64(m.Data.Count))
		addNonNegative(x.total, lv, m.Data.Total)
		addNonNegative(x.exclusive, lv, m.Data.Exclusive)
		addNonNegative(x.sumOfSquares, lv, m.Data.SumOfSquares)
		vals := m.Data.Values()
		x.min.WithLabelValues(lv...).Set(vals[3])
		x.max.WithLabelValues(lv...).Set(vals[4])
	}
	x.batches.Inc()
	x.lastApplied.Store(time.Now().UnixNano())
}

// addNonNegative skips negative sums, which a Prometheus counter cannot represent.
func addNonNegative(vec *prometheus.CounterVec, lv []string, v float64) {
	if v > 0 {
		vec.WithLabelValues(lv...).Add(v)
	}
}

func labelValues(id Identity) []string {
	scoped := "false"
	if id.Scope.Set {
		scoped = "true"
	}
	return []string{id.Name, id.Scope.Value, scoped}
}

// healthCheckHandler responds 200 while the mirror keeps up and 503 otherwise.
func (x *PrometheusReporter) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, code := "healthy", http.StatusOK
	if !x.healthy.Load() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	response := map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   _serviceName,
		"queued":    len(x.batchChan),
	}
	if ts := x.lastApplied.Load(); ts > 0 {
		response["lastApplied"] = time.Unix(0, ts).Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

func (x *PrometheusReporter) startHealthCheck() {
	if !x.cfg.EnableHealthCheck {
		return
	}
	go func() {
		t := time.NewTicker(_healthCheckInterval)
		defer t.Stop()
		log.Info().Float64("interval_seconds", _healthCheckInterval.Seconds()).Msg("health check started")
		for {
			select {
			case <-x.ctx.Done():
				log.Info().Msg("health check stopped")
				return
			case <-t.C:
				x.performHealthCheck()
			}
		}
	}()
}

// performHealthCheck marks the mirror unhealthy once its queue is over 90% full.
func (x *PrometheusReporter) performHealthCheck() {
	usage := float64(len(x.batchChan)) / float64(cap(x.batchChan))
	if usage > 0.9 {
		x.healthy.Store(false)
		log.Warn().Float64("chan_usage", usage).Msg("health check failed, high channel usage")
		return
	}
	x.healthy.Store(true)
	log.Debug().Float64("chan_usage", usage).Msg("health check passed")
}

// sanitizeLabel keeps a label name within the Prometheus charset.
func sanitizeLabel(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
