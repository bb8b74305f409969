package vigil

import (
	"context"
	"testing"
	"time"

	"github.com/linchenxuan/vigil/collector"
	"github.com/linchenxuan/vigil/config"
	"github.com/linchenxuan/vigil/event"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/plugin"
	"github.com/linchenxuan/vigil/runtime"
	"github.com/linchenxuan/vigil/transaction"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, mutate func(*config.AgentConfig)) (*Agent, *collector.Server) {
	t.Helper()
	srv := collector.New(collector.Config{StopTimeout: time.Second})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	cfg := config.Default()
	cfg.AppName = "orders"
	cfg.Collector.Host = srv.Destination().Host
	cfg.Collector.Port = srv.Destination().Port
	cfg.Collector.ConnectTimeout = time.Second
	cfg.Collector.SendDeadline = time.Second
	cfg.Retry.InitialBackoff = 5 * time.Millisecond
	cfg.Retry.MaxBackoff = 20 * time.Millisecond
	cfg.Harvest.Period = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, srv
}

func TestNewAgent(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	assert.NotNil(t, a.Logger)
	assert.NotNil(t, a.PluginManager)
	assert.NotNil(t, a.Tracer)
	assert.Equal(t, "orders", a.Identity.AppName)
	assert.Same(t, a.Identity, runtime.Current())
	assert.Same(t, a.live, metrics.DefaultStore())

	_, err := New(&config.AgentConfig{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAgentRecordsAndDelivers(t *testing.T) {
	a, srv := newTestAgent(t, nil)
	a.Start()

	a.Record(metrics.Unscoped("Custom/a"), metrics.BuildData(2, 1))
	scope := "WebTransaction/Go/orders"
	a.RecordObservation("Datastore/select", &scope, 0.5, 0.25)
	a.RecordObservation("Datastore/select", nil, 0.5, 0.25)
	empty := ""
	a.RecordObservation("Datastore/select", &empty, 1, 1)

	r, err := a.HarvestNow(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Metrics, 4)

	require.Eventually(t, func() bool { return srv.Batches() >= 1 }, 2*time.Second, 10*time.Millisecond)
	got := srv.Received()
	for _, id := range []metrics.Identity{
		metrics.Unscoped("Custom/a"),
		metrics.Scoped("Datastore/select", scope),
		metrics.Unscoped("Datastore/select"),
		metrics.Scoped("Datastore/select", ""),
	} {
		_, ok := got.Find(id)
		assert.True(t, ok, id.String())
	}

	md := srv.Headers()
	assert.Equal(t, []string{"orders"}, md.Get(runtime.HeaderAppName))
	assert.Equal(t, []string{a.Identity.RunID}, md.Get(runtime.HeaderRunID))
	assert.Equal(t, uint64(1), a.DeliveryStats().Sent)
}

func TestAgentWithholdsHeldTransactions(t *testing.T) {
	a, srv := newTestAgent(t, nil)

	tx := a.StartTransaction("WebTransaction/Go/checkout")
	require.NoError(t, a.Hold(tx))
	require.NoError(t, tx.RecordMetric(metrics.Scoped("External/payments", tx.Name), metrics.BuildData(1, 1)))
	a.FinishLocal(tx)

	_, err := a.HarvestNow(context.Background())
	require.NoError(t, err)
	if srv.Batches() > 0 {
		_, ok := srv.Received().Find(metrics.Scoped("External/payments", tx.Name))
		assert.False(t, ok, "held transaction must not be harvested")
	}

	a.Release(tx)
	assert.Equal(t, transaction.StateComplete, tx.Tracker().State())
	_, err = a.HarvestNow(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := srv.Received().Find(metrics.Scoped("External/payments", tx.Name))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, a.Hold(tx), transaction.ErrTrackerClosed)
}

func TestAgentStopFlushesPendingTransactions(t *testing.T) {
	a, srv := newTestAgent(t, nil)
	a.Start()

	tx := a.StartTransaction("OtherTransaction/job")
	require.NoError(t, a.Hold(tx))
	require.NoError(t, tx.RecordMetric(metrics.Unscoped("Custom/job"), metrics.BuildData(1, 1)))

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := srv.Received().Find(metrics.Unscoped("Custom/job"))
		return ok
	}, 2*time.Second, 10*time.Millisecond, "final harvest delivers force-completed transactions")
	d, _ := srv.Received().Find(metrics.Unscoped("Custom/job"))
	assert.Equal(t, uint64(1), d.Count)
	_, ok := srv.Received().Find(metrics.Unscoped(metrics.NameTransactionForced))
	assert.True(t, ok)
}

func TestAgentInboundNeverPanics(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	assert.NotPanics(t, func() {
		a.Record(metrics.Unscoped(""), metrics.BuildData(1, 1))
		a.RecordObservation("", nil, 1, 1)
		assert.Error(t, a.Hold(nil))
		a.Release(nil)
		a.FinishLocal(nil)
		a.RecordSupportabilityMetric("", 1)
		a.UpdateLogSize("info", -1)
	})
	_, ok := a.live.Get(metrics.Unscoped(metrics.NameAgentRecordError))
	assert.True(t, ok)
}

func TestAgentSupportabilityAndLogMetrics(t *testing.T) {
	a, _ := newTestAgent(t, nil)

	a.RecordSupportabilityMetric("Api/Record", 2)
	a.RecordSupportabilityMetric(metrics.SupportabilityPrefix+"Api/Record", 1)
	d, ok := a.live.Get(metrics.Unscoped("Supportability/Api/Record"))
	require.True(t, ok)
	assert.Equal(t, uint64(3), d.Count)

	a.IncrementLogLinesCount("info")
	a.IncrementLogLinesCount("INFO")
	a.UpdateLogSize("warn", 120)
	a.UpdateLogSize("warn", 30)

	d, ok = a.live.Get(metrics.Unscoped("Logging/lines/INFO"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), d.Count)

	d, ok = a.live.Get(metrics.Unscoped("Logging/size/WARN"))
	require.True(t, ok)
	assert.Equal(t, 150.0, d.Total)
}

func TestAgentOwnLogLinesAreCounted(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	a.live.Reset()

	a.Logger.Warn().Str("k", "v").Msg("counted line")

	d, ok := a.live.Get(metrics.Unscoped(metrics.NameAgentLogLinesPrefix + "WARN"))
	require.True(t, ok)
	assert.GreaterOrEqual(t, d.Count, uint64(1))
	d, ok = a.live.Get(metrics.Unscoped(metrics.NameAgentLogSizePrefix + "WARN"))
	require.True(t, ok)
	assert.Greater(t, d.Total, float64(len("counted line")), "size is the encoded line")

	_, ok = a.live.Get(metrics.Unscoped("Logging/lines/WARN"))
	assert.False(t, ok, "the agent's own lines stay out of the host series")
}

func TestAgentPrometheusMirror(t *testing.T) {
	a, _ := newTestAgent(t, func(cfg *config.AgentConfig) {
		cfg.Plugins = map[string]any{
			string(plugin.Reporter): map[string]any{
				"prometheus": map[string]any{"namespace": "orders"},
			},
		}
	})

	p, err := a.PluginManager.GetPlugin(plugin.Reporter, "prometheus")
	require.NoError(t, err)
	prom, ok := p.(*metrics.PrometheusReporter)
	require.True(t, ok)

	a.Record(metrics.Unscoped("Custom/mirrored"), metrics.BuildData(1, 1))
	_, err = a.HarvestNow(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(prom.Registry(), "orders_calls_total")
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentReload(t *testing.T) {
	a, _ := newTestAgent(t, nil)

	got := make(chan *config.AgentConfig, 1)
	require.NoError(t, a.Publisher.RegisterSubscriber(event.ReloadConfig, func(param any) {
		got <- param.(*config.AgentConfig)
	}))

	cfg := *a.Config()
	cfg.AppName = "orders-v2"
	require.NoError(t, a.Reload(&cfg))
	assert.Equal(t, "orders-v2", a.Config().AppName)
	select {
	case c := <-got:
		assert.Equal(t, "orders-v2", c.AppName)
	case <-time.After(time.Second):
		t.Fatal("reload not published")
	}

	bad := cfg
	bad.Harvest.Period = 0
	assert.ErrorIs(t, a.Reload(&bad), config.ErrInvalidConfig)
}
