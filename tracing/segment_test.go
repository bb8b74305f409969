package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentExclusiveTime(t *testing.T) {
	live := metrics.NewStore(0)
	reg := transaction.NewRegistry(live)
	tr := NewTracer(DefaultConfig())

	tx := reg.Start("WebTransaction/Go/orders")
	ctx := context.Background()
	base := time.Now()

	parent, pctx := tr.StartSegment(ctx, tx, "Custom/handler")
	parent.startTime = base
	child, _ := tr.StartSegment(pctx, tx, "Datastore/MongoDB/find")
	child.startTime = base.Add(time.Second)
	child.End(WithFinishTime(base.Add(3 * time.Second)))
	parent.End(WithFinishTime(base.Add(5 * time.Second)))
	assert.Zero(t, parent.End(), "second End is a no-op")
	tx.FinishLocal()

	b := live.DrainAndReset()
	d, ok := b.Find(metrics.Scoped("Custom/handler", tx.Name))
	require.True(t, ok)
	assert.InDelta(t, 5.0, d.Total, 1e-9)
	assert.InDelta(t, 3.0, d.Exclusive, 1e-9)

	d, ok = b.Find(metrics.Scoped("Datastore/MongoDB/find", tx.Name))
	require.True(t, ok)
	assert.InDelta(t, 2.0, d.Total, 1e-9)
	assert.InDelta(t, 2.0, d.Exclusive, 1e-9)

	_, ok = b.Find(metrics.Unscoped("Datastore/MongoDB/find"))
	assert.True(t, ok, "unscoped rollup")
}

func TestDeferredSegmentHoldsTransaction(t *testing.T) {
	live := metrics.NewStore(0)
	reg := transaction.NewRegistry(live)
	tr := NewTracer(Config{})

	tx := reg.Start("OtherTransaction/Go/job")
	seg, _, err := tr.StartDeferredSegment(context.Background(), tx, "External/api/call")
	require.NoError(t, err)
	tx.FinishLocal()

	assert.Equal(t, transaction.StateFinishing, tx.Tracker().State())
	assert.True(t, live.DrainAndReset().IsEmpty())

	done := make(chan struct{})
	go func() {
		defer close(done)
		seg.End()
	}()
	<-done

	require.NoError(t, tx.Tracker().Wait(context.Background()))
	b := live.DrainAndReset()
	_, ok := b.Find(metrics.Scoped("External/api/call", tx.Name))
	assert.True(t, ok)
	_, ok = b.Find(metrics.Unscoped("External/api/call"))
	assert.False(t, ok, "rollup disabled")
}

func TestDeferredSegmentAfterComplete(t *testing.T) {
	reg := transaction.NewRegistry(metrics.NewStore(0))
	tx := reg.Start("t")
	tx.FinishLocal()

	_, _, err := NewTracer(Config{}).StartDeferredSegment(context.Background(), tx, "late")
	assert.ErrorIs(t, err, transaction.ErrTrackerClosed)
}

func TestFromContext(t *testing.T) {
	reg := transaction.NewRegistry(metrics.NewStore(0))
	tx := reg.Start("t")
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	seg, ctx := NewTracer(Config{}).StartSegment(context.Background(), tx, "a")
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, seg, got)
	assert.Equal(t, "a", got.Name())
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.Validate())
	c.SlowThreshold = -time.Second
	assert.Error(t, c.Validate())
}
