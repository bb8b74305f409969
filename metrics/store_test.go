package metrics

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStoreRecordMerges(t *testing.T) {
	s := NewStore(0)
	id := Scoped("DotNet/name", "scope1")
	require.NoError(t, s.Record(id, BuildData(3, 1)))
	require.NoError(t, s.Record(id, BuildData(7, 5)))
	require.NoError(t, s.RecordObservation(Unscoped("DotNet/name"), 1, 1))

	assert.Equal(t, 2, s.Len())
	d, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, Data{Count: 2, Total: 10, Exclusive: 6, Min: 3, Max: 7, SumOfSquares: 58}, d)
}

func TestStoreRejects(t *testing.T) {
	s := NewStore(0)
	assert.ErrorIs(t, s.Record(Unscoped(""), BuildData(1, 1)), ErrConfiguration)
	assert.ErrorIs(t, s.Record(Unscoped("a"), EmptyData()), ErrAggregation)
	assert.Zero(t, s.Len())
}

func TestStoreDrainAndReset(t *testing.T) {
	s := NewStore(4)
	require.NoError(t, s.Record(Unscoped("b"), BuildData(1, 1)))
	require.NoError(t, s.Record(Scoped("a", "x"), BuildData(2, 2)))
	require.NoError(t, s.Record(Unscoped("a"), BuildData(3, 3)))

	b := s.DrainAndReset()
	assert.Equal(t, uint64(1), b.Seq)
	require.Len(t, b.Metrics, 3)
	assert.Equal(t, Unscoped("a"), b.Metrics[0].ID)
	assert.Equal(t, Scoped("a", "x"), b.Metrics[1].ID)
	assert.Equal(t, Unscoped("b"), b.Metrics[2].ID)
	assert.False(t, b.End.Before(b.Start))
	assert.Zero(t, s.Len())

	empty := s.DrainAndReset()
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, uint64(2), empty.Seq)
	assert.False(t, empty.Start.Before(b.End), "windows are contiguous")

	// The drained batch is unaffected by later records that reuse the spare map.
	require.NoError(t, s.Record(Unscoped("a"), BuildData(9, 9)))
	d, ok := b.Find(Unscoped("a"))
	require.True(t, ok)
	assert.Equal(t, 3.0, d.Total)
}

func TestStoreRecordAll(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.Record(Unscoped("a"), BuildData(1, 1)))
	err := s.RecordAll(map[Identity]Data{
		Unscoped("a"): BuildData(2, 2),
		Unscoped("b"): BuildData(3, 3),
		Unscoped(""):  BuildData(4, 4),
		Unscoped("c"): EmptyData(),
	})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 2, s.Len())
	d, _ := s.Get(Unscoped("a"))
	assert.Equal(t, uint64(2), d.Count)
}

func TestStoreMergeBack(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.Record(Unscoped("a"), BuildData(3, 1)))
	b := s.DrainAndReset()

	require.NoError(t, s.Record(Unscoped("a"), BuildData(7, 5)))
	s.Merge(b)
	s.Merge(nil)

	d, ok := s.Get(Unscoped("a"))
	require.True(t, ok)
	assert.Equal(t, Data{Count: 2, Total: 10, Exclusive: 6, Min: 3, Max: 7, SumOfSquares: 58}, d)

	next := s.DrainAndReset()
	assert.False(t, next.Start.After(b.Start), "window start is widened to the requeued batch")
}

func TestStoreConcurrentRecordAndDrain(t *testing.T) {
	const (
		producers = 8
		perWorker = 2000
	)
	s := NewStore(0)
	ids := []Identity{Unscoped("a"), Scoped("a", "x"), Scoped("b", "")}

	var drained atomic.Uint64
	count := func(b *Batch) {
		for _, m := range b.Metrics {
			drained.Add(m.Data.Count)
		}
	}

	var producersDone atomic.Bool
	var g errgroup.Group
	var pg errgroup.Group
	for w := 0; w < producers; w++ {
		pg.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if err := s.Record(ids[(w+i)%len(ids)], BuildData(1, 1)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for !producersDone.Load() {
			count(s.DrainAndReset())
			time.Sleep(50 * time.Microsecond)
		}
		return nil
	})

	require.NoError(t, pg.Wait())
	producersDone.Store(true)
	require.NoError(t, g.Wait())
	count(s.DrainAndReset())

	assert.Equal(t, uint64(producers*perWorker), drained.Load(), "no observation lost or duplicated")
}

func TestBatchMarshalJSON(t *testing.T) {
	t.Run("Scoped", func(t *testing.T) {
		m := Metric{ID: Scoped("DotNet/name", "scope1"), Data: BuildData(3, 1)}
		raw, err := m.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `[{"name":"DotNet/name","scope":"scope1"},[1,3.0,1.0,3.0,3.0,9.0]]`, string(raw))
	})

	t.Run("Unscoped", func(t *testing.T) {
		m := Metric{ID: Unscoped("DotNet/name"), Data: BuildData(3, 1)}
		raw, err := m.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `[{"name":"DotNet/name"},[1,3.0,1.0,3.0,3.0,9.0]]`, string(raw))
	})

	t.Run("EmptyScopeKept", func(t *testing.T) {
		m := Metric{ID: Scoped("n", ""), Data: BuildData(0.25, 0.125)}
		raw, err := m.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `[{"name":"n","scope":""},[1,0.25,0.125,0.25,0.25,0.0625]]`, string(raw))
	})

	t.Run("Batch", func(t *testing.T) {
		s := NewStore(0)
		require.NoError(t, s.Record(Unscoped("b"), BuildCountData(2)))
		require.NoError(t, s.Record(Unscoped(`a"q`), BuildData(1, 1)))
		raw, err := s.Serialize()
		require.NoError(t, err)
		assert.Equal(t, `[[{"name":"a\"q"},[1,1.0,1.0,1.0,1.0,1.0]],[{"name":"b"},[2,0.0,0.0,0.0,0.0,0.0]]]`, string(raw))

		var decoded []any
		require.NoError(t, json.Unmarshal(raw, &decoded), "output is valid JSON")
		assert.Len(t, decoded, 2)
	})

	t.Run("Empty", func(t *testing.T) {
		raw, err := (&Batch{}).MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, "[]", string(raw))
	})
}

func TestBatchProtoRoundTrip(t *testing.T) {
	s := NewStore(0)
	for i, id := range []Identity{Unscoped("a"), Scoped("a", ""), Scoped("a", "x")} {
		require.NoError(t, s.Record(id, BuildData(float64(i+1), 0.5)))
	}
	require.NoError(t, s.Record(Unscoped("a"), BuildData(4, 0.5)))
	b := s.DrainAndReset()

	got, err := BatchFromProto(b.ToProto())
	require.NoError(t, err)
	assert.Equal(t, b.Metrics, got.Metrics)
}

func TestBatchFromProtoRejectsMalformed(t *testing.T) {
	good := (&Batch{Metrics: []Metric{{ID: Unscoped("a"), Data: BuildData(1, 1)}}}).ToProto()

	short := good.GetValues()[0].GetListValue()
	short.Values[1].GetListValue().Values = short.Values[1].GetListValue().Values[:5]
	_, err := BatchFromProto(good)
	assert.ErrorIs(t, err, ErrConfiguration)

	noName := (&Batch{Metrics: []Metric{{ID: Identity{}, Data: BuildData(1, 1)}}}).ToProto()
	_, err = BatchFromProto(noName)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDefaultStoreHelpers(t *testing.T) {
	IncrCounter("Supportability/test", 1)

	s := NewStore(0)
	SetDefaultStore(s)
	t.Cleanup(func() { SetDefaultStore(nil) })

	IncrCounter("Supportability/test", 2)
	IncrCounter("Supportability/test", 0)
	IncrCounterWithScope(NamePoolCreateTotal, "tx", 1)
	RecordValue(NameLoggingSizePrefix+"INFO", 12)
	elapsed := RecordStopwatch(NameHarvestDuration, time.Now().Add(-time.Millisecond))
	assert.GreaterOrEqual(t, elapsed, time.Millisecond)

	d, ok := s.Get(Unscoped("Supportability/test"))
	require.True(t, ok)
	assert.Equal(t, Data{Count: 2}, d)
	_, ok = s.Get(Scoped(NamePoolCreateTotal, "tx"))
	assert.True(t, ok)
	d, _ = s.Get(Unscoped(NameLoggingSizePrefix + "INFO"))
	assert.Equal(t, 12.0, d.Total)
	d, _ = s.Get(Unscoped(NameHarvestDuration))
	assert.GreaterOrEqual(t, d.Total, 0.001)
	assert.Equal(t, 4, s.Len(), fmt.Sprint(s.Snapshot().Metrics))
}
