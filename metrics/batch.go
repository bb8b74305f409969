package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Batch is the immutable result of one drain, ordered by identity.
type Batch struct {
	Seq     uint64
	Start   time.Time
	End     time.Time
	Metrics []Metric
}

func newBatch(seq uint64, start, end time.Time, m map[Identity]Data) *Batch {
	b := &Batch{
		Seq:     seq,
		Start:   start,
		End:     end,
		Metrics: make([]Metric, 0, len(m)),
	}
	for id, d := range m {
		b.Metrics = append(b.Metrics, Metric{ID: id, Data: d})
	}
	slices.SortFunc(b.Metrics, func(x, y Metric) int {
		switch {
		case x.ID.less(y.ID):
			return -1
		case y.ID.less(x.ID):
			return 1
		}
		return 0
	})
	return b
}

// Len returns the number of entries.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Metrics)
}

// IsEmpty reports whether the batch has nothing to deliver.
func (b *Batch) IsEmpty() bool {
	return b.Len() == 0
}

// Find returns the entry for id.
func (b *Batch) Find(id Identity) (Data, bool) {
	if b == nil {
		return Data{}, false
	}
	for _, m := range b.Metrics {
		if m.ID == id {
			return m.Data, true
		}
	}
	return Data{}, false
}

// MarshalJSON renders the wire form:
//
//	[[{"name":"n","scope":"s"},[count,total,exclusive,min,max,sumOfSquares]], ...]
//
// The scope key is omitted for unscoped identities. The count is an integer and every other
// number always carries a fractional part.
func (b *Batch) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 64*b.Len()+2)
	buf = append(buf, '[')
	if b != nil {
		for i := range b.Metrics {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = appendMetric(buf, &b.Metrics[i]); err != nil {
				return nil, err
			}
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

// MarshalJSON renders one wire entry.
func (m Metric) MarshalJSON() ([]byte, error) {
	return appendMetric(nil, &m)
}

func appendMetric(buf []byte, m *Metric) ([]byte, error) {
	name, err := json.Marshal(m.ID.Name)
	if err != nil {
		return nil, err
	}
	buf = append(buf, `[{"name":`...)
	buf = append(buf, name...)
	if m.ID.Scope.Set {
		scope, err := json.Marshal(m.ID.Scope.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, `,"scope":`...)
		buf = append(buf, scope...)
	}
	buf = append(buf, "},["...)
	buf = strconv.AppendUint(buf, m.Data.Count, 10)
	vals := m.Data.Values()
	for _, v := range vals[1:] {
		buf = append(buf, ',')
		buf = appendFloat(buf, v)
	}
	buf = append(buf, "]]"...)
	return buf, nil
}

func appendFloat(buf []byte, v float64) []byte {
	start := len(buf)
	buf = strconv.AppendFloat(buf, v, 'f', -1, 64)
	for _, c := range buf[start:] {
		if c == '.' || c == 'e' {
			return buf
		}
	}
	return append(buf, ".0"...)
}

// ToProto renders the batch in the same shape as MarshalJSON for the gRPC stream.
func (b *Batch) ToProto() *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, b.Len())}
	if b == nil {
		return out
	}
	for _, m := range b.Metrics {
		key := &structpb.Struct{Fields: map[string]*structpb.Value{
			"name": structpb.NewStringValue(m.ID.Name),
		}}
		if m.ID.Scope.Set {
			key.Fields["scope"] = structpb.NewStringValue(m.ID.Scope.Value)
		}
		vals := m.Data.Values()
		data := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(vals))}
		for _, v := range vals {
			data.Values = append(data.Values, structpb.NewNumberValue(v))
		}
		out.Values = append(out.Values, structpb.NewListValue(&structpb.ListValue{
			Values: []*structpb.Value{structpb.NewStructValue(key), structpb.NewListValue(data)},
		}))
	}
	return out
}

// BatchFromProto parses a wire batch. Seq and the window are not part of the payload.
func BatchFromProto(lv *structpb.ListValue) (*Batch, error) {
	b := &Batch{Metrics: make([]Metric, 0, len(lv.GetValues()))}
	for i, v := range lv.GetValues() {
		pair := v.GetListValue().GetValues()
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: entry %d is not a [key, data] pair", ErrConfiguration, i)
		}
		key := pair[0].GetStructValue()
		if key == nil {
			return nil, fmt.Errorf("%w: entry %d has no identity", ErrConfiguration, i)
		}
		id := Identity{Name: key.GetFields()["name"].GetStringValue()}
		if s, ok := key.GetFields()["scope"]; ok {
			id.Scope = ScopeOf(s.GetStringValue())
		}
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		nums := pair[1].GetListValue().GetValues()
		if len(nums) != 6 {
			return nil, fmt.Errorf("%w: entry %d has %d values, want 6", ErrConfiguration, i, len(nums))
		}
		count := nums[0].GetNumberValue()
		if count < 0 || count != math.Trunc(count) {
			return nil, fmt.Errorf("%w: entry %d has invalid count %v", ErrConfiguration, i, count)
		}
		b.Metrics = append(b.Metrics, Metric{ID: id, Data: Data{
			Count:        uint64(count),
			Total:        nums[1].GetNumberValue(),
			Exclusive:    nums[2].GetNumberValue(),
			Min:          nums[3].GetNumberValue(),
			Max:          nums[4].GetNumberValue(),
			SumOfSquares: nums[5].GetNumberValue(),
		}})
	}
	return b, nil
}
