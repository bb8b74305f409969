package metrics

import (
	"fmt"
)

// Metric pairs an identity with its aggregate.
type Metric struct {
	ID   Identity
	Data Data
}

// NewMetric validates id and builds a Metric.
func NewMetric(id Identity, d Data) (*Metric, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &Metric{ID: id, Data: d}, nil
}

// Clone returns an independent copy.
func (m *Metric) Clone() *Metric {
	cp := *m
	return &cp
}

// MergeAll merges every non-nil metric. All of them must share one identity, and at least one
// must be non-nil; otherwise ErrAggregation is returned.
func MergeAll(items ...*Metric) (*Metric, error) {
	var out *Metric
	for _, m := range items {
		if m == nil {
			continue
		}
		if out == nil {
			out = m.Clone()
			continue
		}
		if out.ID.Name != m.ID.Name {
			return nil, fmt.Errorf("%w: metric name (%s,%s) not equal", ErrAggregation, out.ID.Name, m.ID.Name)
		}
		if out.ID.Scope != m.ID.Scope {
			return nil, fmt.Errorf("%w: metric %s scope (%v,%v) not equal", ErrAggregation, out.ID.Name, out.ID.Scope, m.ID.Scope)
		}
		out.Data = Merge(out.Data, m.Data)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: no metrics to merge", ErrAggregation)
	}
	return out, nil
}
