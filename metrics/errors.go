package metrics

import "errors"

var (
	// ErrConfiguration marks a malformed identity. Callers drop and log the data point.
	ErrConfiguration = errors.New("metric configuration error")
	// ErrAggregation marks a merge of no aggregates or of aggregates with different identities.
	ErrAggregation = errors.New("metric aggregation error")
)
