package metrics

import (
	"math"
	"time"
)

// Data is the fixed-shape statistical aggregate of one metric.
// Timing values are in seconds.
type Data struct {
	Count        uint64
	Total        float64
	Exclusive    float64
	Min          float64
	Max          float64
	SumOfSquares float64
}

// EmptyData is the identity element of Merge.
func EmptyData() Data {
	return Data{Min: math.Inf(1), Max: math.Inf(-1)}
}

// BuildData aggregates a single observation.
func BuildData(total, exclusive float64) Data {
	return Data{
		Count:        1,
		Total:        total,
		Exclusive:    exclusive,
		Min:          total,
		Max:          total,
		SumOfSquares: total * total,
	}
}

// BuildTimingData aggregates one timed call.
func BuildTimingData(total, exclusive time.Duration) Data {
	return BuildData(total.Seconds(), exclusive.Seconds())
}

// BuildCountData is a counter: count n and every other field zero.
func BuildCountData(n uint64) Data {
	return Data{Count: n}
}

// Merge combines two aggregates. It is associative and commutative.
func Merge(a, b Data) Data {
	return Data{
		Count:        a.Count + b.Count,
		Total:        a.Total + b.Total,
		Exclusive:    a.Exclusive + b.Exclusive,
		Min:          math.Min(a.Min, b.Min),
		Max:          math.Max(a.Max, b.Max),
		SumOfSquares: a.SumOfSquares + b.SumOfSquares,
	}
}

// IsEmpty reports whether d carries no observations.
func (d Data) IsEmpty() bool {
	return d.Count == 0
}

// Values returns the wire order: count, total, exclusive, min, max, sumOfSquares.
func (d Data) Values() [6]float64 {
	return [6]float64{float64(d.Count), d.Total, d.Exclusive, finite(d.Min), finite(d.Max), d.SumOfSquares}
}

// finite clamps the empty-aggregate infinities, which have no JSON or protobuf-JSON form.
func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
