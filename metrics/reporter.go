package metrics

// Reporter receives every harvested batch before it is handed to delivery.
// Batches are shared read-only between reporters and delivery.
type Reporter interface {
	Report(b *Batch)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(b *Batch)

// Report calls f(b).
func (f ReporterFunc) Report(b *Batch) {
	f(b)
}
