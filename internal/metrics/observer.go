package metrics

import "github.com/JakeFAU/crawlwatch/internal/aggregator"

// AggregatorObserver feeds aggregator activity into Prometheus.
type AggregatorObserver struct{}

var _ aggregator.Observer = AggregatorObserver{}

// NewAggregatorObserver returns an observer backed by the shared collectors.
func NewAggregatorObserver() AggregatorObserver {
	Init()
	return AggregatorObserver{}
}

// EventAdded counts one accepted event.
func (AggregatorObserver) EventAdded() {
	aggregatorEventsTotal.WithLabelValues("received").Inc()
}

// Flushed counts one non-empty flush and the events it delivered.
func (AggregatorObserver) Flushed(trigger aggregator.Trigger, received, delivered int) {
	aggregatorFlushesTotal.WithLabelValues(string(trigger)).Inc()
	aggregatorEventsTotal.WithLabelValues("coalesced").Add(float64(received - delivered))
	aggregatorEventsTotal.WithLabelValues("delivered").Add(float64(delivered))
}

// Discarded counts events dropped at close.
func (AggregatorObserver) Discarded(n int) {
	aggregatorEventsTotal.WithLabelValues("discarded").Add(float64(n))
}
