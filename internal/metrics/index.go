package metrics

import "priceindex/logger"

// RecordIndex updates the index gauges and emits the computed value as a
// metric event.
func RecordIndex(log *logger.Log, price float64, sources int) {
	if globalIndex != nil {
		globalIndex.Set(price)
		indexSources.Set(float64(sources))
	}
	EmitMetric(log, "aggregator", "global_price_index", price, "gauge", logger.Fields{
		"sources": sources,
		"unit":    "none",
	})
}

// RecordMidPrice counts a publish and emits the exchange mid price as a
// metric event.
func RecordMidPrice(log *logger.Log, exchange string, price float64, degraded bool) {
	IncrementPublish(exchange, price)
	fields := logger.Fields{"exchange": exchange, "unit": "none"}
	if degraded {
		fields["degraded"] = "true"
	}
	EmitMetric(log, "connector", "mid_price", price, "gauge", fields)
}
