package metrics

import "priceindex/logger"

// DropMetric identifies the metric name emitted when a sink discards a tick.
type DropMetric string

const (
	// DropMetricTickBuffer records ticks dropped because a sink buffer was full.
	DropMetricTickBuffer DropMetric = "tick_buffer_dropped"
	// DropMetricTickWrite records ticks lost to a failed write.
	DropMetricTickWrite DropMetric = "tick_write_failed"
)

// EmitDropMetric counts one dropped tick for sink and emits it as a metric
// event tagged with the originating exchange.
func EmitDropMetric(log *logger.Log, metric DropMetric, sink, exchange string) {
	IncrementSinkDrop(sink)

	fields := logger.Fields{"sink": sink, "unit": "count"}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	EmitMetric(log, "sink_drops", string(metric), 1, "counter", fields)
}
