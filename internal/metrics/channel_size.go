package metrics

import (
	"context"
	"time"

	"priceindex/logger"
)

// Buffered is a sink with an inspectable queue.
type Buffered interface {
	Len() int
	Cap() int
}

// StartBufferMetrics emits occupancy of a sink buffer every interval until
// ctx is cancelled. When interval <= 0, a ten second cadence is used.
func StartBufferMetrics(ctx context.Context, name string, buf Buffered, interval time.Duration) {
	if buf == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "sink_buffers", name+"_buffer_length", buf.Len(), "gauge", logger.Fields{
					"sink":     name,
					"capacity": buf.Cap(),
					"unit":     "count",
				})
			}
		}
	}()
}
