package metrics

import "priceindex/logger"

// WriterStats holds counters for a tick sink.
type WriterStats struct {
	MessagesWritten int64
	BytesWritten    int64
	ErrorsCount     int64
	Dropped         int64
	BufferLen       int
	BufferCap       int
}

// ReportWriter logs a summary of writer counters under the given component.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.MessagesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.MessagesWritten+stats.ErrorsCount)
	}

	entry := l.WithFields(logger.Fields{
		"messages_written": stats.MessagesWritten,
		"bytes_written":    stats.BytesWritten,
		"errors_count":     stats.ErrorsCount,
		"dropped":          stats.Dropped,
		"error_rate":       errorRate,
		"buffer_len":       stats.BufferLen,
		"buffer_cap":       stats.BufferCap,
	})

	if stats.ErrorsCount > 0 || stats.Dropped > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
