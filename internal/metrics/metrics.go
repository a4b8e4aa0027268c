// Registers:
//
//	#priceindex_frames_total{exchange}
//	#priceindex_frame_errors_total{exchange,kind}
//	#priceindex_publishes_total{exchange}
//	#priceindex_reconnects_total{exchange}
//	#priceindex_connector_state{exchange}
//	#priceindex_mid_price{exchange}
//	#priceindex_global_price_index
//	#priceindex_index_sources
//	#priceindex_aggregation_failures_total
//	#priceindex_sink_drops_total{sink}
//	#go_* and process_* system metrics
//
// The HTTP API serves them on /metrics through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	registry            *prometheus.Registry
	frames              *prometheus.CounterVec
	frameErrors         *prometheus.CounterVec
	publishes           *prometheus.CounterVec
	reconnects          *prometheus.CounterVec
	connectorState      *prometheus.GaugeVec
	midPrice            *prometheus.GaugeVec
	globalIndex         prometheus.Gauge
	indexSources        prometheus.Gauge
	aggregationFailures prometheus.Counter
	sinkDrops           *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		frames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceindex_frames_total",
			Help: "Websocket frames received per exchange",
		}, []string{"exchange"})
		frameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceindex_frame_errors_total",
			Help: "Frames dropped or not priced, by fault kind",
		}, []string{"exchange", "kind"})
		publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceindex_publishes_total",
			Help: "Mid prices written to the cache",
		}, []string{"exchange"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceindex_reconnects_total",
			Help: "Connector reconnect cycles",
		}, []string{"exchange"})
		connectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceindex_connector_state",
			Help: "Connector state (0 disconnected, 1 connecting, 2 connected, 3 awaiting reconnect)",
		}, []string{"exchange"})
		midPrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceindex_mid_price",
			Help: "Last published mid price per exchange",
		}, []string{"exchange"})
		globalIndex = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "priceindex_global_price_index",
			Help: "Last computed global price index",
		})
		indexSources = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "priceindex_index_sources",
			Help: "Number of exchanges that contributed to the last index",
		})
		aggregationFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceindex_aggregation_failures_total",
			Help: "Index requests with no available exchange",
		})
		sinkDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceindex_sink_drops_total",
			Help: "Ticks dropped by a full sink buffer",
		}, []string{"sink"})

		registry.MustRegister(
			frames, frameErrors, publishes, reconnects, connectorState, midPrice,
			globalIndex, indexSources, aggregationFailures, sinkDrops,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler exposes the registry in the Prometheus text format. It calls Init
// so the handler is never served empty.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncrementFrame(exchange string) {
	if frames != nil {
		frames.WithLabelValues(exchange).Inc()
	}
}

// IncrementFrameError counts a frame that was dropped (decode, translate) or
// that could not be priced (insufficient, crossed, cache).
func IncrementFrameError(exchange, kind string) {
	if frameErrors != nil {
		frameErrors.WithLabelValues(exchange, kind).Inc()
	}
}

func IncrementPublish(exchange string, price float64) {
	if publishes != nil {
		publishes.WithLabelValues(exchange).Inc()
		midPrice.WithLabelValues(exchange).Set(price)
	}
}

func IncrementReconnect(exchange string) {
	if reconnects != nil {
		reconnects.WithLabelValues(exchange).Inc()
	}
}

func SetConnectorState(exchange string, state int) {
	if connectorState != nil {
		connectorState.WithLabelValues(exchange).Set(float64(state))
	}
}

func IncrementAggregationFailure() {
	if aggregationFailures != nil {
		aggregationFailures.Inc()
	}
}

func IncrementSinkDrop(sink string) {
	if sinkDrops != nil {
		sinkDrops.WithLabelValues(sink).Inc()
	}
}
