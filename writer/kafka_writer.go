// Package writer streams published mid price ticks to downstream stores.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "priceindex/config"
	"priceindex/internal/metrics"
	"priceindex/logger"
	"priceindex/models"
)

const (
	sinkName = "kafka"

	// maxBatch bounds how many buffered ticks go out in one WriteMessages call.
	maxBatch = 100
	// batchTimeout replaces the kafka-go default of one second, which caps a
	// synchronous writer at roughly one batch per second.
	batchTimeout = 10 * time.Millisecond
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes every tick it receives to a Kafka topic keyed by
// exchange. Publish never blocks the connector: ticks are dropped when the
// buffer is full.
type KafkaWriter struct {
	ticks   chan models.MidPriceTick
	writer  messageWriter
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log

	written atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
	dropped atomic.Int64
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	kw := newKafkaWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    maxBatch,
		BatchTimeout: batchTimeout,
	}, cfg.Buffer)
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"buffer":  cap(kw.ticks),
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, buffer int) *KafkaWriter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaWriter{
		ticks:  make(chan models.MidPriceTick, buffer),
		writer: w,
		log:    logger.GetLogger(),
	}
}

// Publish enqueues a tick for delivery.
func (kw *KafkaWriter) Publish(tick models.MidPriceTick) {
	select {
	case kw.ticks <- tick:
	default:
		kw.dropped.Add(1)
		metrics.EmitDropMetric(kw.log, metrics.DropMetricTickBuffer, sinkName, tick.Exchange)
	}
}

func (kw *KafkaWriter) Len() int { return len(kw.ticks) }
func (kw *KafkaWriter) Cap() int { return cap(kw.ticks) }

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true

	ctx, kw.cancel = context.WithCancel(ctx)
	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run(ctx)
	return nil
}

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()

	batch := make([]models.MidPriceTick, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-kw.ticks:
			batch = append(batch[:0], tick)
			batch = kw.drain(batch)
			kw.write(ctx, batch)
		}
	}
}

// drain appends whatever is already buffered without blocking.
func (kw *KafkaWriter) drain(batch []models.MidPriceTick) []models.MidPriceTick {
	for len(batch) < maxBatch {
		select {
		case tick := <-kw.ticks:
			batch = append(batch, tick)
		default:
			return batch
		}
	}
	return batch
}

func (kw *KafkaWriter) write(ctx context.Context, batch []models.MidPriceTick) {
	msgs := make([]kafka.Message, 0, len(batch))
	sent := make([]models.MidPriceTick, 0, len(batch))
	var size int64
	for _, tick := range batch {
		data, err := json.Marshal(tick)
		if err != nil {
			kw.errors.Add(1)
			kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal tick")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(tick.Exchange),
			Value: data,
			Time:  tick.Timestamp,
		})
		sent = append(sent, tick)
		size += int64(len(data))
	}
	if len(msgs) == 0 {
		return
	}

	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		if ctx.Err() != nil {
			return
		}
		kw.errors.Add(int64(len(msgs)))
		for _, tick := range sent {
			metrics.EmitDropMetric(kw.log, metrics.DropMetricTickWrite, sinkName, tick.Exchange)
		}
		kw.log.WithComponent("kafka_writer").WithError(err).WithField("batch_size", len(msgs)).Warn("failed to write ticks")
		return
	}
	kw.written.Add(int64(len(msgs)))
	kw.bytes.Add(size)
}

// Stats returns the writer counters.
func (kw *KafkaWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: kw.written.Load(),
		BytesWritten:    kw.bytes.Load(),
		ErrorsCount:     kw.errors.Load(),
		Dropped:         kw.dropped.Load(),
		BufferLen:       kw.Len(),
		BufferCap:       kw.Cap(),
	}
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	kw.cancel()
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(kw.log, "kafka_writer", kw.Stats())
}
