package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/EndrewSK/TCC/internal/config"
	"github.com/EndrewSK/TCC/internal/decision"
)

// producer is the subset of *kafka.Producer the emitter uses
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaEmitter streams decisions to a Kafka topic. Produce is asynchronous;
// delivery reports are counted by a background goroutine.
type KafkaEmitter struct {
	producer     producer
	topic        string
	logger       *slog.Logger
	deliveryChan chan kafka.Event

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64 // produce failures
	lost   atomic.Int64 // queued but not delivered

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	maxRetries  int
	baseBackoff time.Duration
}

// KafkaStats contains producer counters
type KafkaStats struct {
	Sent    int64 `json:"sent"`
	Acked   int64 `json:"acked"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// NewKafkaEmitter creates a producer for cfg.Brokers
func NewKafkaEmitter(cfg config.KafkaConfig, instanceID string, logger *slog.Logger) (*KafkaEmitter, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          instanceID,
		"acks":               cfg.Acks,
		"linger.ms":          5,
		"compression.type":   "lz4",
		"request.timeout.ms": 10000,
		// Decisions go stale quickly; do not retry them for minutes
		"delivery.timeout.ms": 30000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaEmitter(p, cfg.Topic, logger), nil
}

func newKafkaEmitter(p producer, topic string, logger *slog.Logger) *KafkaEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaEmitter{
		producer:     p,
		topic:        topic,
		logger:       logger.With("component", "kafka", "topic", topic),
		deliveryChan: make(chan kafka.Event, 1024),
		done:         make(chan struct{}),
		maxRetries:   3,
		baseBackoff:  50 * time.Millisecond,
	}

	k.wg.Add(1)
	go k.handleDeliveryReports()

	k.logger.Info("kafka producer initialized")
	return k
}

func (k *KafkaEmitter) handleDeliveryReports() {
	defer k.wg.Done()
	for {
		select {
		case <-k.done:
			return
		case e := <-k.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				k.lost.Add(1)
				k.logger.Warn("kafka delivery failed", "error", m.TopicPartition.Error)
				continue
			}
			k.acked.Add(1)
		}
	}
}

// Emit queues the decision keyed by instance so one robot's decisions stay
// ordered within a partition.
func (k *KafkaEmitter) Emit(ctx context.Context, d decision.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(d.InstanceID),
		Value:          payload,
		Timestamp:      d.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(d.Action.String())},
			{Key: "trace_id", Value: []byte(d.TraceID)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= k.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := k.baseBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := k.producer.Produce(msg, k.deliveryChan)
		if err == nil {
			k.sent.Add(1)
			return nil
		}
		lastErr = err

		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.IsRetriable() && kerr.Code() != kafka.ErrQueueFull {
			break
		}
	}

	k.failed.Add(1)
	return fmt.Errorf("kafka produce failed: %w", lastErr)
}

// Stats returns producer counters
func (k *KafkaEmitter) Stats() KafkaStats {
	sent, acked, lost := k.sent.Load(), k.acked.Load(), k.lost.Load()
	pending := sent - acked - lost
	if pending < 0 {
		pending = 0
	}
	return KafkaStats{Sent: sent, Acked: acked, Failed: k.failed.Load() + lost, Pending: pending}
}

// Close flushes queued messages within timeout and releases the producer
func (k *KafkaEmitter) Close(timeout time.Duration) {
	k.closeOnce.Do(func() {
		if remaining := k.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
			k.logger.Warn("kafka messages still queued after flush", "remaining", remaining)
		}
		close(k.done)
		k.wg.Wait()
		k.producer.Close()

		s := k.Stats()
		k.logger.Info("kafka producer closed", "sent", s.Sent, "acked", s.Acked, "failed", s.Failed)
	})
}
