package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/config"
	"github.com/Gopher0727/Cloak/internal/metrics"
)

// Kafka publishes events through a sarama SyncProducer.
type Kafka struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewProducerConfig 幂等生产者配置
func NewProducerConfig(cfg *config.KafkaConfig) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Net.MaxOpenRequests = 1

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second
	return saramaConfig
}

// NewKafka connects to the configured brokers.
func NewKafka(cfg *config.KafkaConfig, log *zap.Logger, m *metrics.Metrics) (*Kafka, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg, log, m), nil
}

// NewKafkaWithProducer wraps an existing producer, e.g. sarama/mocks in tests.
func NewKafkaWithProducer(producer sarama.SyncProducer, cfg *config.KafkaConfig, log *zap.Logger, m *metrics.Metrics) *Kafka {
	return &Kafka{
		producer:   producer,
		topic:      cfg.Topic,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		log:        log,
		metrics:    m,
	}
}

// Publish sends every event, retrying each with exponential backoff beyond
// the producer's own retries. It returns the last failure, if any.
func (k *Kafka) Publish(ctx context.Context, events ...Event) error {
	var lastErr error
	for _, e := range events {
		err := k.publishWithRetry(ctx, e)
		k.metrics.EventProduced(string(e.Type), err)
		if err != nil {
			k.log.Warn("failed to publish event",
				zap.String("type", string(e.Type)),
				zap.String("message_id", e.MessageID),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (k *Kafka) publishWithRetry(ctx context.Context, e Event) error {
	value, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.Channel),
		Value: sarama.ByteEncoder(value),
	}

	backoff := k.backoff
	for attempt := 0; ; attempt++ {
		if _, _, err = k.producer.SendMessage(msg); err == nil {
			return nil
		}
		if attempt >= k.maxRetries {
			return fmt.Errorf("failed to send event after %d attempts: %w", attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (k *Kafka) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
