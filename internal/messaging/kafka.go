// Package messaging publishes the pool's event streams to Kafka: job
// broadcasts, processed shares, confirmed blocks and operator alerts.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// KafkaClient wraps kafka-go with per-topic producer pooling.
type KafkaClient struct {
	brokers     []string
	logger      *log.Logger
	writers     map[string]*kafka.Writer
	readers     map[string]*kafka.Reader
	writersMu   sync.RWMutex
	readersMu   sync.RWMutex
	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	breaker := circuit.New(&circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	})

	return &KafkaClient{
		brokers:     brokers,
		logger:      logger,
		writers:     make(map[string]*kafka.Writer),
		readers:     make(map[string]*kafka.Reader),
		breaker:     breaker,
		retryConfig: retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishJSON publishes an already-encoded JSON payload
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.KindKafka, "publish_json",
					"failed to publish message").
					WithField("topic", topic).
					WithField("key", key).
					WithField("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithField("topic", topic).
			WithField("key", key)
	}

	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.KindKafka, "publish_proto",
					"failed to publish message").
					WithField("topic", topic).
					WithField("key", key).
					WithField("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeProto reads and unmarshals one protobuf message
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	return circuit.ExecuteWithResult(ctx, k.breaker, func() (string, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (string, error) {
			kafkaMsg, err := reader.ReadMessage(ctx)
			if err != nil {
				return "", errors.Wrap(err, errors.KindKafka, "read_message",
					"failed to read message")
			}

			if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
				return "", errors.Wrap(err, errors.KindValidation, "protobuf_unmarshal",
					"failed to unmarshal protobuf message").
					WithField("topic", kafkaMsg.Topic).
					WithField("message_size", len(kafkaMsg.Value))
			}

			key := string(kafkaMsg.Key)
			k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", key, "size", len(kafkaMsg.Value))
			return key, nil
		})
	})
}

// MessageHandler handles consumed protobuf messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer runs a consumer loop until ctx is cancelled
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close Kafka reader")
		}
	}()

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			continue
		}

		if err := handler.HandleMessage(ctx, key, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
