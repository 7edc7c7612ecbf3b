package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"homewatch/metrics"
	"homewatch/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaTransport publishes readings to a single topic. The message key is the
// MQTT-style topic, so readings of one room stay on one partition.
type KafkaTransport struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaTransport(brokers []string, topic string, logger *zap.Logger) *KafkaTransport {
	return &KafkaTransport{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			Async:                  false,
			AllowAutoTopicCreation: true,
			WriteTimeout:           10 * time.Second,
		},
		logger: logger.With(zap.String("kafka_topic", topic)),
	}
}

func (k *KafkaTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "room", Value: []byte(strings.TrimPrefix(topic, "sensor/"))},
		},
		Time: time.Now(),
	})
	if err == nil {
		return nil
	}
	code := CodePublishFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = CodeTimeout
	}
	return &PublishError{Transport: "kafka", Code: code, Err: err}
}

func (k *KafkaTransport) Close() error {
	k.logger.Info("Closing Kafka writer")
	return k.writer.Close()
}

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes readings published by KafkaTransport within a consumer group
type KafkaSource struct {
	reader       messageReader
	logger       *zap.Logger
	retryBackoff time.Duration
}

func NewKafkaSource(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  200 * time.Millisecond,
		}),
		logger:       logger.With(zap.String("kafka_topic", topic), zap.String("kafka_group", groupID)),
		retryBackoff: time.Second,
	}
}

// ConsumeReadings hands every message to handler until ctx is done or the
// handler reports the ingestor stopped. Offsets are committed after handling;
// a message whose handling was interrupted stays uncommitted.
func (k *KafkaSource) ConsumeReadings(ctx context.Context, handler ReadingHandler) error {
	k.logger.Info("Started consuming readings from Kafka")
	attempt := 0
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("Stopping Kafka consumer")
				return nil
			}
			attempt++
			k.logger.Error("Failed to fetch Kafka message", zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(min(attempt, 10)) * k.retryBackoff):
			}
			continue
		}
		attempt = 0

		if !k.processMessage(ctx, msg, handler) {
			return nil
		}
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("Failed to commit Kafka offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// processMessage returns false when consumption must stop without committing msg
func (k *KafkaSource) processMessage(ctx context.Context, msg kafka.Message, handler ReadingHandler) bool {
	reading, err := DecodeReading(msg.Value)
	if err != nil {
		metrics.ReadingsIngested.WithLabelValues("kafka", "invalid").Inc()
		k.logger.Warn("Rejected invalid reading",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return true
	}

	if err := handler(ctx, "kafka", reading); err != nil {
		if errors.Is(err, models.ErrInvalidReading) {
			k.logger.Warn("Rejected invalid reading", zap.String("sensor_id", reading.SensorID), zap.Error(err))
			return true
		}
		k.logger.Error("Failed to process message",
			zap.String("sensor_id", reading.SensorID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return false
	}
	return true
}

func (k *KafkaSource) Close() error {
	k.logger.Info("Closing Kafka reader")
	return k.reader.Close()
}
