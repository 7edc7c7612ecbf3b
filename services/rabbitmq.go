package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"homewatch/metrics"
	"homewatch/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// sensorRoutingKey matches readings published as sensor.<room>, including
// MQTT messages routed through the broker's amq.topic exchange
const sensorRoutingKey = "sensor.*"

// RabbitMQOptions configure the broker topology
type RabbitMQOptions struct {
	URL      string
	Queue    string
	Exchange string
}

// RabbitMQService handles RabbitMQ connection, reading consumption and publishing
type RabbitMQService struct {
	opts      RabbitMQOptions
	logger    *zap.Logger
	reconnect chan bool
	isClosing atomic.Bool

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	onStatus func(online bool)
}

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(opts RabbitMQOptions, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		opts:      opts,
		logger:    logger,
		reconnect: make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// OnStatusChange registers the callback invoked when the connection drops or is restored
func (r *RabbitMQService) OnStatusChange(fn func(online bool)) {
	r.mu.Lock()
	r.onStatus = fn
	r.mu.Unlock()
}

func (r *RabbitMQService) notify(online bool) {
	r.mu.Lock()
	fn := r.onStatus
	r.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	r.logger.Info("Connecting to RabbitMQ", zap.String("exchange", r.opts.Exchange))

	var (
		conn *amqp.Connection
		err  error
	)
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(r.opts.URL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := r.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = ch
	r.mu.Unlock()

	go r.handleReconnect(conn)
	return nil
}

func (r *RabbitMQService) declare(ch *amqp.Channel) error {
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err := ch.ExchangeDeclare(
		r.opts.Exchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(
		r.opts.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, exchange := range []string{r.opts.Exchange, "amq.topic"} {
		if err := ch.QueueBind(queue.Name, sensorRoutingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", exchange, err)
		}
		r.logger.Info("Queue bound to exchange",
			zap.String("queue", queue.Name),
			zap.String("exchange", exchange),
			zap.String("routing_key", sensorRoutingKey))
	}
	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))
	r.mu.Lock()
	r.channel = nil
	r.mu.Unlock()
	r.notify(false)

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		if err := r.connect(); err != nil {
			r.logger.Error("Failed to reconnect", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		r.logger.Info("Successfully reconnected to RabbitMQ")
		select {
		case r.reconnect <- true:
		default:
		}
		r.notify(true)
		return
	}
}

// Consume delivers readings from the queue to handler until ctx is done.
// Invalid messages are rejected; handler failures are requeued.
func (r *RabbitMQService) Consume(ctx context.Context, handler ReadingHandler) error {
	for {
		r.mu.Lock()
		ch := r.channel
		r.mu.Unlock()
		if ch == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-r.reconnect:
				continue
			}
		}

		msgs, err := ch.Consume(
			r.opts.Queue,        // queue
			"homewatch-service", // consumer tag
			false,               // auto-ack (false = manual ack)
			false,               // exclusive
			false,               // no-local
			false,               // no-wait
			nil,                 // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming messages from RabbitMQ", zap.String("queue", r.opts.Queue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					time.Sleep(1 * time.Second)
					break consumeLoop
				}
				r.processMessage(ctx, msg, handler)
			}
		}
	}
}

func (r *RabbitMQService) processMessage(ctx context.Context, msg amqp.Delivery, handler ReadingHandler) {
	reading, err := DecodeReading(msg.Body)
	if err != nil {
		metrics.ReadingsIngested.WithLabelValues("amqp", "invalid").Inc()
		r.logger.Warn("Rejected invalid reading",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	if err := handler(ctx, "amqp", reading); err != nil {
		r.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("sensor_id", reading.SensorID))
		// invalid readings are never requeued
		_ = msg.Nack(false, !errors.Is(err, models.ErrInvalidReading))
		return
	}
	_ = msg.Ack(false)
}

// Publish sends a reading payload with routing key sensor.<room>
func (r *RabbitMQService) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil || r.channel.IsClosed() {
		return &PublishError{Transport: "amqp", Code: CodeNotConnected}
	}

	err := r.channel.PublishWithContext(ctx,
		r.opts.Exchange,                     // exchange
		strings.ReplaceAll(topic, "/", "."), // routing key
		false,                               // mandatory
		false,                               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		code := CodePublishFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		return &PublishError{Transport: "amqp", Code: code, Err: err}
	}
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
