package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homewatch/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTOptions configure the broker connection
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTService publishes readings to sensor/<room> topics and subscribes to them on the service side.
// Connection changes are reported through the status callback.
type MQTTService struct {
	client mqtt.Client
	qos    byte
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[string]mqtt.MessageHandler
	onStatus func(online bool)
}

func NewMQTTService(o MQTTOptions, logger *zap.Logger) *MQTTService {
	s := &MQTTService{
		qos:    o.QoS,
		logger: logger,
		subs:   make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", o.Broker))
		go s.resubscribe()
		s.notify(true)
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
		s.notify(false)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// OnStatusChange registers the callback invoked on connect and connection loss
func (s *MQTTService) OnStatusChange(fn func(online bool)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

func (s *MQTTService) notify(online bool) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// Connect waits until the broker connection is up or ctx is done. The client
// keeps retrying in the background after ctx expires.
func (s *MQTTService) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
}

// Publish sends payload to topic and waits for the broker acknowledgement
func (s *MQTTService) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return &PublishError{Transport: "mqtt", Code: CodeNotConnected}
	}
	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &PublishError{Transport: "mqtt", Code: CodePublishFailed, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &PublishError{Transport: "mqtt", Code: CodeTimeout, Err: ctx.Err()}
	}
}

// Subscribe decodes readings arriving on topic (e.g. "sensor/+") and passes them to handler
func (s *MQTTService) Subscribe(ctx context.Context, topic string, handler ReadingHandler) error {
	h := func(_ mqtt.Client, msg mqtt.Message) {
		r, err := DecodeReading(msg.Payload())
		if err != nil {
			metrics.ReadingsIngested.WithLabelValues("mqtt", "invalid").Inc()
			s.logger.Warn("Rejected MQTT reading", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if err := handler(ctx, "mqtt", r); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Failed to handle MQTT reading", zap.String("sensor_id", r.SensorID), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.subs[topic] = h
	s.mu.Unlock()

	token := s.client.Subscribe(topic, s.qos, h)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))
	return nil
}

// resubscribe restores subscriptions after a reconnect
func (s *MQTTService) resubscribe() {
	s.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(s.subs))
	for t, h := range s.subs {
		subs[t] = h
	}
	s.mu.Unlock()

	for topic, h := range subs {
		token := s.client.Subscribe(topic, s.qos, h)
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			s.logger.Error("Failed to resubscribe", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// Close disconnects from the broker
func (s *MQTTService) Close() error {
	s.logger.Info("Disconnecting from MQTT broker")
	s.client.Disconnect(250)
	return nil
}
