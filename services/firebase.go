package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"homewatch/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
)

// fcmClient is the part of the messaging client the push sender uses
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender delivers push notifications to registered device tokens and an optional topic
type FCMSender struct {
	client fcmClient
	tokens []string
	topic  string
	logger *zap.Logger
}

// NewFCMSender creates a push sender from an initialized Firebase app
func NewFCMSender(ctx context.Context, app *firebase.App, tokens []string, topic string, logger *zap.Logger) (*FCMSender, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	logger.Info("Firebase messaging initialized",
		zap.Int("device_tokens", len(tokens)),
		zap.String("topic", topic))
	return &FCMSender{client: client, tokens: tokens, topic: topic, logger: logger}, nil
}

func (fs *FCMSender) Channel() models.Channel { return models.ChannelPush }

// Send succeeds when the topic message or at least one device message was accepted
func (fs *FCMSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if len(fs.tokens) == 0 && fs.topic == "" {
		return "", errors.New("no device tokens or topic configured")
	}

	notification := &messaging.Notification{Title: env.Subject, Body: env.Body}
	data := pushData(env)
	android := &messaging.AndroidConfig{Priority: "normal"}
	if env.Priority == models.SeverityCritical || env.Priority == models.SeverityHigh {
		android.Priority = "high"
	}

	var (
		details []string
		errs    []error
	)

	if fs.topic != "" {
		id, err := fs.client.Send(ctx, &messaging.Message{
			Topic:        fs.topic,
			Notification: notification,
			Data:         data,
			Android:      android,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", fs.topic, err))
		} else {
			details = append(details, "topic "+id)
		}
	}

	if len(fs.tokens) > 0 {
		br, err := fs.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       fs.tokens,
			Notification: notification,
			Data:         data,
			Android:      android,
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("multicast: %w", err))
		case br.SuccessCount == 0:
			errs = append(errs, fmt.Errorf("multicast: all %d devices failed", br.FailureCount))
		default:
			details = append(details, fmt.Sprintf("devices %d/%d", br.SuccessCount, len(fs.tokens)))
		}
		if err == nil && br.FailureCount > 0 {
			fs.logger.Warn("Push delivery failed for some devices",
				zap.Int("success_count", br.SuccessCount),
				zap.Int("failure_count", br.FailureCount))
		}
	}

	if len(details) == 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(details, ", "), nil
}

// pushData flattens the structured alert fields, FCM data values must be strings
func pushData(env models.Envelope) map[string]string {
	out := make(map[string]string, len(env.StructuredData)+1)
	for k, v := range env.StructuredData {
		out[k] = fmt.Sprint(v)
	}
	out["priority"] = string(env.Priority)
	return out
}
