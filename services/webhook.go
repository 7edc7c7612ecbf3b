package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homewatch/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookSender posts alerts to every configured URL. It succeeds when at least one URL accepts.
type WebhookSender struct {
	logger     *zap.Logger
	urls       []string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// WebhookPayload represents the payload sent to webhook endpoints
type WebhookPayload struct {
	Notification models.Envelope `json:"notification"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source"`
}

// NewWebhookSender creates a webhook sender limited to ratePerSec requests per second
func NewWebhookSender(logger *zap.Logger, urls []string, ratePerSec int) *WebhookSender {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &WebhookSender{
		logger: logger,
		urls:   urls,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

func (h *WebhookSender) Channel() models.Channel { return models.ChannelWebhook }

// Send posts the envelope to every URL
func (h *WebhookSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if len(h.urls) == 0 {
		return "", errors.New("no webhook URLs configured")
	}

	jsonData, err := json.Marshal(WebhookPayload{
		Notification: env,
		Timestamp:    time.Now().UTC(),
		Source:       "smart_home_system",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	sent := 0
	var errs []error
	for _, url := range h.urls {
		if err := h.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.post(ctx, url, jsonData); err != nil {
			h.logger.Warn("Webhook delivery failed",
				zap.String("url", url),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		sent++
	}

	if sent == 0 {
		return "", errors.Join(errs...)
	}
	return fmt.Sprintf("sent %d/%d", sent, len(h.urls)), nil
}

func (h *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "HomeWatch/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		h.logger.Debug("Webhook delivered",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode))
		return nil
	}
	return fmt.Errorf("webhook %s returned %s", url, resp.Status)
}
