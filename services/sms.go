package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"homewatch/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const smsMaxLength = 160

var phoneDigits = strings.NewReplacer("+", "", "-", "", " ", "")

// SMSOptions configure the Vonage SMS API
type SMSOptions struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	From       string
	RatePerSec int
}

// SMSSender texts alerts to every phone-like recipient through the Vonage REST API
type SMSSender struct {
	opts       SMSOptions
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type vonageResponse struct {
	Messages []struct {
		To        string `json:"to"`
		Status    string `json:"status"`
		ErrorText string `json:"error-text"`
		MessageID string `json:"message-id"`
	} `json:"messages"`
}

func NewSMSSender(opts SMSOptions, logger *zap.Logger) *SMSSender {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://rest.nexmo.com"
	}
	if opts.From == "" {
		opts.From = "SmartHome"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	return &SMSSender{
		opts: opts,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		logger:  logger,
	}
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

// Send succeeds when at least one phone accepted the message
func (s *SMSSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if s.opts.APIKey == "" || s.opts.APISecret == "" {
		return "", errors.New("SMS client not configured")
	}
	phones := PhoneRecipients(env.Recipients)
	if len(phones) == 0 {
		return "", errors.New("no phone recipients found")
	}

	text := SMSText(env)
	sent := 0
	var errs []error
	for _, phone := range phones {
		if err := s.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.sendOne(ctx, phone, text); err != nil {
			s.logger.Warn("SMS delivery failed", zap.String("phone", phone), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", phone, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", errors.Join(errs...)
	}
	return fmt.Sprintf("sent %d/%d", sent, len(phones)), nil
}

func (s *SMSSender) sendOne(ctx context.Context, phone, text string) error {
	form := url.Values{
		"api_key":    {s.opts.APIKey},
		"api_secret": {s.opts.APISecret},
		"from":       {s.opts.From},
		"to":         {phoneDigits.Replace(phone)},
		"text":       {text},
		"type":       {"unicode"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.opts.BaseURL, "/")+"/sms/json", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "HomeWatch/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms API error: %s", resp.Status)
	}
	var out vonageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode sms response: %w", err)
	}
	if len(out.Messages) == 0 {
		return errors.New("sms API returned no messages")
	}
	if m := out.Messages[0]; m.Status != "0" {
		return fmt.Errorf("sms rejected with status %s: %s", m.Status, m.ErrorText)
	}
	return nil
}

// PhoneRecipients keeps the recipients that start with '+' or are all digits
// once dashes and spaces are removed
func PhoneRecipients(recipients []string) []string {
	var out []string
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, "+") || isDigits(strings.NewReplacer("-", "", " ", "").Replace(r)) {
			out = append(out, r)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

// SMSText renders the short message, at most 160 characters
func SMSText(env models.Envelope) string {
	body := []rune(env.Body)
	if len(body) > 100 {
		body = append(body[:100], []rune("...")...)
	}
	text := []rune(fmt.Sprintf("%s: %s\n%s", strings.ToUpper(string(env.Priority)), env.Subject, string(body)))
	if len(text) > smsMaxLength {
		text = text[:smsMaxLength]
	}
	return string(text)
}
