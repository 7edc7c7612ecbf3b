package models

import "time"

// Channel is one notification delivery mechanism
type Channel string

const (
	ChannelWebsocket Channel = "websocket"
	ChannelPush      Channel = "push"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWebhook   Channel = "webhook"
	ChannelTelegram  Channel = "telegram"
)

// Envelope is the channel-agnostic shape every sender receives
type Envelope struct {
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Priority       Severity       `json:"priority"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Recipients     []string       `json:"recipients,omitempty"`
}

// NotificationJob is one dispatch request, discarded once all channel attempts finish
type NotificationJob struct {
	Alert      *Alert
	Envelope   Envelope
	Channels   []Channel
	Recipients []string
}

// ChannelResult is the outcome of one channel attempt
type ChannelResult struct {
	Success  bool          `json:"success"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DispatchResult aggregates every channel outcome of a dispatch
type DispatchResult struct {
	ID        string                    `json:"id"`
	AlertID   string                    `json:"alert_id,omitempty"`
	Success   bool                      `json:"success"`
	Channels  map[Channel]ChannelResult `json:"channels"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
}

// Failed returns the channels that did not succeed, for selective retry by the caller
func (r *DispatchResult) Failed() []Channel {
	var out []Channel
	for ch, res := range r.Channels {
		if !res.Success {
			out = append(out, ch)
		}
	}
	return out
}
