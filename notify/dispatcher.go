// Package notify fans alerts out to independent notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultChannelTimeout bounds a single channel attempt
const DefaultChannelTimeout = 10 * time.Second

// ErrChannelNotConfigured is reported for channels that have no registered sender
var ErrChannelNotConfigured = errors.New("channel not configured")

// Sender delivers an envelope over one channel. The returned detail is
// recorded in the dispatch result on success.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, env models.Envelope) (string, error)
}

// Dispatcher sends one job to every requested channel in parallel and waits for all of them.
// A failing, panicking or hanging sender only affects its own channel result.
type Dispatcher struct {
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

func NewDispatcher(timeout time.Duration, logger *zap.Logger, senders ...Sender) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		timeout: timeout,
		logger:  logger,
		senders: make(map[models.Channel]Sender),
	}
	for _, s := range senders {
		d.Register(s)
	}
	return d
}

// Register adds or replaces the sender for its channel
func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	d.senders[s.Channel()] = s
	d.mu.Unlock()
}

// Channels lists the configured channels in name order
func (d *Dispatcher) Channels() []models.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Channel, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) sender(ch models.Channel) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[ch]
	return s, ok
}

// Dispatch attempts every channel of the job. Success is true when at least one channel succeeded.
// Failed channels are never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.NotificationJob) models.DispatchResult {
	started := time.Now()
	channels := uniqueChannels(job.Channels)

	env := job.Envelope
	if len(env.Recipients) == 0 {
		env.Recipients = job.Recipients
	}

	results := make([]models.ChannelResult, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.attempt(ctx, ch, env)
			return nil
		})
	}
	_ = g.Wait()

	res := models.DispatchResult{
		ID:        uuid.NewString(),
		Channels:  make(map[models.Channel]models.ChannelResult, len(channels)),
		StartedAt: started,
	}
	if job.Alert != nil {
		res.AlertID = job.Alert.AlertID
	}
	for i, ch := range channels {
		res.Channels[ch] = results[i]
		if results[i].Success {
			res.Success = true
		}
	}
	res.Duration = time.Since(started)

	d.logger.Info("Notification dispatched",
		zap.String("dispatch_id", res.ID),
		zap.String("alert_id", res.AlertID),
		zap.Bool("success", res.Success),
		zap.Int("channels", len(channels)),
		zap.Int("failed", len(res.Failed())),
		zap.Duration("duration", res.Duration))
	return res
}

type sendOutcome struct {
	detail string
	err    error
}

// attempt runs one sender inside its own failure boundary
func (d *Dispatcher) attempt(ctx context.Context, ch models.Channel, env models.Envelope) models.ChannelResult {
	start := time.Now()
	sender, ok := d.sender(ch)
	if !ok {
		return d.record(ch, start, models.ChannelResult{
			Error: fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch).Error(),
		})
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan sendOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendOutcome{err: fmt.Errorf("sender panic: %v", r)}
			}
		}()
		detail, err := sender.Send(cctx, env)
		done <- sendOutcome{detail: detail, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return d.record(ch, start, models.ChannelResult{
				Error:    out.err.Error(),
				TimedOut: errors.Is(out.err, context.DeadlineExceeded),
			})
		}
		return d.record(ch, start, models.ChannelResult{Success: true, Detail: out.detail})
	case <-cctx.Done():
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		msg := "cancelled"
		if timedOut {
			msg = fmt.Sprintf("timed out after %s", d.timeout)
		}
		return d.record(ch, start, models.ChannelResult{Error: msg, TimedOut: timedOut})
	}
}

func (d *Dispatcher) record(ch models.Channel, start time.Time, res models.ChannelResult) models.ChannelResult {
	res.Duration = time.Since(start)

	result := "success"
	switch {
	case res.TimedOut:
		result = "timeout"
	case !res.Success:
		result = "failure"
	}
	metrics.NotificationsSent.WithLabelValues(string(ch), result).Inc()
	metrics.ChannelLatency.WithLabelValues(string(ch)).Observe(res.Duration.Seconds())

	if !res.Success {
		d.logger.Warn("Notification channel failed",
			zap.String("channel", string(ch)),
			zap.Bool("timed_out", res.TimedOut),
			zap.String("error", res.Error))
	}
	return res
}

func uniqueChannels(in []models.Channel) []models.Channel {
	seen := make(map[models.Channel]bool, len(in))
	out := make([]models.Channel, 0, len(in))
	for _, ch := range in {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
