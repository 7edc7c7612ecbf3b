package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"homewatch/models"

	"go.uber.org/zap/zaptest"
)

var errBrokerDown = errors.New("broker unreachable")

type fakePublisher struct {
	mu        sync.Mutex
	fail      func(p models.ReadingPayload) bool
	afterSend func(sent int)
	sent      []models.ReadingPayload
	topics    []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	var p models.ReadingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && f.fail(p) {
		return errBrokerDown
	}
	f.sent = append(f.sent, p)
	f.topics = append(f.topics, topic)
	if f.afterSend != nil {
		f.afterSend(len(f.sent))
	}
	return nil
}

func (f *fakePublisher) setFail(fn func(p models.ReadingPayload) bool) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakePublisher) sequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.ReadingCount)
	}
	return out
}

func alwaysFail(models.ReadingPayload) bool { return true }

func newTestEndpoint(t *testing.T, pub Publisher, capacity int) *Endpoint {
	t.Helper()
	return NewEndpoint("temp_living_room", "living_room", models.SensorTemperature, pub, Options{
		Capacity:       capacity,
		PublishTimeout: time.Second,
		Logger:         zaptest.NewLogger(t),
	})
}

func reading(value float64) models.Reading {
	return models.Reading{
		SensorID:   "temp_living_room",
		SensorType: models.SensorTemperature,
		Room:       "living_room",
		Value:      value,
		Timestamp:  time.Now(),
	}
}

func enqueueN(ctx context.Context, ep *Endpoint, n int) {
	for i := 1; i <= n; i++ {
		ep.Enqueue(ctx, reading(20+float64(i)))
	}
}

func seqs(readings []models.Reading) []int64 {
	out := make([]int64, 0, len(readings))
	for _, r := range readings {
		out = append(out, r.SequenceNo)
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueueOnlineForwardsImmediately(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	ep := newTestEndpoint(t, pub, 10)

	enqueueN(ctx, ep, 3)

	st := ep.Status()
	if st.BufferedReadings != 0 || st.Forwarded != 3 || !st.IsOnline {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := pub.sequences(); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Fatalf("expected in-order forwarding, got %v", got)
	}
	if pub.topics[0] != "sensor/living_room" {
		t.Fatalf("unexpected topic %q", pub.topics[0])
	}
}

func TestBufferKeepsMostRecentWhenTransportFails(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 3)

	enqueueN(ctx, ep, 5)

	st := ep.Status()
	if st.IsOnline {
		t.Fatalf("endpoint should be offline after a failed send")
	}
	if st.BufferedReadings != 3 || st.Evicted != 2 || st.TotalReadings != 5 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := seqs(ep.Buffered()); !equalSeqs(got, []int64{3, 4, 5}) {
		t.Fatalf("expected the three most recent readings, got %v", got)
	}
	if st.FailedSends != 1 {
		t.Fatalf("offline enqueue must not attempt sends, failed_sends=%d", st.FailedSends)
	}
}

func TestSetOnlineDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 10)
	enqueueN(ctx, ep, 5)

	pub.setFail(nil)
	n := ep.SetOnlineStatus(ctx, true)

	if n != 5 {
		t.Fatalf("expected 5 forwarded, got %d", n)
	}
	st := ep.Status()
	if st.BufferedReadings != 0 || st.Forwarded != 5 || !st.IsOnline {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := pub.sequences(); !equalSeqs(got, []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("expected oldest-first drain, got %v", got)
	}
}

func TestSetOfflineDoesNotSend(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	ep := newTestEndpoint(t, pub, 10)

	ep.SetOnlineStatus(ctx, false)
	enqueueN(ctx, ep, 2)

	if len(pub.sequences()) != 0 {
		t.Fatalf("offline endpoint must buffer only")
	}
	if ep.Status().BufferedReadings != 2 {
		t.Fatalf("expected 2 buffered readings")
	}
}

func TestProbeSendsNewestOnly(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 10)
	enqueueN(ctx, ep, 3)

	pub.setFail(nil)
	if n := ep.Drain(ctx, false); n != 1 {
		t.Fatalf("expected probe to forward 1 reading, got %d", n)
	}
	if got := pub.sequences(); !equalSeqs(got, []int64{3}) {
		t.Fatalf("probe should send the newest reading, got %v", got)
	}
	if got := seqs(ep.Buffered()); !equalSeqs(got, []int64{1, 2}) {
		t.Fatalf("older readings should stay buffered, got %v", got)
	}
	if !ep.IsOnline() {
		t.Fatalf("successful probe should mark the endpoint online")
	}
}

func TestProbeOnEmptyBuffer(t *testing.T) {
	ep := newTestEndpoint(t, &fakePublisher{}, 10)
	if n := ep.Drain(context.Background(), false); n != 0 {
		t.Fatalf("expected no-op, got %d", n)
	}
}

func TestForcedDrainKeepsFailuresInOrder(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 10)
	enqueueN(ctx, ep, 5)

	pub.setFail(func(p models.ReadingPayload) bool {
		return p.ReadingCount == 2 || p.ReadingCount == 4
	})
	if n := ep.Drain(ctx, true); n != 3 {
		t.Fatalf("expected 3 forwarded, got %d", n)
	}
	if got := seqs(ep.Buffered()); !equalSeqs(got, []int64{2, 4}) {
		t.Fatalf("failed readings should remain in order, got %v", got)
	}
	if got := pub.sequences(); !equalSeqs(got, []int64{1, 3, 5}) {
		t.Fatalf("unexpected send order %v", got)
	}
}

func TestFlushClearsUndeliverable(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 10)
	enqueueN(ctx, ep, 4)

	if n := ep.Flush(ctx); n != 0 {
		t.Fatalf("expected nothing forwarded, got %d", n)
	}
	if st := ep.Status(); st.BufferedReadings != 0 {
		t.Fatalf("flush must leave the buffer empty, got %d", st.BufferedReadings)
	}
}

func TestDrainStopsOnCancellation(t *testing.T) {
	pub := &fakePublisher{fail: alwaysFail}
	ep := newTestEndpoint(t, pub, 10)
	enqueueN(context.Background(), ep, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.setFail(nil)
	pub.afterSend = func(sent int) {
		if sent == 2 {
			cancel()
		}
	}

	if n := ep.Drain(ctx, true); n != 2 {
		t.Fatalf("expected 2 forwarded before cancellation, got %d", n)
	}
	if got := seqs(ep.Buffered()); !equalSeqs(got, []int64{3, 4, 5}) {
		t.Fatalf("unsent readings should remain buffered in order, got %v", got)
	}
}

func TestCountersStayConsistent(t *testing.T) {
	ctx := context.Background()
	flaky := 0
	pub := &fakePublisher{}
	pub.fail = func(models.ReadingPayload) bool {
		flaky++
		return flaky%3 == 0
	}
	ep := newTestEndpoint(t, pub, 4)

	for i := 0; i < 20; i++ {
		ep.Enqueue(ctx, reading(float64(i)))
		if i%5 == 4 {
			ep.SetOnlineStatus(ctx, false)
			ep.SetOnlineStatus(ctx, true)
		}
	}

	st := ep.Status()
	if st.BufferedReadings > st.Capacity {
		t.Fatalf("buffer exceeds capacity: %+v", st)
	}
	if st.TotalReadings != st.Forwarded+st.Evicted+int64(st.BufferedReadings) {
		t.Fatalf("counters out of balance: %+v", st)
	}
}
