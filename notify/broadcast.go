package notify

import (
	"sync"
)

// Broadcaster is the realtime push capability. Broadcast is fire-and-forget;
// only an error from the call itself counts as a failure.
type Broadcaster interface {
	Broadcast(event string, payload any) error
}

// Event is one recorded broadcast
type Event struct {
	Name    string
	Payload any
}

// MemoryBroadcaster records broadcasts in memory
type MemoryBroadcaster struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (m *MemoryBroadcaster) Broadcast(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, Event{Name: event, Payload: payload})
	return nil
}

// Events returns the recorded broadcasts in order
func (m *MemoryBroadcaster) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Names returns the recorded event names in order
func (m *MemoryBroadcaster) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Name)
	}
	return out
}
