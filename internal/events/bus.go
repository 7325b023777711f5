// Package events provides the session-scoped event bus: a validated
// event vocabulary, a non-blocking broadcaster for streaming listeners,
// and a ring buffer for replay. Every engine component pushes its
// log/thought/decision/stage events here; transports drain it.
package events

import (
	"sync"
	"time"
)

// Event is a single structured event on the bus.
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Subscriber represents a channel that receives events.
type Subscriber chan Event

// Sink receives every emitted event for persistence. Failures must not
// disturb the bus; one error event is recorded and further failures
// are silent.
type Sink interface {
	Append(ts time.Time, level, name, msg string, fields map[string]interface{}) error
}

// Bus is a per-session event bus. Unlike a package-global broadcaster,
// each session owns its own bus so sessions stay isolated.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	buffer      *ringBuffer
	sink        Sink
	sinkFailed  bool
}

// NewBus creates a bus with a 256-event replay buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]struct{}),
		buffer:      newRingBuffer(256),
	}
}

// SetSink attaches a persistence sink. Pass nil to detach.
func (b *Bus) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.sinkFailed = false
	b.mu.Unlock()
}

// Subscribe adds a new subscriber and returns its channel.
// The channel is buffered to prevent blocking on slow clients.
func (b *Bus) Subscribe() Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// CloseAll removes and closes every subscriber, used on session reset.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Emit validates the event name, records the event, persists it if a
// sink is attached, and broadcasts to all subscribers without blocking.
func (b *Bus) Emit(level, name, msg string, fields map[string]interface{}) error {
	if err := Validate(name); err != nil {
		return err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	b.buffer.add(e)

	b.mu.RLock()
	sink := b.sink
	failed := b.sinkFailed
	b.mu.RUnlock()

	if sink != nil {
		if err := sink.Append(ts, level, name, msg, fields); err != nil && !failed {
			b.mu.Lock()
			first := !b.sinkFailed
			b.sinkFailed = true
			b.mu.Unlock()
			if first {
				// Record once, straight to the buffer so a persistently
				// failing sink cannot recurse through Emit.
				b.buffer.add(Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event sink append failed",
					Fields:    map[string]interface{}{"error": err.Error()},
				})
			}
		}
	}

	b.mu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// Buffer full, drop event for this slow subscriber.
		}
	}
	b.mu.RUnlock()

	return nil
}

// Snapshot returns all buffered events in chronological order.
func (b *Bus) Snapshot() []Event {
	return b.buffer.snapshot()
}

// RecentEvents returns the last n buffered events. If n is zero or
// greater than available, all buffered events are returned.
func (b *Bus) RecentEvents(n int) []Event {
	all := b.buffer.snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Clear resets the replay buffer. Used on session reset and in tests.
func (b *Bus) Clear() {
	b.buffer.clear()
}
