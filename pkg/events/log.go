package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the minimum ring size required to rehydrate chat
// history after a restart of the UI client.
const DefaultCapacity = 10000

// subscriberBuffer bounds each subscriber's pending events. A slow
// subscriber drops events rather than blocking the producer.
const subscriberBuffer = 256

// Log is an append-only ring of the last Capacity events with
// best-effort fan-out to subscribers.
type Log struct {
	mu       sync.Mutex
	ring     []Event
	capacity int

	subs    map[string]chan Event
	dropped uint64

	onDrop func() // optional metrics hook
}

// NewLog creates a ring holding at least DefaultCapacity events.
func NewLog(capacity int) *Log {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		subs:     make(map[string]chan Event),
	}
}

// SetDropHook registers a callback invoked once per dropped delivery.
func (l *Log) SetDropHook(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDrop = fn
}

// Append timestamps the event, stores it, and fans it out. Delivery is
// non-blocking: a full subscriber buffer drops the event for that
// subscriber only.
func (l *Log) Append(eventType string, fields map[string]any) Event {
	ev := Event{
		Type:   eventType,
		TS:     time.Now().UnixMilli(),
		Fields: fields,
	}

	l.mu.Lock()
	l.ring = append(l.ring, ev)
	if len(l.ring) > l.capacity {
		l.ring = l.ring[len(l.ring)-l.capacity:]
	}
	chans := make([]chan Event, 0, len(l.subs))
	for _, ch := range l.subs {
		chans = append(chans, ch)
	}
	onDrop := l.onDrop
	l.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			l.mu.Lock()
			l.dropped++
			l.mu.Unlock()
			if onDrop != nil {
				onDrop()
			}
		}
	}
	return ev
}

// Subscribe registers a handler channel. The returned function removes
// the subscription and closes the channel.
func (l *Log) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	id := uuid.New().String()

	l.mu.Lock()
	l.subs[id] = ch
	l.mu.Unlock()

	unsubscribe := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, unsubscribe
}

// ReplaySince returns events with TS >= threshold, oldest first. Used to
// rehydrate chat history on startup.
func (l *Log) ReplaySince(ts int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, ev := range l.ring {
		if ev.TS >= ts {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many deliveries were discarded due to slow
// subscribers.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ring)
}

// Close unsubscribes everyone. Further appends are stored but not
// delivered.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	slog.Debug("Event log closed", "retained", len(l.ring))
}
