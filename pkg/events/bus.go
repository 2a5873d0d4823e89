// Package events carries connectivity, lifecycle, and sync-outcome signals
// between the host application and the data-access layer.
//
// The host publishes Online/Offline transitions and resume signals; the
// sync queue subscribes to them and publishes delivery outcomes back. The
// session manager publishes ReauthRequired when the credential is rejected.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an event.
type Type string

const (
	// TypeOnline signals that connectivity was restored.
	TypeOnline Type = "online"

	// TypeOffline signals that connectivity was lost.
	TypeOffline Type = "offline"

	// TypeResume signals the host platform's "resume background work" hook.
	TypeResume Type = "resume"

	// TypeForeground signals that the application returned to the foreground.
	TypeForeground Type = "foreground"

	// TypeReauthRequired signals that the credential was rejected and the
	// host must re-authenticate the user.
	TypeReauthRequired Type = "reauth_required"

	// TypeSyncEnqueued signals that a write was queued for later delivery.
	TypeSyncEnqueued Type = "sync_enqueued"

	// TypeSyncDelivered signals that a queued write reached the backend.
	TypeSyncDelivered Type = "sync_delivered"

	// TypeSyncExhausted signals that a queued write used up its retry
	// budget and was permanently dropped. Emitted exactly once per task.
	TypeSyncExhausted Type = "sync_exhausted"
)

// Event is a single signal on the bus.
type Event struct {
	Type   Type
	TaskID string
	Detail string
	At     time.Time
}

// Bus is a bounded, non-blocking publish/subscribe dispatcher.
// Publishing never blocks; a subscriber that falls behind loses events
// and the loss is counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
// A full subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
