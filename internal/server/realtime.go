package server

import (
	"context"
	"slices"
	"sync"
	"time"
)

const (
	RealtimeEventDatasetChanged = "dataset-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "foamsync-api"
	realtimeBufferSize          = 16
)

// RealtimeMessage tells a tenant's subscribers that a mutating action committed.
type RealtimeMessage struct {
	TenantID  string    `json:"tenantId"`
	EventType string    `json:"eventType"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans dataset-change notices out to the open streams of a tenant.
// Delivery is best effort: a stream whose buffer is full misses the notice and picks up the
// change on its next pull.
type RealtimeDispatcher struct {
	mu       sync.Mutex
	streams  map[string][]*tenantStream
	capacity int
}

// tenantStream is one open subscription. Its channel is never closed, so a late Publish
// racing an unsubscribe cannot panic.
type tenantStream struct {
	tenantID string
	events   chan RealtimeMessage
	detach   sync.Once
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams:  make(map[string][]*tenantStream),
		capacity: realtimeBufferSize,
	}
}

// Subscribe opens a stream for tenantID that lives until ctx ends or the returned stop func runs.
// An empty tenant gets an already-closed channel.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan RealtimeMessage, func()) {
	if tenantID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}
	stream := &tenantStream{tenantID: tenantID, events: make(chan RealtimeMessage, d.capacity)}
	d.mu.Lock()
	d.streams[tenantID] = append(d.streams[tenantID], stream)
	d.mu.Unlock()

	unsubscribe := func() {
		stream.detach.Do(func() { d.remove(stream) })
	}
	stopWatching := context.AfterFunc(ctx, unsubscribe)
	return stream.events, func() {
		stopWatching()
		unsubscribe()
	}
}

// Publish delivers message to every open stream of its tenant without blocking.
// Messages missing a tenant or an event type are dropped.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	d.mu.Lock()
	targets := slices.Clone(d.streams[message.TenantID])
	d.mu.Unlock()

	for _, stream := range targets {
		select {
		case stream.events <- message:
		default:
			realtimeDropped.Inc()
		}
	}
}

// SubscriberCount reports the open streams of a tenant.
func (d *RealtimeDispatcher) SubscriberCount(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[tenantID])
}

func (d *RealtimeDispatcher) remove(stream *tenantStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := slices.DeleteFunc(d.streams[stream.tenantID], func(candidate *tenantStream) bool {
		return candidate == stream
	})
	if len(remaining) == 0 {
		delete(d.streams, stream.tenantID)
		return
	}
	d.streams[stream.tenantID] = remaining
}
