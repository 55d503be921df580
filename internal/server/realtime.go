package server

import (
	"context"
	"sync"
	"time"
)

const (
	// SyncEventChangesPending announces new local edits that await upload.
	SyncEventChangesPending = "changes-pending"
	// SyncEventRouteInstalled announces that a bundle replaced a route tree.
	SyncEventRouteInstalled = "route-installed"
	// SyncEventRouteCommitted announces that an upload was finalized locally.
	SyncEventRouteCommitted = "route-committed"

	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "trailsync-api"
)

// SyncEvent tells the transport that a route tree changed state. Recipients
// lists the users whose streams receive the event.
type SyncEvent struct {
	Type       string    `json:"type"`
	RouteID    int64     `json:"route_id,omitempty"`
	Entity     string    `json:"entity,omitempty"`
	EntityID   int64     `json:"entity_id,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Recipients []int64   `json:"-"`
}

// RealtimeDispatcher fans sync events out to the subscribers of the users they
// concern. Slow subscribers drop events instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan SyncEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for userID that lives until ctx ends or cleanup
// is called. Anonymous subscribers get a closed stream.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID int64) (<-chan SyncEvent, func()) {
	if userID <= 0 {
		closed := make(chan SyncEvent)
		close(closed)
		return closed, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event once to every stream of each recipient.
func (d *RealtimeDispatcher) Publish(event SyncEvent) {
	if event.Type == "" || len(event.Recipients) == 0 {
		return
	}
	if event.Source == "" {
		event.Source = realtimeSourceBackend
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := make(map[int64]struct{}, len(event.Recipients))
	for _, userID := range event.Recipients {
		if _, seen := delivered[userID]; seen {
			continue
		}
		delivered[userID] = struct{}{}
		for _, subscriber := range d.subscribers[userID] {
			select {
			case subscriber.stream <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
