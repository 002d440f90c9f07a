package service

import (
	"sync"
	"sync/atomic"

	"github.com/ricochet1k/wagate/internal/domain"
)

type Subscriber struct {
	ID string
	// SessionID restricts delivery to events touching one session. Empty
	// means every event.
	SessionID string
	Events    chan domain.Event
}

// EventBroadcaster fans events out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type EventBroadcaster struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	bufferSize  int
	dropped     atomic.Uint64
}

func NewEventBroadcaster(bufferSize int) *EventBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBroadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber. Subscribing again with the same id
// replaces and closes the previous subscription.
func (b *EventBroadcaster) Subscribe(subscriberID, sessionID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subscribers[subscriberID]; ok {
		close(prev.Events)
	}

	sub := &Subscriber{
		ID:        subscriberID,
		SessionID: sessionID,
		Events:    make(chan domain.Event, b.bufferSize),
	}

	b.subscribers[subscriberID] = sub
	return sub
}

func (b *EventBroadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

// Publish never blocks.
func (b *EventBroadcaster) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.SessionID != "" && !event.Touches(sub.SessionID) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishUpdate is an EventFunc that publishes a single-session update.
func (b *EventBroadcaster) PublishUpdate(update domain.SessionUpdate) {
	b.Publish(domain.NewSessionUpdateEvent(update))
}

func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *EventBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
