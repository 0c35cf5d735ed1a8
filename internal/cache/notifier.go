package cache

import (
	"context"
	"sync"
	"time"
)

// EventCacheSegment is broadcast after every successful cache write.
const EventCacheSegment = "CACHE_SEGMENT"

const subscriberBuffer = 64

// Event tells open views that a response was cached.
type Event struct {
	Type      string    `json:"type"`
	EpisodeID string    `json:"episodeId,omitempty"`
	Bucket    string    `json:"bucket"`
	URL       string    `json:"url"`
	Bytes     int       `json:"bytes"`
	Time      time.Time `json:"time"`
}

// Notifier broadcasts cache events to every subscribed view. Slow subscribers
// lose events rather than stall the interceptor.
type Notifier struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

type Subscription struct {
	ch     chan Event
	cancel context.CancelFunc
}

// Events returns the channel events are delivered on. It closes on unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a view until ctx is done or Unsubscribe is called.
func (n *Notifier) Subscribe(ctx context.Context) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ch: make(chan Event, subscriberBuffer), cancel: cancel}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-subCtx.Done()
		n.Unsubscribe(sub)
	}()
	return sub
}

func (n *Notifier) Unsubscribe(sub *Subscription) {
	n.mu.Lock()
	if _, ok := n.subs[sub]; ok {
		delete(n.subs, sub)
		close(sub.ch)
	}
	n.mu.Unlock()
	sub.cancel()
}

// Broadcast delivers ev to every subscriber without blocking.
func (n *Notifier) Broadcast(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
