// Package progress delivers transient per-episode progress updates to in-process listeners.
package progress

import (
	"sync"

	"github.com/rs/zerolog/log"

	"episode-cache/internal/domain"
)

// Listener receives progress events for one episode.
type Listener func(domain.ProgressEvent)

type subscription struct {
	id       uint64
	listener Listener
}

// Bus fans progress events out to subscribers. Events are never buffered:
// a listener only sees events published after it subscribed.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers listener for episodeID and returns its deregistration handle.
// The handle may be called more than once.
func (b *Bus) Subscribe(episodeID string, listener Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[episodeID] = append(b.subs[episodeID], subscription{id: id, listener: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(episodeID, id) })
	}
}

// Publish calls every listener registered for episodeID, in registration order,
// on the calling goroutine. A panicking listener does not stop delivery.
func (b *Bus) Publish(episodeID string, ev domain.ProgressEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[episodeID]))
	copy(subs, b.subs[episodeID])
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(episodeID, sub.listener, ev)
	}
}

// SubscriberCount returns the number of listeners for episodeID.
func (b *Bus) SubscriberCount(episodeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[episodeID])
}

func (b *Bus) remove(episodeID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[episodeID]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[episodeID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[episodeID]) == 0 {
		delete(b.subs, episodeID)
	}
}

func deliver(episodeID string, listener Listener, ev domain.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("episode", episodeID).
				Interface("panic", r).
				Msg("Progress listener panicked")
		}
	}()
	listener(ev)
}
