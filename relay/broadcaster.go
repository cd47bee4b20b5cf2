// Package relay exposes a running turn to remote observers over websocket.
// Observers receive driver events as JSON and can submit steering text that
// lands in the driver's input feed.
package relay

import (
	"log/slog"
	"sync"

	"github.com/bazelment/coxswain/driver"
)

// broadcaster fans driver events out to subscriber channels. Each
// subscriber has its own buffered channel; a subscriber that falls behind
// loses its oldest event rather than stalling the others.
type broadcaster struct {
	subscribers map[string]chan driver.Event
	logger      *slog.Logger
	mu          sync.RWMutex
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan driver.Event),
		logger:      logger,
	}
}

// Subscribe registers a subscriber channel under id.
func (b *broadcaster) Subscribe(id string, bufSize int) <-chan driver.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan driver.Event, bufSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Broadcast delivers one event to every subscriber, dropping the oldest
// buffered event for any subscriber whose channel is full.
func (b *broadcaster) Broadcast(ev driver.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				b.logger.Warn("dropping oldest event for slow subscriber", "subscriber", id)
			default:
			}
			select {
			case ch <- ev:
			default:
				b.logger.Warn("could not deliver event to subscriber", "subscriber", id)
			}
		}
	}
}

// CloseAll closes every subscriber channel.
func (b *broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
