// Package inputfeed provides an ordered, closable queue of operator input
// destined for a running agent turn. Producers push from terminals, files,
// or sockets; a single consumer drains in push order.
package inputfeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push after Close, and by Next once the feed is
// closed and drained.
var ErrClosed = errors.New("input feed closed")

// Item is one unit of operator input.
type Item struct {
	At     time.Time
	Source string
	Text   string
	Seq    int64
}

// Feed is an ordered multi-producer, single-consumer input queue. Items
// already buffered when Close is called are still delivered; only then
// does Next report ErrClosed.
type Feed struct {
	mu     sync.Mutex
	buf    []Item
	ready  chan struct{}
	seq    int64
	closed bool
}

// New creates an empty feed.
func New() *Feed {
	return &Feed{ready: make(chan struct{}, 1)}
}

// Push appends one item. Returns ErrClosed after Close; the item is
// dropped in that case.
func (f *Feed) Push(source, text string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.seq++
	f.buf = append(f.buf, Item{
		Seq:    f.seq,
		Source: source,
		Text:   text,
		At:     time.Now(),
	})
	f.mu.Unlock()

	f.wake()
	return nil
}

// Next blocks until an item is available, the feed is closed and drained,
// or ctx ends. Items come out in push order.
func (f *Feed) Next(ctx context.Context) (Item, error) {
	for {
		f.mu.Lock()
		if len(f.buf) > 0 {
			item := f.buf[0]
			f.buf = f.buf[1:]
			f.mu.Unlock()
			return item, nil
		}
		if f.closed {
			f.mu.Unlock()
			return Item{}, ErrClosed
		}
		f.mu.Unlock()

		select {
		case <-f.ready:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Close stops accepting input. Safe to call more than once. Buffered items
// remain consumable.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.wake()
}

// Closed reports whether Close has been called.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Len reports how many items are buffered.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// wake nudges a blocked Next without requiring one waiter per item. The
// consumer re-checks the buffer on every wakeup, so a coalesced signal is
// enough.
func (f *Feed) wake() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}
