// Package eventbus fans normalized change events out to stream subscribers,
// keeping a bounded replay buffer so clients can resume from a last-seen
// cursor.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types published on the bus.
const (
	TypeResourceUpdated = "resource.updated"
	TypeResourceDeleted = "resource.deleted"
)

// ResourceRef identifies the resource an event concerns.
type ResourceRef struct {
	RID   string `json:"rid"`
	RType string `json:"rtype"`
}

// Event is a normalized change notification.
type Event struct {
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	Resource ResourceRef    `json:"resource"`
	Data     map[string]any `json:"data"`
}

// Item is an event with its assigned replay cursor.
type Item struct {
	Cursor int64
	Event  Event
}

// Subscription is a live event feed. Receive from C; call Unsubscribe when done.
type Subscription struct {
	C           <-chan Item
	Unsubscribe func()
}

// Default configuration
const (
	DefaultReplaySize = 500
	DefaultQueueSize  = 200
)

// Bus assigns monotonic cursors, retains a bounded replay window, and
// delivers to per-subscriber bounded channels. A slow subscriber loses its
// oldest events rather than blocking publishers.
type Bus struct {
	mu          sync.Mutex
	cursor      int64
	replay      []Item // ring ordered oldest-first, len <= replaySize
	replaySize  int
	queueSize   int
	subscribers map[chan Item]struct{}
	closed      bool
}

// New creates a bus with default buffer sizes.
func New() *Bus {
	return NewWithConfig(DefaultReplaySize, DefaultQueueSize)
}

// NewWithConfig creates a bus with custom replay and per-subscriber queue sizes.
func NewWithConfig(replaySize, queueSize int) *Bus {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		replaySize:  replaySize,
		queueSize:   queueSize,
		subscribers: make(map[chan Item]struct{}),
	}
}

// Publish assigns the next cursor to event and delivers it. Returns the item.
func (b *Bus) Publish(event Event) Item {
	if event.TS == "" {
		event.TS = time.Now().UTC().Format(time.RFC3339)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Item{}
	}
	b.cursor++
	item := Item{Cursor: b.cursor, Event: event}
	b.replay = append(b.replay, item)
	if len(b.replay) > b.replaySize {
		b.replay = b.replay[len(b.replay)-b.replaySize:]
	}
	subs := make([]chan Item, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- item:
		default:
			// Queue full: drop the oldest queued item to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- item:
			default:
				log.Warn().Str("event_type", event.Type).Msg("Subscriber queue full, dropping event")
			}
		}
	}
	return item
}

// Cursor returns the cursor of the most recently published event.
func (b *Bus) Cursor() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Item, b.queueSize)

	b.mu.Lock()
	if !b.closed {
		b.subscribers[ch] = struct{}{}
	}
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		Unsubscribe: func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
		},
	}
}

// ReplayFrom returns the events with cursor > lastCursor, in order.
// The second return is false when lastCursor has already fallen out of the
// replay window, in which case the caller cannot resume losslessly.
func (b *Bus) ReplayFrom(lastCursor int64) ([]Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastCursor <= 0 {
		items := make([]Item, len(b.replay))
		copy(items, b.replay)
		return items, true
	}
	if lastCursor > b.cursor {
		// A cursor this bus never issued, e.g. held by a client from
		// before a restart. Lossless resume is impossible.
		return nil, false
	}
	if len(b.replay) == 0 {
		// Nothing retained; resumable only if the client is already current.
		return nil, lastCursor == b.cursor
	}
	if lastCursor < b.replay[0].Cursor-1 {
		return nil, false
	}

	var items []Item
	for _, it := range b.replay {
		if it.Cursor > lastCursor {
			items = append(items, it)
		}
	}
	return items, true
}

// Close stops delivery and drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[chan Item]struct{})
}
