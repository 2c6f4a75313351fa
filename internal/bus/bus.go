package bus

import (
	"strings"
	"sync"
)

// Handler receives events matching a subscription's namespace.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Dispatch is synchronous: Publish invokes matching handlers in subscription
// order before returning, so consumers observe events in arrival order.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
	next int
}

type subscription struct {
	id        int
	namespace string
	fn        Handler
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers the event to all subscribers whose namespace is a prefix
// of event.Kind, in the order they subscribed. Handlers run on the caller's
// goroutine; a handler may itself publish further events.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range matched {
		fn(evt)
	}
}

// Subscribe registers a handler for events matching the given namespace
// prefix. Returns an unsubscribe function; calling it more than once is safe.
func (b *Bus) Subscribe(namespace string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, &subscription{id: id, namespace: namespace, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
