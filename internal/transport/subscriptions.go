package transport

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Handler receives the data payload of a subscribed event type.
type Handler func(data json.RawMessage)

// Subscription is the handle returned by Subscribe; passing it to
// Unsubscribe is the only removal path.
type Subscription struct {
	EventType string
	fn        Handler
	identity  uintptr
}

// subscriptionRegistry stores handlers keyed by (eventType, handler
// identity) so that registering the identical handler for the identical
// event type twice is a no-op instead of a silent accumulation. Repeated
// registration from re-initializing callers is the defect class this
// guards against: without it, every event fans out to the same handler
// multiple times.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string][]*Subscription)}
}

func handlerIdentity(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// add registers a handler. If the same handler is already registered for
// the event type, the existing subscription is returned unchanged.
func (r *subscriptionRegistry) add(eventType string, h Handler) *Subscription {
	identity := handlerIdentity(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[eventType] {
		if sub.identity == identity {
			return sub
		}
	}

	sub := &Subscription{EventType: eventType, fn: h, identity: identity}
	r.subs[eventType] = append(r.subs[eventType], sub)
	return sub
}

// remove deregisters a subscription. Unknown handles are ignored.
func (r *subscriptionRegistry) remove(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.EventType]
	for i, s := range list {
		if s == sub {
			r.subs[sub.EventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dispatch invokes every handler registered for the event type.
func (r *subscriptionRegistry) dispatch(eventType string, data json.RawMessage) {
	r.mu.RLock()
	list := make([]*Subscription, len(r.subs[eventType]))
	copy(list, r.subs[eventType])
	r.mu.RUnlock()

	for _, sub := range list {
		sub.fn(data)
	}
}

// count returns the number of handlers for an event type.
func (r *subscriptionRegistry) count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}
