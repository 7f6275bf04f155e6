package rpc

import "sync"

// EventKind enumerates lifecycle notifications.
type EventKind string

const (
	EventConnection     EventKind = "connection"
	EventClose          EventKind = "close"
	EventUnauthorized   EventKind = "unauthorized"
	EventJoined         EventKind = "joined"
	EventLeft           EventKind = "left"
	EventError          EventKind = "error"
	EventTransportError EventKind = "transport-error"
)

// Event carries whichever fields apply to its kind.
type Event struct {
	Kind    EventKind
	Conn    Conn
	Channel string
	Context *Context
	Err     error
}

// Observer receives events synchronously on the goroutine that raised them.
// Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// observers is a copy-on-write observer list.
type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make([]Observer, 0, len(o.list)+1)
	next = append(next, o.list...)
	o.list = append(next, obs)
}

func (o *observers) emit(e Event) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		obs.Observe(e)
	}
}
