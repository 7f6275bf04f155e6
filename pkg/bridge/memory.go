package bridge

import (
	"strings"
	"sync"

	"github.com/morezero/sockr/pkg/commsutil"
)

// MemoryBus is an in-process PubSub. Delivery is synchronous.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]memorySub
}

type memorySub struct {
	prefix  string
	handler func(topic string, data []byte)
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub)}
}

// Publish delivers data to every matching subscriber.
func (m *MemoryBus) Publish(topic string, data []byte) error {
	m.mu.RLock()
	var handlers []func(string, []byte)
	for _, s := range m.subs {
		if topic == commsutil.ServerWideTopic(s.prefix) || (strings.HasPrefix(topic, s.prefix) && len(topic) > len(s.prefix)) {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(topic, append([]byte(nil), data...))
	}
	return nil
}

// SubscribePattern registers handler for topics under prefix.
func (m *MemoryBus) SubscribePattern(prefix string, handler func(topic string, data []byte)) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = memorySub{prefix: prefix, handler: handler}
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		return nil
	}, nil
}
