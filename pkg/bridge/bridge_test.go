package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/morezero/sockr/pkg/rpc"
)

const bridgeTestPrefix = "bridge:bridge_test"

// memConn is a minimal rpc.Conn that records frames.
type memConn struct {
	id string

	mu   sync.Mutex
	sent [][]byte
}

func (c *memConn) ID() string              { return c.id }
func (c *memConn) Identity() any           { return nil }
func (c *memConn) IsOpen() bool            { return true }
func (c *memConn) Close(int, string) error { return nil }

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *memConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// countingBus wraps a PubSub and counts publishes.
type countingBus struct {
	PubSub
	mu        sync.Mutex
	published int
}

func (c *countingBus) Publish(topic string, data []byte) error {
	c.mu.Lock()
	c.published++
	c.mu.Unlock()
	return c.PubSub.Publish(topic, data)
}

func (c *countingBus) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

type eventRecorder struct {
	mu     sync.Mutex
	events []rpc.Event
}

func (r *eventRecorder) Observe(e rpc.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(kind rpc.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// process is one server: a dispatcher with an attached bridge.
func newProcess(t *testing.T, ps PubSub) (*rpc.Dispatcher, *Bridge) {
	t.Helper()
	d := rpc.New()
	b, err := New(ps, d, nil)
	if err != nil {
		t.Fatalf("%s - New: %v", bridgeTestPrefix, err)
	}
	d.SetBridge(b)
	t.Cleanup(func() { b.Close() })
	return d, b
}

func TestBridge_TwoProcessBroadcast(t *testing.T) {
	bus := &countingBus{PubSub: NewMemoryBus()}
	procA, bridgeA := newProcess(t, bus)
	procB, bridgeB := newProcess(t, bus)
	if bridgeA.ID() == bridgeB.ID() {
		t.Fatalf("%s - bridge ids must differ", bridgeTestPrefix)
	}

	x, y, z := &memConn{id: "x"}, &memConn{id: "y"}, &memConn{id: "z"}
	procA.Channel("news").Join(x)
	procB.Channel("news").Join(y)
	procB.Channel("sports").Join(z)

	if err := procA.Channel("news").Send(context.Background(), map[string]string{"headline": "hi"}, x); err != nil {
		t.Fatalf("%s - Send: %v", bridgeTestPrefix, err)
	}

	if x.count() != 0 {
		t.Errorf("%s - origin received its own broadcast", bridgeTestPrefix)
	}
	if y.count() != 1 {
		t.Errorf("%s - remote member received %d frames, want 1", bridgeTestPrefix, y.count())
	}
	if z.count() != 0 {
		t.Errorf("%s - member of another channel received the broadcast", bridgeTestPrefix)
	}
	if bus.count() != 1 {
		t.Errorf("%s - published %d times, want exactly 1 (no loop)", bridgeTestPrefix, bus.count())
	}
}

func TestBridge_ServerWideBroadcast(t *testing.T) {
	bus := NewMemoryBus()
	procA, _ := newProcess(t, bus)
	procB, _ := newProcess(t, bus)

	a, b := &memConn{id: "a"}, &memConn{id: "b"}
	procA.SetConnSource(connList{a})
	procB.SetConnSource(connList{b})

	if err := procA.All(context.Background(), &rpc.Context{Response: &rpc.Response{Data: "everyone"}}); err != nil {
		t.Fatal(err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("%s - server-wide: a=%d b=%d, want 1 each", bridgeTestPrefix, a.count(), b.count())
	}
}

func TestBridge_RemoteDoesNotCreateChannels(t *testing.T) {
	bus := NewMemoryBus()
	procA, _ := newProcess(t, bus)
	procB, _ := newProcess(t, bus)

	procA.Channel("only-a").Join(&memConn{id: "a"})
	if err := procA.Channel("only-a").Send(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := procB.Channels().Lookup("only-a"); ok {
		t.Errorf("%s - remote delivery created a channel", bridgeTestPrefix)
	}
}

type connList []rpc.Conn

func (l connList) Each(fn func(rpc.Conn) bool) {
	for _, c := range l {
		if !fn(c) {
			return
		}
	}
}

type failingBus struct {
	subscribeErr error
	publishErr   error
}

func (f *failingBus) Publish(string, []byte) error { return f.publishErr }

func (f *failingBus) SubscribePattern(string, func(string, []byte)) (func() error, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return func() error { return nil }, nil
}

func TestBridge_PublishFailureIsEvent(t *testing.T) {
	events := &eventRecorder{}
	d := rpc.New(rpc.WithObserver(events))
	b, err := New(&failingBus{publishErr: errors.New("down")}, d, &Options{ID: "srv"})
	if err != nil {
		t.Fatal(err)
	}
	d.SetBridge(b)
	d.Channel("news").Join(&memConn{id: "a"})

	if err := d.Channel("news").Send(context.Background(), "x", nil); err != nil {
		t.Errorf("%s - publish failure must not propagate: %v", bridgeTestPrefix, err)
	}
	if events.count(rpc.EventTransportError) != 1 {
		t.Errorf("%s - expected one transport error event", bridgeTestPrefix)
	}
}

func TestBridge_SubscribeFailure(t *testing.T) {
	events := &eventRecorder{}
	d := rpc.New(rpc.WithObserver(events))
	if _, err := New(&failingBus{subscribeErr: errors.New("denied")}, d, nil); err == nil {
		t.Fatalf("%s - expected subscribe error", bridgeTestPrefix)
	}
	if events.count(rpc.EventTransportError) != 1 {
		t.Errorf("%s - expected one transport error event", bridgeTestPrefix)
	}
}

func TestBridge_MalformedFrame(t *testing.T) {
	bus := NewMemoryBus()
	events := &eventRecorder{}
	d := rpc.New(rpc.WithObserver(events))
	b, err := New(bus, d, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	bus.Publish(b.Prefix()+"news", []byte("not json"))
	if events.count(rpc.EventError) != 1 {
		t.Errorf("%s - malformed frame must raise an error event", bridgeTestPrefix)
	}
}

func TestBridge_Close(t *testing.T) {
	bus := &countingBus{PubSub: NewMemoryBus()}
	d, b := newProcess(t, bus)
	d.Channel("news").Join(&memConn{id: "a"})

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("%s - second Close: %v", bridgeTestPrefix, err)
	}
	if err := d.Channel("news").Send(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	if bus.count() != 0 {
		t.Errorf("%s - closed bridge must not publish", bridgeTestPrefix)
	}
}
