package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	id       string
	identity any

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string    { return f.id }
func (f *fakeConn) Identity() any { return f.identity }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// lastFrame decodes the most recent frame as a generic object.
func (f *fakeConn) lastFrame(t *testing.T) map[string]any {
	t.Helper()
	frames := f.frames()
	if len(frames) == 0 {
		t.Fatalf("rpc:helpers_test - no frames sent to %s", f.id)
	}
	var m map[string]any
	if err := json.Unmarshal(frames[len(frames)-1], &m); err != nil {
		t.Fatalf("rpc:helpers_test - decode frame: %v", err)
	}
	return m
}

// connSet is a ConnSource over a fixed list.
type connSet []Conn

func (s connSet) Each(fn func(Conn) bool) {
	for _, c := range s {
		if !fn(c) {
			return
		}
	}
}

// recordingBridge captures published frames.
type recordingBridge struct {
	id string

	mu        sync.Mutex
	published []publishedFrame
}

type publishedFrame struct {
	channel string
	payload []byte
}

func (b *recordingBridge) ID() string { return b.id }

func (b *recordingBridge) Publish(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedFrame{channel: channel, payload: payload})
}

func (b *recordingBridge) frames() []publishedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedFrame(nil), b.published...)
}

// eventLog collects events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// request builds a context the way the transport does.
func request(t *testing.T, client Conn, frame string) *Context {
	t.Helper()
	c := Decode([]byte(frame))
	c.Client = client
	return c
}

// Car and CarService back the end-to-end style tests.
type Car struct {
	Make  string `json:"make"`
	Model string `json:"model"`
}

type FindParams struct {
	Make string `json:"make"`
}

type CarService struct {
	cars []Car
}

func (s *CarService) Find(_ context.Context, p FindParams) ([]Car, error) {
	var out []Car
	for _, c := range s.cars {
		if p.Make == "" || c.Make == p.Make {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *CarService) Count(context.Context) (int, error) {
	return len(s.cars), nil
}

func (s *CarService) Touch(context.Context) error {
	return nil
}

func (s *CarService) Fail(context.Context) (any, error) {
	return nil, errors.New("engine stalled")
}

func (s *CarService) Explode(context.Context) (any, error) {
	panic("boom")
}

func (s *CarService) Helper(a, b int) int {
	return a + b
}

func newCarService() *CarService {
	return &CarService{cars: []Car{
		{Make: "Dodge", Model: "Viper"},
		{Make: "Ford", Model: "Mustang"},
		{Make: "Dodge", Model: "Charger"},
	}}
}
