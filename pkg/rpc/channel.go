package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const channelLogPrefix = "rpc:channel"

// DefaultSweepInterval is how often empty channels are evicted.
const DefaultSweepInterval = 90 * time.Second

// Channel is a named set of connections that receive broadcasts together.
type Channel struct {
	name string
	reg  *ChannelRegistry

	mu      sync.RWMutex
	members map[string]Conn
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Join adds conn. It reports whether conn was added; joining twice is a no-op
// and a closed connection is never added.
func (ch *Channel) Join(conn Conn) bool {
	if conn == nil {
		return false
	}
	live, added := ch.reg.join(ch, conn)
	if added {
		slog.Debug(fmt.Sprintf("%s - %s joined %s", channelLogPrefix, conn.ID(), ch.name))
		ch.reg.d.Emit(Event{Kind: EventJoined, Conn: conn, Channel: live.name})
	}
	return added
}

// Leave removes conn. It reports whether conn was a member.
func (ch *Channel) Leave(conn Conn) bool {
	if conn == nil {
		return false
	}
	live := ch.reg.live(ch)
	live.mu.Lock()
	_, ok := live.members[conn.ID()]
	delete(live.members, conn.ID())
	live.mu.Unlock()

	if ok {
		slog.Debug(fmt.Sprintf("%s - %s left %s", channelLogPrefix, conn.ID(), ch.name))
		ch.reg.d.Emit(Event{Kind: EventLeft, Conn: conn, Channel: live.name})
	}
	return ok
}

// Has reports whether conn is a member.
func (ch *Channel) Has(conn Conn) bool {
	if conn == nil {
		return false
	}
	live := ch.reg.live(ch)
	live.mu.RLock()
	defer live.mu.RUnlock()
	_, ok := live.members[conn.ID()]
	return ok
}

// Len returns the member count.
func (ch *Channel) Len() int {
	live := ch.reg.live(ch)
	live.mu.RLock()
	defer live.mu.RUnlock()
	return len(live.members)
}

// Members returns a snapshot of the members.
func (ch *Channel) Members() []Conn {
	live := ch.reg.live(ch)
	live.mu.RLock()
	defer live.mu.RUnlock()
	out := make([]Conn, 0, len(live.members))
	for _, conn := range live.members {
		out = append(out, conn)
	}
	return out
}

// Broadcast sends c.Response to every member except the origin and
// publishes it to other processes when a bridge is attached.
func (ch *Channel) Broadcast(ctx context.Context, c *Context) error {
	return ch.broadcast(ctx, c, false)
}

// All is Broadcast including the origin.
func (ch *Channel) All(ctx context.Context, c *Context) error {
	return ch.broadcast(ctx, c, true)
}

// Send broadcasts data to the channel on behalf of origin, which may be nil.
func (ch *Channel) Send(ctx context.Context, data any, origin Conn) error {
	return ch.Broadcast(ctx, &Context{Client: origin, Response: &Response{Data: data}})
}

func (ch *Channel) broadcast(ctx context.Context, c *Context, all bool) error {
	if err := prepareBroadcast(c, all); err != nil {
		return err
	}
	c.Response.Header.Channel = ch.name
	members := ch.Members()
	return ch.reg.d.deliver(ctx, c, all, func(fn func(Conn) bool) {
		for _, conn := range members {
			if !fn(conn) {
				return
			}
		}
	})
}

// ChannelRegistry maps names to channels. Channels are created on first
// access and evicted by Sweep once empty.
type ChannelRegistry struct {
	d *Dispatcher

	mu       sync.RWMutex
	channels map[string]*Channel
}

func newChannelRegistry(d *Dispatcher) *ChannelRegistry {
	return &ChannelRegistry{d: d, channels: make(map[string]*Channel)}
}

// Channel returns the named channel, creating it if needed.
func (r *ChannelRegistry) Channel(name string) *Channel {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch = &Channel{name: name, reg: r, members: make(map[string]Conn)}
	r.channels[name] = ch
	return ch
}

// Lookup returns the named channel without creating it.
func (r *ChannelRegistry) Lookup(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the current channel names, sorted.
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Joined returns every channel conn is a member of.
func (r *ChannelRegistry) Joined(conn Conn) []*Channel {
	r.mu.RLock()
	list := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		list = append(list, ch)
	}
	r.mu.RUnlock()

	var out []*Channel
	for _, ch := range list {
		if ch.Has(conn) {
			out = append(out, ch)
		}
	}
	return out
}

// LeaveAll removes conn from every channel. A failure on one channel does
// not prevent leaving the others.
func (r *ChannelRegistry) LeaveAll(conn Conn) []string {
	var left []string
	for _, ch := range r.Joined(conn) {
		if r.leaveSafely(ch, conn) {
			left = append(left, ch.name)
		}
	}
	return left
}

func (r *ChannelRegistry) leaveSafely(ch *Channel, conn Conn) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - leave %s failed: %v", channelLogPrefix, ch.name, rec))
			ok = false
		}
	}()
	return ch.Leave(conn)
}

// Sweep evicts every empty channel and returns how many were removed.
// Evicted channels do not emit leave events.
func (r *ChannelRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, ch := range r.channels {
		ch.mu.RLock()
		empty := len(ch.members) == 0
		ch.mu.RUnlock()
		if empty {
			delete(r.channels, name)
			n++
		}
	}
	if n > 0 {
		slog.Debug(fmt.Sprintf("%s - evicted %d empty channels", channelLogPrefix, n))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *ChannelRegistry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// join adds conn to the registered channel named like ch. A handle that was
// evicted is re-registered, or redirected when the name was re-created.
func (r *ChannelRegistry) join(ch *Channel, conn Conn) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live, ok := r.channels[ch.name]
	if !ok {
		live = ch
		r.channels[ch.name] = ch
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	if _, exists := live.members[conn.ID()]; exists || !conn.IsOpen() {
		return live, false
	}
	live.members[conn.ID()] = conn
	return live, true
}

// live resolves a possibly evicted handle to the registered channel.
func (r *ChannelRegistry) live(ch *Channel) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cur, ok := r.channels[ch.name]; ok {
		return cur
	}
	return ch
}
