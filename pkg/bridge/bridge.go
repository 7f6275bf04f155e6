// Package bridge mirrors channel broadcasts across processes over a
// prefix-addressed pub/sub transport.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/sockr/pkg/commsutil"
	"github.com/morezero/sockr/pkg/rpc"
)

const logPrefix = "bridge:bridge"

// PubSub is the transport the bridge publishes to and subscribes from.
type PubSub interface {
	Publish(topic string, data []byte) error
	// SubscribePattern delivers every topic under prefix plus the server-wide topic.
	SubscribePattern(prefix string, handler func(topic string, data []byte)) (func() error, error)
}

// Target receives frames from other processes and bridge failures.
// *rpc.Dispatcher satisfies it.
type Target interface {
	DeliverRemote(channel string, payload []byte)
	Emit(rpc.Event)
}

// Options configures a Bridge. Nil or zero values use defaults.
type Options struct {
	// Prefix is the topic prefix and must end with a dot.
	Prefix string
	// ID identifies this process. Defaults to a fresh ULID.
	ID string
}

// Bridge publishes local broadcasts and redelivers remote ones locally.
type Bridge struct {
	id     string
	prefix string
	ps     PubSub
	target Target

	mu          sync.Mutex
	closed      bool
	unsubscribe func() error
}

// New subscribes to every topic under the prefix and returns the bridge.
// Attach it with Dispatcher.SetBridge.
func New(ps PubSub, target Target, opts *Options) (*Bridge, error) {
	b := &Bridge{
		id:     rpc.NewID(),
		prefix: commsutil.DefaultBroadcastPrefix,
		ps:     ps,
		target: target,
	}
	if opts != nil {
		if opts.Prefix != "" {
			b.prefix = opts.Prefix
		}
		if opts.ID != "" {
			b.id = opts.ID
		}
	}

	unsubscribe, err := ps.SubscribePattern(b.prefix, b.receive)
	if err != nil {
		b.fail(rpc.EventTransportError, err)
		return nil, fmt.Errorf("%s - failed to subscribe to %s*: %w", logPrefix, b.prefix, err)
	}
	b.unsubscribe = unsubscribe

	slog.Info(fmt.Sprintf("%s - Bridge %s listening on %s*", logPrefix, b.id, b.prefix))
	return b, nil
}

// ID returns the process id stamped on published frames.
func (b *Bridge) ID() string { return b.id }

// Prefix returns the topic prefix.
func (b *Bridge) Prefix() string { return b.prefix }

// Publish sends a serialized broadcast for channel. Failures are reported
// as events and never returned.
func (b *Bridge) Publish(channel string, payload []byte) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	topic := commsutil.BroadcastTopic(b.prefix, channel)
	if err := b.ps.Publish(topic, payload); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", logPrefix, topic, err))
		b.fail(rpc.EventTransportError, err)
		return
	}
	slog.Debug(fmt.Sprintf("%s - Published %d bytes to %s", logPrefix, len(payload), topic))
}

func (b *Bridge) receive(topic string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - remote delivery on %s panicked: %v", logPrefix, topic, r))
			b.fail(rpc.EventError, fmt.Errorf("%s - remote delivery panicked: %v", logPrefix, r))
		}
	}()

	channel, ok := commsutil.ChannelFromTopic(b.prefix, topic)
	if !ok {
		return
	}

	var env struct {
		Header *rpc.Header `json:"header"`
	}
	if err := commsutil.DecodePayload(data, &env); err != nil {
		slog.Warn(fmt.Sprintf("%s - malformed frame on %s: %v", logPrefix, topic, err))
		b.fail(rpc.EventError, err)
		return
	}
	if env.Header != nil && env.Header.Server == b.id {
		return
	}

	b.target.DeliverRemote(channel, data)
}

// Close stops publishing and removes the subscription.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.mu.Unlock()

	if unsubscribe == nil {
		return nil
	}
	if err := unsubscribe(); err != nil {
		return fmt.Errorf("%s - unsubscribe: %w", logPrefix, err)
	}
	return nil
}

func (b *Bridge) fail(kind rpc.EventKind, err error) {
	if b.target == nil {
		return
	}
	b.target.Emit(rpc.Event{
		Kind: kind,
		Err:  &rpc.Error{Name: rpc.NameTransport, Code: 500, Message: "broadcast bridge failure", Err: err},
	})
}
