package commsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	comms "github.com/nats-io/nats.go"
)

const pubsubLogPrefix = "commsutil:pubsub"

// NATSPubSub adapts a COMMS connection to prefix-pattern publish/subscribe.
type NATSPubSub struct {
	nc *comms.Conn
}

// NewNATSPubSub wraps nc. The caller keeps ownership of the connection.
func NewNATSPubSub(nc *comms.Conn) *NATSPubSub {
	return &NATSPubSub{nc: nc}
}

// Publish sends data on topic.
func (p *NATSPubSub) Publish(topic string, data []byte) error {
	if err := p.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("%s - publish %s: %w", pubsubLogPrefix, topic, err)
	}
	return nil
}

// SubscribePattern delivers every message whose topic is under prefix, plus
// the server-wide topic. The returned function removes both subscriptions.
func (p *NATSPubSub) SubscribePattern(prefix string, handler func(topic string, data []byte)) (func() error, error) {
	cb := func(msg *comms.Msg) {
		handler(msg.Subject, msg.Data)
	}

	if !strings.HasSuffix(prefix, ".") {
		return nil, fmt.Errorf("%s - prefix %q must end with a dot", pubsubLogPrefix, prefix)
	}
	subjects := []string{ServerWideTopic(prefix), prefix + ">"}

	var subs []*comms.Subscription
	unsubscribe := func() error {
		var errs []error
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, subject := range subjects {
		sub, err := p.nc.Subscribe(subject, cb)
		if err != nil {
			_ = unsubscribe()
			return nil, fmt.Errorf("%s - subscribe %s: %w", pubsubLogPrefix, subject, err)
		}
		subs = append(subs, sub)
		slog.Debug(fmt.Sprintf("%s - Subscribed to %s", pubsubLogPrefix, subject))
	}
	return unsubscribe, nil
}

// Flush waits for the server to process everything published so far.
func (p *NATSPubSub) Flush() error {
	return p.nc.Flush()
}
