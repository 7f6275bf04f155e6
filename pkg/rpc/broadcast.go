package rpc

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/sockr/pkg/commsutil"
)

const broadcastLogPrefix = "rpc:broadcast"

// Broadcast sends c.Response to every connection except the origin. When the
// header names a channel only that channel's members receive it; otherwise
// every connection of the process does.
func (d *Dispatcher) Broadcast(ctx context.Context, c *Context) error {
	return d.broadcast(ctx, c, false)
}

// All is Broadcast including the origin.
func (d *Dispatcher) All(ctx context.Context, c *Context) error {
	return d.broadcast(ctx, c, true)
}

func (d *Dispatcher) broadcast(ctx context.Context, c *Context, all bool) error {
	if err := prepareBroadcast(c, all); err != nil {
		return err
	}
	if name := c.Response.Header.Channel; name != "" {
		return d.Channel(name).broadcast(ctx, c, all)
	}

	src := d.connSource()
	return d.deliver(ctx, c, all, func(fn func(Conn) bool) {
		if src != nil {
			src.Each(fn)
		}
	})
}

// prepareBroadcast normalizes the response header: origin and channel tags
// are filled from the client and request when absent.
func prepareBroadcast(c *Context, all bool) error {
	if c == nil {
		return validationError("The context is missing.")
	}
	if c.Response == nil {
		return validationError("The context must have a response.")
	}
	if c.Response.Data == nil {
		return validationError("The context response must have data.")
	}

	reqHeader := c.Header()
	if c.Response.Header == nil {
		if reqHeader != nil {
			c.Response.Header = reqHeader
		} else {
			c.Response.Header = &Header{}
		}
	}

	h := c.Response.Header
	if all {
		h.Origin = ""
	} else if h.Origin == "" {
		if c.Client != nil && c.Client.ID() != "" {
			h.Origin = c.Client.ID()
		} else if reqHeader != nil && reqHeader.Origin != "" {
			h.Origin = reqHeader.Origin
		}
	}

	if h.Channel == "" && reqHeader != nil && reqHeader.Channel != "" {
		h.Channel = reqHeader.Channel
	}
	return nil
}

// deliver serializes the response once, sends it to every open target except
// the origin, and publishes it through the bridge.
func (d *Dispatcher) deliver(ctx context.Context, c *Context, all bool, each func(func(Conn) bool)) error {
	h := c.Response.Header
	_, span := d.tracer.Start(ctx, "rpc.broadcast", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("rpc.channel", h.Channel), attribute.Bool("rpc.all", all))

	b := d.Bridge()
	publish := b != nil && b.ID() != h.Origin
	if publish {
		h.Server = b.ID()
	}

	payload, err := commsutil.EncodePayload(c.Response)
	if err != nil {
		return fmt.Errorf("%s - failed to encode broadcast: %w", broadcastLogPrefix, err)
	}

	skip := ""
	if !all {
		skip = h.Origin
		if skip == "" && c.Client != nil {
			skip = c.Client.ID()
		}
	}

	sent := 0
	each(func(conn Conn) bool {
		if skip != "" && conn.ID() == skip {
			return true
		}
		if !conn.IsOpen() {
			return true
		}
		if err := conn.Send(payload); err != nil {
			d.transportError(conn, c, err)
			return true
		}
		sent++
		return true
	})
	span.SetAttributes(attribute.Int("rpc.recipients", sent))
	slog.Debug(fmt.Sprintf("%s - channel=%q sent=%d published=%v", broadcastLogPrefix, h.Channel, sent, publish))

	if publish {
		b.Publish(h.Channel, payload)
	}
	return nil
}

// DeliverRemote fans a frame received from another process out to local
// connections only. Unknown channels are not created.
func (d *Dispatcher) DeliverRemote(channel string, payload []byte) {
	var env struct {
		Header *Header `json:"header"`
	}
	if err := commsutil.DecodePayload(payload, &env); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping malformed remote frame on %q: %v", broadcastLogPrefix, channel, err))
		return
	}
	origin := ""
	if env.Header != nil {
		origin = env.Header.Origin
	}

	var targets []Conn
	if channel != "" {
		ch, ok := d.channels.Lookup(channel)
		if !ok {
			return
		}
		targets = ch.Members()
	} else if src := d.connSource(); src != nil {
		src.Each(func(conn Conn) bool {
			targets = append(targets, conn)
			return true
		})
	}

	for _, conn := range targets {
		if origin != "" && conn.ID() == origin {
			continue
		}
		if !conn.IsOpen() {
			continue
		}
		if err := conn.Send(payload); err != nil {
			d.transportError(conn, nil, err)
		}
	}
}
