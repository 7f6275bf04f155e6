// Package rpc routes framed requests from persistent connections to named
// services through a layered hook pipeline, and fans broadcasts out to
// named channels.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/sockr/pkg/commsutil"
)

const logPrefix = "rpc:dispatcher"

const tracerName = "github.com/morezero/sockr/pkg/rpc"

// Publisher forwards serialized broadcasts to other processes.
type Publisher interface {
	// ID identifies this process on the pub/sub transport.
	ID() string
	// Publish sends a broadcast frame for channel. An empty channel means server-wide.
	Publish(channel string, payload []byte)
}

// ConnSource enumerates the live connections of this process.
type ConnSource interface {
	Each(fn func(Conn) bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer overrides the tracer used for dispatch and broadcast spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithObserver registers an event observer at construction time.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observers.add(o)
	}
}

// Dispatcher owns the service registry, app-level hooks and the channel registry.
type Dispatcher struct {
	HookRegistry

	mu       sync.RWMutex
	services map[string]*Service

	channels  *ChannelRegistry
	observers observers
	tracer    trace.Tracer

	wiring sync.RWMutex
	bridge Publisher
	conns  ConnSource
}

// New creates a Dispatcher with no services.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		services: make(map[string]*Service),
		tracer:   otel.Tracer(tracerName),
	}
	d.channels = newChannelRegistry(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Use registers handler under name. Every listed method must exist on the
// handler with a supported signature. Registering a name again replaces it.
func (d *Dispatcher) Use(name string, handler any, methods ...string) error {
	svc, err := newService(name, handler, methods)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, replaced := d.services[name]
	d.services[name] = svc
	d.mu.Unlock()

	if replaced {
		slog.Warn(fmt.Sprintf("%s - Service %s re-registered", logPrefix, name))
	}
	slog.Debug(fmt.Sprintf("%s - Registered service %s methods=%v", logPrefix, name, svc.names))
	return nil
}

// Service returns the registered service entry.
func (d *Dispatcher) Service(name string) (*Service, error) {
	if svc, ok := d.lookup(name); ok {
		return svc, nil
	}
	return nil, NewError(NameServiceNotFound, 404, "The service %s could not be found.", name)
}

// Services returns the registered service names, sorted.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.services))
	for name := range d.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) lookup(name string) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[name]
	return svc, ok
}

// Observe adds an event observer.
func (d *Dispatcher) Observe(o Observer) {
	d.observers.add(o)
}

// Emit delivers an event to every observer.
func (d *Dispatcher) Emit(e Event) {
	d.observers.emit(e)
}

// SetBridge attaches the distributed broadcast publisher. nil detaches it.
func (d *Dispatcher) SetBridge(p Publisher) {
	d.wiring.Lock()
	defer d.wiring.Unlock()
	d.bridge = p
}

// Bridge returns the attached publisher or nil.
func (d *Dispatcher) Bridge() Publisher {
	d.wiring.RLock()
	defer d.wiring.RUnlock()
	return d.bridge
}

// SetConnSource attaches the connection set used by server-wide broadcasts.
func (d *Dispatcher) SetConnSource(src ConnSource) {
	d.wiring.Lock()
	defer d.wiring.Unlock()
	d.conns = src
}

func (d *Dispatcher) connSource() ConnSource {
	d.wiring.RLock()
	defer d.wiring.RUnlock()
	return d.conns
}

// Channels returns the channel registry.
func (d *Dispatcher) Channels() *ChannelRegistry {
	return d.channels
}

// Channel returns the named channel, creating it if needed.
func (d *Dispatcher) Channel(name string) *Channel {
	return d.channels.Channel(name)
}

// Dispatch runs c through validation, hooks and the service method, and
// sends the response. It never returns an error: failures are written to
// c.Error and handed to the most specific error hook.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Context) *Context {
	if c == nil {
		c = &Context{Error: validationError("A nil context was dispatched.")}
	}
	if c.App == nil {
		c.App = d
	}
	if c.Response == nil {
		c.Response = &Response{}
	}

	ctx, span := d.tracer.Start(ctx, "rpc.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	ctx = WithContext(ctx, c)

	errorFn := d.Hooks().ErrorHook()
	if errorFn == nil {
		errorFn = d.DefaultErrorHandler
	}

	if c.Error == nil {
		if err := d.run(ctx, span, c, &errorFn); err != nil {
			c.Error = err
		}
	}

	if c.Error != nil {
		span.RecordError(c.Error)
		span.SetStatus(codes.Error, c.Error.Error())
		d.handleError(ctx, c, errorFn)
	}
	return c
}

func (d *Dispatcher) run(ctx context.Context, span trace.Span, c *Context, errorFn *HookFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = HandlerError(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := validate(c); err != nil {
		return err
	}

	h := c.Request.Header
	if h.ID == "" {
		h.ID = NewID()
	}
	c.Response.Header = h

	span.SetAttributes(
		attribute.String("rpc.system", "sockr"),
		attribute.String("rpc.service", h.Service),
		attribute.String("rpc.method", h.Method),
		attribute.String("rpc.request_id", h.ID),
	)
	slog.Debug(fmt.Sprintf("%s - service=%s method=%s id=%s client=%s", logPrefix, h.Service, h.Method, h.ID, c.Client.ID()))

	if fn := d.errorFor(h.Method); fn != nil {
		*errorFn = fn
	}
	svc, ok := d.lookup(h.Service)
	if !ok {
		return NewError(NameServiceNotFound, 404, "Service %s not found", h.Service)
	}
	if fn := svc.Hooks().ErrorHook(); fn != nil {
		*errorFn = fn
	}
	if !svc.Has(h.Method) {
		return NewError(NameMethodNotFound, 404, "Method %s not found in service %s", h.Method, h.Service)
	}
	if fn := svc.errorFor(h.Method); fn != nil {
		*errorFn = fn
	}

	before := [][]HookFunc{
		d.Hooks().BeforeHooks(),
		d.beforeFor(h.Method),
		svc.Hooks().BeforeHooks(),
		svc.beforeFor(h.Method),
	}
	if stop, err := runHooks(ctx, c, before); stop || err != nil {
		return err
	}

	if !c.Client.IsOpen() {
		slog.Debug(fmt.Sprintf("%s - client %s closed before %s.%s, dropping", logPrefix, c.Client.ID(), h.Service, h.Method))
		c.Stop = true
		return nil
	}

	if c.Response.Data == nil {
		data, err := svc.invoke(ctx, h.Method, c.Request.Params)
		if err != nil {
			return asHandlerError(err)
		}
		c.Response.Data = data
	}
	if c.Stop {
		return nil
	}

	after := [][]HookFunc{
		svc.afterFor(h.Method),
		svc.Hooks().AfterHooks(),
		d.afterFor(h.Method),
		d.Hooks().AfterHooks(),
	}
	if stop, err := runHooks(ctx, c, after); stop || err != nil {
		return err
	}

	if c.Response.Data == nil || !c.Client.IsOpen() {
		return nil
	}
	payload, err := commsutil.EncodePayload(c.Response)
	if err != nil {
		return HandlerError(fmt.Errorf("%s - failed to encode response: %w", logPrefix, err))
	}
	if err := c.Client.Send(payload); err != nil {
		d.transportError(c.Client, c, err)
	}
	return nil
}

func runHooks(ctx context.Context, c *Context, chains [][]HookFunc) (bool, error) {
	for _, chain := range chains {
		for _, fn := range chain {
			if err := fn(ctx, c); err != nil {
				return true, asHandlerError(err)
			}
			if c.Stop {
				return true, nil
			}
		}
	}
	return false, nil
}

// asHandlerError keeps errors that already carry an *Error and wraps the
// rest as HandlerError.
func asHandlerError(err error) error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return HandlerError(err)
}

func validate(c *Context) error {
	switch {
	case c.Client == nil:
		return validationError("No client found.")
	case c.Request == nil:
		return validationError("No request found.")
	case c.Request.Header == nil:
		return validationError("No header found on request.")
	case c.Request.Header.Service == "":
		return validationError("No service found on message header.")
	case c.Request.Header.Method == "":
		return validationError("No method found on message header.")
	}
	return nil
}

// handleError runs the resolved error hook. Its own failures are swallowed.
func (d *Dispatcher) handleError(ctx context.Context, c *Context, fn HookFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - error handler panicked: %v", logPrefix, r))
		}
	}()
	if err := fn(ctx, c); err != nil {
		slog.Debug(fmt.Sprintf("%s - error handler failed: %v", logPrefix, err))
	}
}

// DefaultErrorHandler emits an error event and, unless the context was
// stopped, sends {header, error:{name, message, code}} to the client.
// Custom error hooks may delegate to it.
func (d *Dispatcher) DefaultErrorHandler(_ context.Context, c *Context) error {
	d.Emit(Event{Kind: EventError, Conn: c.Client, Context: c, Err: c.Error})
	if c.Stop || c.Client == nil {
		return nil
	}

	body := ToErrorBody(c.Error)
	if c.Response == nil {
		c.Response = &Response{}
	}
	c.Response.Error = body

	msg := &Response{Header: c.Header(), Error: body}
	payload, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("%s - failed to encode error response: %w", logPrefix, err)
	}
	if err := c.Client.Send(payload); err != nil {
		d.transportError(c.Client, c, err)
		return err
	}
	return nil
}

func (d *Dispatcher) transportError(conn Conn, c *Context, err error) {
	id := ""
	if conn != nil {
		id = conn.ID()
	}
	slog.Warn(fmt.Sprintf("%s - send to %s failed: %v", logPrefix, id, err))
	d.Emit(Event{
		Kind:    EventTransportError,
		Conn:    conn,
		Context: c,
		Err:     &Error{Name: NameTransport, Code: 500, Message: "send failed", Err: err},
	})
}
