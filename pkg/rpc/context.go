package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/morezero/sockr/pkg/commsutil"
)

// Conn is a live client connection as seen by the dispatcher and channels.
type Conn interface {
	// ID is unique per process and stable for the life of the connection.
	ID() string
	Send(data []byte) error
	Close(code int, reason string) error
	IsOpen() bool
	// Identity is whatever the authenticator attached, or nil.
	Identity() any
}

// Context is the per-message state that flows through the hook pipeline.
// It is created once per inbound frame or outbound broadcast and never retained.
type Context struct {
	Request  *Request
	Response *Response
	Client   Conn
	App      *Dispatcher
	// Stop short-circuits the remaining pipeline. Nothing further is sent.
	Stop bool
	// Error is set by decoding, validation or a failing hook and routes the
	// context to the error handler.
	Error     error
	StartTime time.Time

	mu     sync.Mutex
	values map[string]any
}

// NewContext creates a context for the given client and request.
func NewContext(client Conn, req *Request) *Context {
	return &Context{
		Request:   req,
		Response:  &Response{},
		Client:    client,
		StartTime: time.Now(),
	}
}

// Decode parses a raw frame into a Context. It never fails: a malformed
// frame yields a context with Error set.
func Decode(frame []byte) *Context {
	c := NewContext(nil, nil)
	var req Request
	if err := commsutil.DecodePayload(frame, &req); err != nil {
		c.Error = &Error{Name: NameValidation, Code: 400, Message: "Malformed request frame.", Err: err}
		return c
	}
	c.Request = &req
	return c
}

// Set stores a value for later hooks of the same pipeline.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Value returns a value stored with Set.
func (c *Context) Value(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// Header returns the request header or nil.
func (c *Context) Header() *Header {
	if c.Request == nil {
		return nil
	}
	return c.Request.Header
}

// Identity returns the authenticated identity of the client, if any.
func (c *Context) Identity() any {
	if c.Client == nil {
		return nil
	}
	return c.Client.Identity()
}

// Params decodes the request params into v. Missing params leave v untouched.
func (c *Context) Params(v any) error {
	if c.Request == nil || len(c.Request.Params) == 0 {
		return nil
	}
	return commsutil.DecodePayload(c.Request.Params, v)
}

// ParamsMap returns the request params as a generic object. Missing params
// yield an empty map.
func (c *Context) ParamsMap() (map[string]any, error) {
	m := map[string]any{}
	if err := c.Params(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// SetParams replaces the request params with the encoding of v.
func (c *Context) SetParams(v any) error {
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		return err
	}
	if c.Request == nil {
		c.Request = &Request{}
	}
	c.Request.Params = json.RawMessage(data)
	return nil
}

type contextKey struct{}

// WithContext attaches c to ctx so service methods can reach the message context.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the message context attached by the dispatcher.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}
