package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/sockr/pkg/commsutil"
)

// Header keys with dedicated fields. Everything else lands in Header.Extra.
const (
	keyID      = "id"
	keyService = "service"
	keyMethod  = "method"
	keyChannel = "channel"
	keyOrigin  = "origin"
	keyServer  = "server"
)

// Header is the routing header shared by request and response envelopes.
// It encodes as a single flat JSON object.
type Header struct {
	ID      string
	Service string
	Method  string
	Channel string
	Origin  string
	// Server is the bridge id of the process that published a distributed broadcast.
	Server string
	Extra  map[string]any
}

// Get returns a header value by wire key, including Extra keys.
func (h *Header) Get(key string) any {
	switch key {
	case keyID:
		return h.ID
	case keyService:
		return h.Service
	case keyMethod:
		return h.Method
	case keyChannel:
		return h.Channel
	case keyOrigin:
		return h.Origin
	case keyServer:
		return h.Server
	}
	if h.Extra == nil {
		return nil
	}
	return h.Extra[key]
}

// Set stores a header value by wire key.
func (h *Header) Set(key string, v any) {
	if h.setKnown(key, v) {
		return
	}
	if h.Extra == nil {
		h.Extra = make(map[string]any)
	}
	h.Extra[key] = v
}

func (h *Header) setKnown(key string, v any) bool {
	var dst *string
	switch key {
	case keyID:
		dst = &h.ID
	case keyService:
		dst = &h.Service
	case keyMethod:
		dst = &h.Method
	case keyChannel:
		dst = &h.Channel
	case keyOrigin:
		dst = &h.Origin
	case keyServer:
		dst = &h.Server
	default:
		return false
	}
	*dst = headerString(v)
	return true
}

// Clone returns a copy of the header. Extra is copied one level deep.
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}
	out := *h
	if h.Extra != nil {
		out.Extra = make(map[string]any, len(h.Extra))
		for k, v := range h.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

func (h *Header) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(h.Extra)+6)
	for k, v := range h.Extra {
		m[k] = v
	}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put(keyID, h.ID)
	put(keyService, h.Service)
	put(keyMethod, h.Method)
	put(keyChannel, h.Channel)
	put(keyOrigin, h.Origin)
	put(keyServer, h.Server)
	return commsutil.EncodePayload(m)
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := commsutil.DecodePayload(data, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("header must be an object")
	}
	*h = Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return nil
}

// headerString renders a known header value. Numeric ids sent by clients
// become their decimal text.
func headerString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprint(t)
	}
}

// Request is the inbound envelope.
type Request struct {
	Header *Header         `json:"header,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the outbound envelope. A nil Data means "nothing to send".
type Response struct {
	Header *Header    `json:"header,omitempty"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
	Cached bool       `json:"cached,omitempty"`
}
