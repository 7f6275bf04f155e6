package hookutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/sockr/pkg/rpc"
)

const afterLogPrefix = "hookutil:after"

// StripNulls removes null fields from the response data. With no fields
// every top-level field is checked.
func StripNulls(fields ...string) rpc.HookFunc {
	return stripWhere(fields, func(v any) bool { return v == nil })
}

// StripEmpty removes null and empty-string fields from the response data.
// With no fields every top-level field is checked.
func StripEmpty(fields ...string) rpc.HookFunc {
	return stripWhere(fields, func(v any) bool { return v == nil || v == "" })
}

func stripWhere(fields []string, match func(any) bool) rpc.HookFunc {
	return func(_ context.Context, c *rpc.Context) error {
		return editData(c, func(rec map[string]any) {
			if len(fields) == 0 {
				for k, v := range rec {
					if match(v) {
						delete(rec, k)
					}
				}
				return
			}
			for _, f := range fields {
				if v, ok := lookup(rec, f); ok && match(v) {
					remove(rec, f)
				}
			}
		})
	}
}

// StripFields removes fields from the response data.
func StripFields(fields ...string) rpc.HookFunc {
	mustFields("StripFields", fields)
	return func(_ context.Context, c *rpc.Context) error {
		return editData(c, func(rec map[string]any) {
			for _, f := range fields {
				remove(rec, f)
			}
		})
	}
}

// AddStopTime records the current time in the stopTime header field.
func AddStopTime() rpc.HookFunc {
	return func(_ context.Context, c *rpc.Context) error {
		if h := responseHeader(c); h != nil {
			h.Set("stopTime", time.Now().UTC().Format(time.RFC3339Nano))
		}
		return nil
	}
}

// AddElapsedTime records the milliseconds since the context started in the
// elapsedTime header field.
func AddElapsedTime() rpc.HookFunc {
	return func(_ context.Context, c *rpc.Context) error {
		if c.StartTime.IsZero() {
			return nil
		}
		if h := responseHeader(c); h != nil {
			h.Set("elapsedTime", time.Since(c.StartTime).Milliseconds())
		}
		return nil
	}
}

// RenameField moves from to to in every record that has from.
func RenameField(from, to string) rpc.HookFunc {
	return moveField(from, to, true)
}

// CopyField copies from to to in every record that has from.
func CopyField(from, to string) rpc.HookFunc {
	return moveField(from, to, false)
}

func moveField(from, to string, drop bool) rpc.HookFunc {
	mustFields("RenameField", []string{from})
	mustFields("RenameField", []string{to})
	return func(_ context.Context, c *rpc.Context) error {
		return editData(c, func(rec map[string]any) {
			v, ok := lookup(rec, from)
			if !ok {
				return
			}
			if drop {
				remove(rec, from)
			}
			assign(rec, to, v)
		})
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// FormatDates reformats date fields of the response data with layout, or
// RFC 3339 when layout is empty. Values that do not parse are left as is.
func FormatDates(layout string, fields ...string) rpc.HookFunc {
	mustFields("FormatDates", fields)
	if layout == "" {
		layout = time.RFC3339
	}
	return func(_ context.Context, c *rpc.Context) error {
		return editData(c, func(rec map[string]any) {
			for _, f := range fields {
				v, ok := lookup(rec, f)
				if !ok {
					continue
				}
				if t, ok := parseDate(v); ok {
					assign(rec, f, t.Format(layout))
				}
			}
		})
	}
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, l := range dateLayouts {
			if parsed, err := time.Parse(l, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

// CallService invokes service.method with the keys found in the request
// params, falling back to the response data (its first record for arrays).
// With replaceData the result becomes the response data. A missing key
// fails the request.
func CallService(service, method string, keys []string, replaceData bool) rpc.HookFunc {
	mustFields("CallService", []string{service})
	mustFields("CallService", []string{method})
	mustFields("CallService", keys)
	return func(ctx context.Context, c *rpc.Context) error {
		if c.App == nil {
			return fmt.Errorf("%s - the dispatcher is not attached to the context", afterLogPrefix)
		}
		svc, err := c.App.Service(service)
		if err != nil {
			return err
		}

		params := map[string]any{}
		if p, err := c.ParamsMap(); err == nil {
			for _, k := range keys {
				if v, ok := p[k]; ok && v != nil {
					params[k] = v
				}
			}
		}
		if len(params) < len(keys) && c.Response != nil && c.Response.Data != nil {
			data, err := generic(c.Response.Data)
			if err != nil {
				return err
			}
			if recs := records(data); len(recs) > 0 {
				for _, k := range keys {
					if _, ok := params[k]; ok {
						continue
					}
					if v, ok := recs[0][k]; ok && v != nil {
						params[k] = v
					}
				}
			}
		}
		if len(params) < len(keys) {
			return fmt.Errorf("%s - unable to find all key fields for %s.%s", afterLogPrefix, service, method)
		}

		result, err := svc.Call(ctx, method, params)
		if err != nil {
			return err
		}
		if replaceData {
			c.Response.Data = result
		}
		return nil
	}
}

// Broadcaster re-broadcasts the response to the channel prefix+sep+value,
// where value is key of the response data (the first record that has it
// for arrays). The origin connection is excluded.
func Broadcaster(prefix, key, sep string) rpc.HookFunc {
	mustFields("Broadcaster", []string{key})
	if sep == "" {
		sep = "/"
	}
	return func(ctx context.Context, c *rpc.Context) error {
		if c.App == nil || c.Response == nil || c.Response.Data == nil {
			return nil
		}
		data, err := generic(c.Response.Data)
		if err != nil {
			return err
		}
		for _, rec := range records(data) {
			v, ok := lookup(rec, key)
			if !ok {
				continue
			}
			name, ok := keyString(v)
			if !ok {
				continue
			}
			channel := prefix + sep + name
			header := responseHeader(c).Clone()
			if header == nil {
				header = &rpc.Header{}
			}
			out := &rpc.Context{
				Client:   c.Client,
				App:      c.App,
				Request:  c.Request,
				Response: &rpc.Response{Header: header, Data: c.Response.Data},
			}
			if err := c.App.Channel(channel).Broadcast(ctx, out); err != nil {
				slog.Warn(fmt.Sprintf("%s - broadcast to %s failed: %v", afterLogPrefix, channel, err))
			}
			return nil
		}
		return nil
	}
}

func responseHeader(c *rpc.Context) *rpc.Header {
	if c.Response != nil && c.Response.Header != nil {
		return c.Response.Header
	}
	return c.Header()
}
