package hookutil

import (
	"context"
	"slices"
	"time"

	"github.com/morezero/sockr/pkg/rpc"
)

// AddStartTime resets the context start time and records it in the
// startTime header field.
func AddStartTime() rpc.HookFunc {
	return func(_ context.Context, c *rpc.Context) error {
		now := time.Now()
		c.StartTime = now
		if h := c.Header(); h != nil {
			h.Set("startTime", now.UTC().Format(time.RFC3339Nano))
		}
		return nil
	}
}

// AddParam sets field in the request params to value.
func AddParam(field string, value any) rpc.HookFunc {
	mustFields("AddParam", []string{field})
	return func(_ context.Context, c *rpc.Context) error {
		return editParams(c, func(p map[string]any) { assign(p, field, value) })
	}
}

// AddAuthToParam copies authField of the connection identity into
// paramField. Unauthenticated connections and missing fields are skipped.
func AddAuthToParam(authField, paramField string) rpc.HookFunc {
	mustFields("AddAuthToParam", []string{authField})
	mustFields("AddAuthToParam", []string{paramField})
	return func(_ context.Context, c *rpc.Context) error {
		identity := c.Identity()
		if identity == nil {
			return nil
		}
		model, err := generic(identity)
		if err != nil {
			return err
		}
		m, ok := model.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := lookup(m, authField)
		if !ok {
			return nil
		}
		return editParams(c, func(p map[string]any) { assign(p, paramField, v) })
	}
}

// StripParams removes fields from the request params.
func StripParams(fields ...string) rpc.HookFunc {
	mustFields("StripParams", fields)
	return func(_ context.Context, c *rpc.Context) error {
		if c.Request == nil || len(c.Request.Params) == 0 {
			return nil
		}
		return editParams(c, func(p map[string]any) {
			for _, f := range fields {
				remove(p, f)
			}
		})
	}
}

// SetDate sets field to now plus offset as an RFC 3339 timestamp. With
// onlyIfMissing an existing value is kept.
func SetDate(field string, offset time.Duration, onlyIfMissing bool) rpc.HookFunc {
	mustFields("SetDate", []string{field})
	return func(_ context.Context, c *rpc.Context) error {
		stamp := time.Now().Add(offset).UTC().Format(time.RFC3339Nano)
		return editParams(c, func(p map[string]any) {
			if _, ok := lookup(p, field); ok && onlyIfMissing {
				return
			}
			assign(p, field, stamp)
		})
	}
}

// AcceptMethods rejects every method not listed.
func AcceptMethods(methods ...string) rpc.HookFunc {
	mustFields("AcceptMethods", methods)
	return func(_ context.Context, c *rpc.Context) error {
		h := c.Header()
		if h == nil || h.Method == "" {
			return rpc.NewError(rpc.NameValidation, 400, "A valid request method was not found.")
		}
		if !slices.Contains(methods, h.Method) {
			return notAllowed(h.Method)
		}
		return nil
	}
}

// RejectMethods rejects the listed methods and accepts all others.
func RejectMethods(methods ...string) rpc.HookFunc {
	mustFields("RejectMethods", methods)
	return func(_ context.Context, c *rpc.Context) error {
		if h := c.Header(); h != nil && slices.Contains(methods, h.Method) {
			return notAllowed(h.Method)
		}
		return nil
	}
}

func notAllowed(method string) error {
	return rpc.NewError(rpc.NameValidation, 405, "The method %s is not allowed.", method)
}
