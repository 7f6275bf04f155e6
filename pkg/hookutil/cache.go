package hookutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/sockr/pkg/cache"
	"github.com/morezero/sockr/pkg/commsutil"
	"github.com/morezero/sockr/pkg/rpc"
)

const cacheLogPrefix = "hookutil:cache"

// CacheKey describes how a cache key is built from request params:
// Prefix, then the value of each of Keys, joined by Sep.
type CacheKey struct {
	Prefix string
	Keys   []string
	Sep    string
}

// build returns the key, or false when a key param is missing or empty.
func (k CacheKey) build(c *rpc.Context) (string, bool) {
	params, err := c.ParamsMap()
	if err != nil {
		return "", false
	}
	parts := make([]string, 0, len(k.Keys))
	for _, name := range k.Keys {
		v, ok := lookup(params, name)
		if !ok {
			return "", false
		}
		s, ok := keyString(v)
		if !ok {
			return "", false
		}
		parts = append(parts, s)
	}
	return cache.Key(k.Prefix, k.Sep, parts...), true
}

func (k CacheKey) validate(name string, store cache.Store) {
	if store == nil {
		panic(fmt.Sprintf("%s - %s requires a store", cacheLogPrefix, name))
	}
	mustFields(name, []string{k.Prefix})
	mustFields(name, k.Keys)
}

// GetCache is a before hook that serves the response from store on a hit
// and marks it cached, which skips the service call. Store failures are
// logged and treated as misses.
func GetCache(store cache.Store, key CacheKey) rpc.HookFunc {
	key.validate("GetCache", store)
	return func(ctx context.Context, c *rpc.Context) error {
		k, ok := key.build(c)
		if !ok {
			return nil
		}
		value, hit, err := store.Get(ctx, k)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - get %s: %v", cacheLogPrefix, k, err))
			return nil
		}
		if !hit {
			return nil
		}
		c.Response.Data = json.RawMessage(value)
		c.Response.Cached = true
		return nil
	}
}

// SetCache is an after hook that stores the response data under the key
// for ttl (zero keeps it). Responses served from cache are not stored again.
func SetCache(store cache.Store, key CacheKey, ttl time.Duration) rpc.HookFunc {
	key.validate("SetCache", store)
	return func(ctx context.Context, c *rpc.Context) error {
		if c.Response == nil || c.Response.Cached || c.Response.Data == nil {
			return nil
		}
		k, ok := key.build(c)
		if !ok {
			return nil
		}
		value, err := commsutil.EncodePayload(c.Response.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - encode %s: %v", cacheLogPrefix, k, err))
			return nil
		}
		if err := store.Set(ctx, k, value, ttl); err != nil {
			slog.Warn(fmt.Sprintf("%s - set %s: %v", cacheLogPrefix, k, err))
		}
		return nil
	}
}

// DelCache deletes the key, typically after a write method.
func DelCache(store cache.Store, key CacheKey) rpc.HookFunc {
	key.validate("DelCache", store)
	return func(ctx context.Context, c *rpc.Context) error {
		k, ok := key.build(c)
		if !ok {
			return nil
		}
		if err := store.Delete(ctx, k); err != nil {
			slog.Warn(fmt.Sprintf("%s - delete %s: %v", cacheLogPrefix, k, err))
		}
		return nil
	}
}
