// Package cache stores serialized responses keyed by request parameters.
package cache

import (
	"context"
	"strings"
	"time"
)

// DefaultSeparator joins key parts.
const DefaultSeparator = "-"

// Store is a byte-valued key store with optional expiry. A zero ttl keeps
// the entry until it is deleted.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key joins prefix and parts with sep, or DefaultSeparator if sep is empty.
func Key(prefix, sep string, parts ...string) string {
	if sep == "" {
		sep = DefaultSeparator
	}
	return strings.Join(append([]string{prefix}, parts...), sep)
}
