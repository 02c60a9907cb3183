package cache

import (
	"context"
	"time"
)

// Cache is the read-through cache in front of workflow state exports.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// ExportKey names the cached flat workflow state for one session. Every
// mutation of that session must invalidate it.
func ExportKey(sessionID string) string {
	return "state:export:" + sessionID
}
