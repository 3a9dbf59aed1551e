// Package store provides the persisted key-value collaborator used for
// caching auth tokens, preferences, and offline notification/friend
// snapshots. Values are opaque bytes; callers serialize however they like.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// Store is a pass-through key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
