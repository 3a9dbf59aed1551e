// Package auth provides the bearer-token boundary for connection URLs.
// Token acquisition itself lives outside this subsystem; callers inject a
// TokenProvider and the connection layer embeds the token as a query
// parameter when dialing.
package auth

import (
	"context"
	"errors"

	"github.com/clipwatch/realtime/internal/store"
)

// TokenKey is the store key under which the cached token lives.
const TokenKey = "auth_token"

// TokenProvider supplies the bearer token for connection URLs.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, typically from configuration.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// Cached decorates a provider with read-through/write-through caching in
// the key-value store, so reconnects reuse the last issued token.
type Cached struct {
	Provider TokenProvider
	Store    store.Store
}

func (c *Cached) Token(ctx context.Context) (string, error) {
	if v, err := c.Store.Get(ctx, TokenKey); err == nil && len(v) > 0 {
		return string(v), nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	tok, err := c.Provider.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok != "" {
		// Best effort; a failed cache write never blocks connecting.
		_ = c.Store.Set(ctx, TokenKey, []byte(tok))
	}
	return tok, nil
}

// Invalidate drops the cached token, forcing the next Token call through
// to the underlying provider.
func (c *Cached) Invalidate(ctx context.Context) error {
	return c.Store.Delete(ctx, TokenKey)
}
