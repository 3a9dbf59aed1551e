// Package events provides a typed publish/subscribe registry. Event kinds
// form a closed set per bus; payloads are strongly typed via generics.
package events

import "sync"

// Kind identifies a lifecycle or domain event.
type Kind string

// Connection lifecycle kinds.
const (
	KindConnected       Kind = "connected"
	KindDisconnected    Kind = "disconnected"
	KindReconnecting    Kind = "reconnecting"
	KindReconnectFailed Kind = "reconnect_failed"
	KindStateChange     Kind = "state_change"
	KindLatencyUpdate   Kind = "latency_update"
	KindRoomState       Kind = "room_state"
	KindUserCount       Kind = "user_count"
	KindSystemPresence  Kind = "system_presence"
)

// Presence domain kinds.
const (
	KindUserOnline      Kind = "user_online"
	KindUserOffline     Kind = "user_offline"
	KindPresenceChanged Kind = "presence_changed"
	KindFriendRequest   Kind = "friend_request"
	KindFriendAccepted  Kind = "friend_accepted"
	KindNotification    Kind = "notification"
)

// Token identifies a subscription for removal.
type Token struct {
	id int
}

// Bus is a thread-safe subscription registry keyed by K. Handlers
// registered for a key fire on matching publishes; handlers registered via
// SubscribeAll fire on every publish.
type Bus[K comparable, T any] struct {
	mu   sync.RWMutex
	next int
	subs map[K]map[int]func(T)
	all  map[int]func(T)
	keys map[int]K // token id → key, for Unsubscribe
}

// NewBus creates an empty bus.
func NewBus[K comparable, T any]() *Bus[K, T] {
	return &Bus[K, T]{
		subs: make(map[K]map[int]func(T)),
		all:  make(map[int]func(T)),
		keys: make(map[int]K),
	}
}

// Subscribe registers fn for events published under key.
func (b *Bus[K, T]) Subscribe(key K, fn func(T)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]func(T))
	}
	b.subs[key][id] = fn
	b.keys[id] = key
	return Token{id: id}
}

// SubscribeAll registers fn for every published event regardless of key.
func (b *Bus[K, T]) SubscribeAll(fn func(T)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.all[id] = fn
	return Token{id: id}
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (b *Bus[K, T]) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key, ok := b.keys[tok.id]; ok {
		delete(b.subs[key], tok.id)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
		delete(b.keys, tok.id)
		return
	}
	delete(b.all, tok.id)
}

// Publish delivers v to every handler registered for key, then to every
// all-handler. Handlers run synchronously on the caller's goroutine; the
// handler list is snapshotted so handlers may subscribe or unsubscribe
// without deadlocking.
func (b *Bus[K, T]) Publish(key K, v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.subs[key])+len(b.all))
	for _, fn := range b.subs[key] {
		fns = append(fns, fn)
	}
	for _, fn := range b.all {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered handlers across all keys.
func (b *Bus[K, T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys) + len(b.all)
}
