package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/clipwatch/realtime/internal/events"
)

// Errors
var (
	ErrClosed           = errors.New("connection: manager closed")
	ErrAlreadyConnected = errors.New("connection: already connected or connecting")
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// State is a snapshot of the connection-state record. The live record is
// owned exclusively by the Manager; everyone else sees copies.
type State struct {
	Status             Status
	ReconnectAttempts  int           // monotonic per outage, reset on success
	LastConnectedAt    time.Time     // zero until first successful connect
	LastDisconnectedAt time.Time     // zero until first disconnect
	Latency            time.Duration // last measured heartbeat round trip
	UserID             string        // identity scoping the connection
	RoomID             string        // current room scope, may be empty
}

// IsConnected reports whether the snapshot is in the Connected state.
func (s State) IsConnected() bool { return s.Status == StatusConnected }

// IsConnecting reports whether an initial dial is in flight.
func (s State) IsConnecting() bool { return s.Status == StatusConnecting }

// IsReconnecting reports whether a reconnect attempt is scheduled or in flight.
func (s State) IsReconnecting() bool { return s.Status == StatusReconnecting }

// Event is the payload delivered to lifecycle subscribers.
type Event struct {
	Kind    events.Kind
	State   State           // snapshot taken when the event was produced
	Err     error           // cause, for disconnected/reconnect_failed
	Payload json.RawMessage // unwrapped payload, for system-derived events
}

// Config configures a Manager. All fields are overridable at construction;
// zero values fall back to the defaults below.
type Config struct {
	URL                  string        // WebSocket URL, e.g. wss://realtime.clipwatch.tv/ws
	Subprotocols         []string      // Sec-WebSocket-Protocol identifiers
	ReconnectBaseDelay   time.Duration // delay before reconnect attempt 1; doubles per attempt
	MaxReconnectAttempts int           // attempts before the terminal Failed state
	HeartbeatInterval    time.Duration // interval between heartbeat envelopes
	ConnectTimeout       time.Duration // dial handshake deadline
	WriteTimeout         time.Duration // per-frame write deadline
	QueueCapacity        int           // outbound queue bound (oldest evicted when full)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:   5 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		QueueCapacity:        100,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
}

// backoffDelay returns the reconnect delay for the given attempt number
// (1-based): base × 2^(attempt−1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
