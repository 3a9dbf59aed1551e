package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipwatch/realtime/internal/auth"
	"github.com/clipwatch/realtime/internal/events"
	"github.com/clipwatch/realtime/internal/protocol"
	"github.com/clipwatch/realtime/internal/queue"
)

// Manager owns the physical socket, the connection-state machine, the
// heartbeat, the outbound queue, and reconnect scheduling. It knows nothing
// about domain semantics beyond typed envelopes.
type Manager struct {
	cfg    Config
	tokens auth.TokenProvider
	logger *slog.Logger

	lifecycle *events.Bus[events.Kind, Event]
	inbound   *events.Bus[protocol.MessageType, protocol.Envelope]
	outbound  *queue.Ring[protocol.Envelope]

	// Write serialization
	writeMu sync.Mutex

	// State. Every transition happens under mu and is published after the
	// lock is released, so handlers may call back into the Manager.
	mu              sync.Mutex
	conn            *websocket.Conn
	state           State
	closed          bool
	gen             int // connection generation, gates stale read-loop callbacks
	hbStop          chan struct{}
	reconnectTimer  *time.Timer
	heartbeatSentAt time.Time
}

// NewManager creates a Connection Manager. tokens may be nil when the
// server requires no auth; logger nil falls back to slog.Default().
func NewManager(cfg Config, tokens auth.TokenProvider, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		tokens:    tokens,
		logger:    logger,
		lifecycle: events.NewBus[events.Kind, Event](),
		inbound:   events.NewBus[protocol.MessageType, protocol.Envelope](),
		outbound:  queue.New[protocol.Envelope](cfg.QueueCapacity),
		state:     State{Status: StatusIdle},
	}
}

// OnEvent subscribes fn to a lifecycle event kind.
func (m *Manager) OnEvent(kind events.Kind, fn func(Event)) events.Token {
	return m.lifecycle.Subscribe(kind, fn)
}

// OffEvent removes a lifecycle subscription.
func (m *Manager) OffEvent(tok events.Token) {
	m.lifecycle.Unsubscribe(tok)
}

// OnMessage subscribes fn to inbound envelopes of one type.
func (m *Manager) OnMessage(t protocol.MessageType, fn func(protocol.Envelope)) events.Token {
	return m.inbound.Subscribe(t, fn)
}

// OnAnyMessage subscribes fn to every inbound envelope the Manager does not
// consume itself (heartbeat responses and system messages are unwrapped
// into lifecycle events instead).
func (m *Manager) OnAnyMessage(fn func(protocol.Envelope)) events.Token {
	return m.inbound.SubscribeAll(fn)
}

// OffMessage removes a message subscription.
func (m *Manager) OffMessage(tok events.Token) {
	m.inbound.Unsubscribe(tok)
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of envelopes awaiting transmission.
func (m *Manager) QueueLen() int {
	return m.outbound.Len()
}

// Connect dials the server under the given identity and optional room
// scope. It returns once the handshake succeeds or fails; a failed dial
// also schedules automatic reconnection.
func (m *Manager) Connect(ctx context.Context, userID, roomID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state.UserID = userID
	m.state.RoomID = roomID
	m.state.Status = StatusConnecting
	m.state.ReconnectAttempts = 0 // explicit connect starts a fresh cycle
	st := m.state
	m.mu.Unlock()

	m.publish(Event{Kind: events.KindStateChange, State: st})

	conn, err := m.dial(ctx)
	if err != nil {
		m.logger.Warn("connect failed", "url", m.cfg.URL, "error", err)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		evs := m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.publish(evs...)
		return err
	}

	m.install(conn)
	return nil
}

// Send constructs a fresh envelope and transmits it, or queues it when not
// connected. It never returns a transport error; the only error surfaced is
// an unmarshalable payload.
func (m *Manager) Send(t protocol.MessageType, data any) error {
	return m.send(t, data, "")
}

// SendToRoom is Send with an explicit room scope overriding the current one.
func (m *Manager) SendToRoom(t protocol.MessageType, data any, roomID string) error {
	return m.send(t, data, roomID)
}

func (m *Manager) send(t protocol.MessageType, data any, roomOverride string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	userID := m.state.UserID
	room := m.state.RoomID
	if roomOverride != "" {
		room = roomOverride
	}
	connected := m.state.Status == StatusConnected
	conn := m.conn
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(t, data, userID, room)
	if err != nil {
		return err
	}

	if connected {
		if err := m.transmit(conn, env); err == nil {
			return nil
		}
		m.logger.Warn("transmit failed, queueing", "type", t, "id", env.ID)
	}

	if old, evicted := m.outbound.Push(env); evicted {
		m.logger.Warn("outbound queue full, evicted oldest",
			"evicted_type", old.Type,
			"evicted_id", old.ID,
		)
	}
	return nil
}

// JoinRoom switches the connection's room scope, announcing the departure
// from the previous room first.
func (m *Manager) JoinRoom(roomID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := m.state.RoomID
	m.state.RoomID = roomID
	m.mu.Unlock()

	if prev != "" && prev != roomID {
		m.send(protocol.TypeLeaveRoom, nil, prev)
	}
	return m.send(protocol.TypeJoinRoom, nil, roomID)
}

// LeaveRoom clears the room scope and announces the departure.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := m.state.RoomID
	m.state.RoomID = ""
	m.mu.Unlock()

	if prev == "" {
		return nil
	}
	return m.send(protocol.TypeLeaveRoom, nil, prev)
}

// Close is the explicit disconnect. It is terminal for this Manager
// instance: all timers are cancelled, the socket is closed with a normal
// closure frame, and every subsequent callback or method call is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.stopHeartbeatLocked()
	m.stopReconnectTimerLocked()
	conn := m.conn
	m.conn = nil
	wasIdle := m.state.Status == StatusIdle
	if m.state.Status == StatusConnected {
		m.state.LastDisconnectedAt = time.Now()
	}
	m.state.Status = StatusIdle
	st := m.state
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.writeMu.Unlock()
		conn.Close()
	}

	if !wasIdle {
		m.publish(
			Event{Kind: events.KindDisconnected, State: st},
			Event{Kind: events.KindStateChange, State: st},
		)
	}

	m.logger.Info("connection manager closed")
	return nil
}

// dial builds the connection URL (identity, room, cached token as query
// parameters) and performs the handshake within the connect timeout.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	userID := m.state.UserID
	roomID := m.state.RoomID
	m.mu.Unlock()

	var token string
	if m.tokens != nil {
		t, err := m.tokens.Token(ctx)
		if err != nil {
			// Connecting without a token beats not connecting at all.
			m.logger.Warn("token provider failed, dialing unauthenticated", "error", err)
		} else {
			token = t
		}
	}

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("userId", userID)
	if roomID != "" {
		q.Set("roomId", roomID)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: m.cfg.ConnectTimeout,
		Subprotocols:     m.cfg.Subprotocols,
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

// install adopts a freshly dialed socket: transitions to Connected, resets
// the attempt counter, arms the heartbeat, starts the read loop, and
// flushes the outbound queue.
func (m *Manager) install(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.stopReconnectTimerLocked()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state.Status = StatusConnected
	m.state.ReconnectAttempts = 0
	m.state.LastConnectedAt = time.Now()
	m.heartbeatSentAt = time.Time{}
	m.startHeartbeatLocked(gen)
	st := m.state
	m.mu.Unlock()

	m.logger.Info("connected", "user_id", st.UserID, "room_id", st.RoomID)

	m.publish(
		Event{Kind: events.KindConnected, State: st},
		Event{Kind: events.KindStateChange, State: st},
	)

	go m.readLoop(conn, gen)

	m.flushQueue()
}

// transmit serializes and writes one envelope.
func (m *Manager) transmit(conn *websocket.Conn, env protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// flushQueue drains queued envelopes in insertion order, best effort. A
// transmit failure leaves the remaining entries queued for the next
// opportunity.
func (m *Manager) flushQueue() {
	flushed := 0
	for {
		env, ok := m.outbound.Peek()
		if !ok {
			break
		}

		m.mu.Lock()
		conn := m.conn
		connected := m.state.Status == StatusConnected
		m.mu.Unlock()
		if !connected {
			break
		}

		if err := m.transmit(conn, env); err != nil {
			m.logger.Warn("queue flush interrupted", "remaining", m.outbound.Len(), "error", err)
			break
		}
		m.outbound.Pop()
		flushed++
	}

	if flushed > 0 {
		m.logger.Info("flushed outbound queue", "count", flushed)
	}
}

// readLoop reads frames until the socket dies, dispatching parsed
// envelopes. gen gates the disconnect handling so a loop from a previous
// connection cannot disturb the current one.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		env, perr := protocol.Parse(data)
		if perr != nil {
			m.logger.Warn("dropping malformed message", "error", perr)
			continue
		}

		m.dispatch(env)
	}
}

// dispatch classifies an inbound envelope: heartbeat responses feed latency
// measurement, system messages are unwrapped into narrower lifecycle
// events, everything else is re-emitted to message subscribers.
func (m *Manager) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeatResponse:
		m.mu.Lock()
		if m.heartbeatSentAt.IsZero() {
			m.mu.Unlock()
			return
		}
		m.state.Latency = time.Since(m.heartbeatSentAt)
		st := m.state
		m.mu.Unlock()

		m.logger.Debug("heartbeat round trip", "latency", st.Latency)
		m.publish(Event{Kind: events.KindLatencyUpdate, State: st})

	case protocol.TypeSystemMessage:
		var sys protocol.SystemPayload
		if err := json.Unmarshal(env.Data, &sys); err != nil {
			m.logger.Warn("dropping malformed system message", "error", err)
			return
		}

		var kind events.Kind
		switch sys.Event {
		case protocol.SystemRoomState:
			kind = events.KindRoomState
		case protocol.SystemUserCount:
			kind = events.KindUserCount
		case protocol.SystemPresence:
			kind = events.KindSystemPresence
		default:
			m.logger.Debug("unknown system event", "event", sys.Event)
			return
		}
		m.publish(Event{Kind: kind, State: m.State(), Payload: sys.Payload})

	default:
		m.inbound.Publish(env.Type, env)
	}
}

// handleDisconnect reacts to a dead socket. A normal closure goes back to
// Idle; anything else schedules reconnection.
func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state.LastDisconnectedAt = time.Now()
	m.stopHeartbeatLocked()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.state.Status = StatusIdle
		st := m.state
		m.mu.Unlock()

		m.logger.Info("connection closed by server")
		m.publish(
			Event{Kind: events.KindDisconnected, State: st},
			Event{Kind: events.KindStateChange, State: st},
		)
		return
	}

	m.logger.Warn("connection lost", "error", err)
	evs := m.scheduleReconnectLocked(err)
	disconnected := Event{Kind: events.KindDisconnected, State: evs[len(evs)-1].State, Err: err}
	m.mu.Unlock()

	m.publish(append([]Event{disconnected}, evs...)...)
}

// scheduleReconnectLocked arms the single reconnect timer with the backoff
// delay for the next attempt, or transitions to the terminal Failed state
// when attempts are exhausted. Caller holds mu; returned events must be
// published after unlocking.
func (m *Manager) scheduleReconnectLocked(cause error) []Event {
	if m.state.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.state.Status = StatusFailed
		st := m.state
		m.logger.Error("reconnect attempts exhausted",
			"attempts", st.ReconnectAttempts,
			"error", cause,
		)
		return []Event{
			{Kind: events.KindReconnectFailed, State: st, Err: cause},
			{Kind: events.KindStateChange, State: st},
		}
	}

	m.state.ReconnectAttempts++
	attempt := m.state.ReconnectAttempts
	delay := backoffDelay(m.cfg.ReconnectBaseDelay, attempt)
	m.state.Status = StatusReconnecting
	st := m.state

	m.stopReconnectTimerLocked()
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	return []Event{
		{Kind: events.KindReconnecting, State: st, Err: cause},
		{Kind: events.KindStateChange, State: st},
	}
}

// attemptReconnect is the reconnect timer callback.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.closed || m.state.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	attempt := m.state.ReconnectAttempts
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "attempt", attempt)

	conn, err := m.dial(context.Background())
	if err != nil {
		m.mu.Lock()
		if m.closed || m.state.Status != StatusReconnecting {
			m.mu.Unlock()
			return
		}
		evs := m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.publish(evs...)
		return
	}

	m.install(conn)
}

// heartbeatLoop sends a heartbeat envelope on a fixed interval while
// connected. The loop exits when its stop channel closes or the connection
// generation moves on, so at most one loop is ever live.
func (m *Manager) heartbeatLoop(gen int, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed || gen != m.gen || m.state.Status != StatusConnected {
				m.mu.Unlock()
				return
			}
			now := time.Now()
			m.heartbeatSentAt = now
			conn := m.conn
			userID := m.state.UserID
			roomID := m.state.RoomID
			m.mu.Unlock()

			env, err := protocol.NewEnvelope(
				protocol.TypeHeartbeat,
				protocol.HeartbeatPayload{SentAt: now},
				userID, roomID,
			)
			if err != nil {
				continue
			}
			if err := m.transmit(conn, env); err != nil {
				// The read loop notices the dead socket; heartbeats are
				// never queued.
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (m *Manager) startHeartbeatLocked(gen int) {
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.hbStop = stop
	go m.heartbeatLoop(gen, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// publish delivers lifecycle events in order, outside any lock.
func (m *Manager) publish(evs ...Event) {
	for _, ev := range evs {
		m.lifecycle.Publish(ev.Kind, ev)
	}
}
