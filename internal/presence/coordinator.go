package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipwatch/realtime/internal/connection"
	"github.com/clipwatch/realtime/internal/events"
	"github.com/clipwatch/realtime/internal/protocol"
	"github.com/clipwatch/realtime/internal/store"
)

// Store keys for offline snapshots.
const (
	prefsKey         = "presence:preferences"
	friendsKey       = "presence:friends"
	notificationsKey = "presence:notifications"
)

// Conn is the slice of the Connection Manager the coordinator consumes.
// *connection.Manager satisfies it; tests swap in a fake.
type Conn interface {
	Send(t protocol.MessageType, data any) error
	State() connection.State
	OnEvent(kind events.Kind, fn func(connection.Event)) events.Token
	OnMessage(t protocol.MessageType, fn func(protocol.Envelope)) events.Token
	OffEvent(tok events.Token)
	OffMessage(tok events.Token)
}

// Coordinator derives the presence/social/notification model from inbound
// messages and translates local intent into outbound ones. Presence is soft
// state: local mutations apply optimistically before any server round trip.
type Coordinator struct {
	conn   Conn
	store  store.Store
	cfg    Config
	id     Identity
	logger *slog.Logger

	bus *events.Bus[events.Kind, DomainEvent]

	mu            sync.Mutex
	closed        bool
	degraded      bool // no live connection; remote presence is unknown
	self          UserPresence
	prefs         Preferences
	online        map[string]*UserPresence
	recent        []UserPresence // most recent first, capped
	friends       map[string]*UserPresence
	onlineFriends map[string]struct{}
	incoming      map[string]*FriendRequest
	outgoing      map[string]*FriendRequest
	notifications map[string]*Notification
	lastActivity  time.Time
	awayTimer     *time.Timer
	stop          chan struct{}

	eventToks []events.Token
	msgToks   []events.Token
}

// NewCoordinator creates a Presence Coordinator for the given identity.
// logger nil falls back to slog.Default().
func NewCoordinator(conn Conn, st store.Store, cfg Config, id Identity, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		conn:          conn,
		store:         st,
		cfg:           cfg,
		id:            id,
		logger:        logger.With("user_id", id.UserID),
		bus:           events.NewBus[events.Kind, DomainEvent](),
		online:        make(map[string]*UserPresence),
		friends:       make(map[string]*UserPresence),
		onlineFriends: make(map[string]struct{}),
		incoming:      make(map[string]*FriendRequest),
		outgoing:      make(map[string]*FriendRequest),
		notifications: make(map[string]*Notification),
	}
}

// On subscribes fn to a presence-domain event kind.
func (c *Coordinator) On(kind events.Kind, fn func(DomainEvent)) events.Token {
	return c.bus.Subscribe(kind, fn)
}

// Off removes a domain subscription.
func (c *Coordinator) Off(tok events.Token) {
	c.bus.Unsubscribe(tok)
}

// Start builds the initial presence record, loads persisted snapshots,
// hooks into the connection, announces, and starts the periodic loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("presence: coordinator already started")
	}

	now := time.Now()
	c.self = UserPresence{
		UserID:      c.id.UserID,
		Username:    c.id.Username,
		DisplayName: c.id.DisplayName,
		AvatarURL:   c.id.AvatarURL,
		Status:      StatusOnline,
		Activity:    Activity{Type: ActivityBrowsing, StartedAt: now, Public: true},
		LastSeen:    now,
		IsOnline:    true,
	}
	c.prefs = Preferences{
		ShareActivity:        true,
		ShareLocation:        true,
		NotifyOnFriendOnline: true,
		AutoAway:             c.cfg.AutoAway,
	}
	c.lastActivity = now
	c.loadStateLocked(ctx)

	c.stop = make(chan struct{})
	c.resetAwayTimerLocked()
	c.mu.Unlock()

	c.eventToks = append(c.eventToks,
		c.conn.OnEvent(events.KindConnected, c.handleConnected),
		c.conn.OnEvent(events.KindDisconnected, c.handleDisconnected),
	)
	handlers := map[protocol.MessageType]func(protocol.Envelope){
		protocol.TypeUserOnline:       c.handleUserOnline,
		protocol.TypeUserOffline:      c.handleUserOffline,
		protocol.TypePresenceUpdate:   c.handlePresenceUpdate,
		protocol.TypeActivityUpdate:   c.handleActivityUpdate,
		protocol.TypeLocationUpdate:   c.handleLocationUpdate,
		protocol.TypeFriendRequest:    c.handleFriendRequest,
		protocol.TypeFriendResponse:   c.handleFriendResponse,
		protocol.TypeNotification:     c.handleNotification,
		protocol.TypeNotificationRead: c.handleNotificationRead,
	}
	for t, fn := range handlers {
		c.msgToks = append(c.msgToks, c.conn.OnMessage(t, fn))
	}

	c.announce()
	go c.run()

	c.logger.Info("presence coordinator started")
	return nil
}

// Close tears down timers and subscriptions, announces offline if a
// presence existed, and clears all in-memory maps. Terminal.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.awayTimer != nil {
		c.awayTimer.Stop()
		c.awayTimer = nil
	}
	started := c.stop != nil
	if started {
		close(c.stop)
	}
	hadPresence := c.self.UserID != ""
	farewell := c.self
	farewell.Status = StatusOffline
	farewell.IsOnline = false

	c.persistNotificationsLocked()
	c.persistFriendsLocked()

	c.online = map[string]*UserPresence{}
	c.recent = nil
	c.friends = map[string]*UserPresence{}
	c.onlineFriends = map[string]struct{}{}
	c.incoming = map[string]*FriendRequest{}
	c.outgoing = map[string]*FriendRequest{}
	c.notifications = map[string]*Notification{}
	c.mu.Unlock()

	for _, tok := range c.eventToks {
		c.conn.OffEvent(tok)
	}
	for _, tok := range c.msgToks {
		c.conn.OffMessage(tok)
	}

	if hadPresence && started {
		c.conn.Send(protocol.TypePresenceUpdate, farewell)
	}

	c.logger.Info("presence coordinator closed")
	return nil
}

// Self returns a snapshot of the local presence record.
func (c *Coordinator) Self() UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Preferences returns the local preference snapshot.
func (c *Coordinator) Preferences() Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// SetPreferences replaces the local preferences and persists them.
func (c *Coordinator) SetPreferences(p Preferences) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if p.AutoAway <= 0 {
		p.AutoAway = c.cfg.AutoAway
	}
	c.prefs = p
	c.resetAwayTimerLocked()
	c.mu.Unlock()

	c.persist(prefsKey, p)
	return nil
}

// SetStatus updates the local status optimistically and announces it.
func (c *Coordinator) SetStatus(s Status) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	now := time.Now()
	c.self.Status = s
	c.self.LastSeen = now
	c.lastActivity = now
	c.resetAwayTimerLocked()
	snapshot := c.self
	c.mu.Unlock()

	c.conn.Send(protocol.TypePresenceUpdate, snapshot)
	c.bus.Publish(events.KindPresenceChanged, DomainEvent{Kind: events.KindPresenceChanged, User: snapshot})
	return nil
}

// UpdateActivity updates the local activity record, resets the inactivity
// timer, and announces the change.
func (c *Coordinator) UpdateActivity(a Activity) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	now := time.Now()
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	c.self.Activity = a
	c.self.LastSeen = now
	c.lastActivity = now
	c.resetAwayTimerLocked()
	share := c.prefs.ShareActivity
	c.mu.Unlock()

	if share {
		c.conn.Send(protocol.TypeActivityUpdate, a)
	}
	return nil
}

// UpdateLocation updates the local location record and announces it.
func (c *Coordinator) UpdateLocation(l Location) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.self.Location = l
	c.self.LastSeen = time.Now()
	share := c.prefs.ShareLocation
	c.mu.Unlock()

	if share {
		c.conn.Send(protocol.TypeLocationUpdate, l)
	}
	return nil
}

// OnlineUsers returns the known online users, or nil while disconnected
// (remote presence is unknown without a live connection).
func (c *Coordinator) OnlineUsers() []UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return nil
	}
	out := make([]UserPresence, 0, len(c.online))
	for _, u := range c.online {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// RecentlyOnline returns the capped most-recently-offline list, newest first.
func (c *Coordinator) RecentlyOnline() []UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]UserPresence, len(c.recent))
	copy(out, c.recent)
	return out
}

// Friends returns the friend list with last known presence.
func (c *Coordinator) Friends() []UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]UserPresence, 0, len(c.friends))
	for _, u := range c.friends {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// OnlineFriends returns the friends currently online, or nil while
// disconnected.
func (c *Coordinator) OnlineFriends() []UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return nil
	}
	out := make([]UserPresence, 0, len(c.onlineFriends))
	for id := range c.onlineFriends {
		if u, ok := c.friends[id]; ok {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// SendFriendRequest builds and transmits a pending friend request.
func (c *Coordinator) SendFriendRequest(toUserID, toUsername, message string) (FriendRequest, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return FriendRequest{}, ErrClosed
	}
	req := FriendRequest{
		ID:           uuid.NewString(),
		FromUserID:   c.id.UserID,
		FromUsername: c.id.Username,
		ToUserID:     toUserID,
		ToUsername:   toUsername,
		Message:      message,
		Status:       RequestPending,
		CreatedAt:    time.Now(),
	}
	stored := req
	c.outgoing[req.ID] = &stored
	c.mu.Unlock()

	c.conn.Send(protocol.TypeFriendRequest, req)
	return req, nil
}

// PendingFriendRequests returns incoming requests awaiting a decision.
func (c *Coordinator) PendingFriendRequests() []FriendRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FriendRequest, 0, len(c.incoming))
	for _, r := range c.incoming {
		if r.Status == RequestPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RespondToFriendRequest decides an incoming request. Acceptance inserts
// the requester into the friend list; the decision is transmitted so the
// remote side performs the symmetric update.
func (c *Coordinator) RespondToFriendRequest(requestID string, accept bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	req, ok := c.incoming[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status != RequestPending {
		c.mu.Unlock()
		return ErrAlreadyDecided
	}

	if accept {
		req.Status = RequestAccepted
	} else {
		req.Status = RequestRejected
	}
	req.RespondedAt = time.Now()
	decided := *req

	if accept {
		c.addFriendLocked(UserPresence{
			UserID:   req.FromUserID,
			Username: req.FromUsername,
		})
		c.persistFriendsLocked()
	}
	c.mu.Unlock()

	c.conn.Send(protocol.TypeFriendResponse, decided)
	if accept {
		c.bus.Publish(events.KindFriendAccepted, DomainEvent{Kind: events.KindFriendAccepted, Request: decided})
	}
	return nil
}

// CancelFriendRequest cancels an outgoing pending request.
func (c *Coordinator) CancelFriendRequest(requestID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	req, ok := c.outgoing[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status != RequestPending {
		c.mu.Unlock()
		return ErrAlreadyDecided
	}
	req.Status = RequestCancelled
	req.RespondedAt = time.Now()
	cancelled := *req
	c.mu.Unlock()

	c.conn.Send(protocol.TypeFriendResponse, cancelled)
	return nil
}

// CreateNotification stores a notification locally and, when it is
// socially directed (has a counterpart user), transmits it.
func (c *Coordinator) CreateNotification(n Notification) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	id := c.addNotificationLocked(n)
	stored := *c.notifications[id]
	c.persistNotificationsLocked()
	c.mu.Unlock()

	if stored.FromUserID != "" && stored.FromUserID != c.id.UserID {
		c.conn.Send(protocol.TypeNotification, stored)
	}
	c.bus.Publish(events.KindNotification, DomainEvent{Kind: events.KindNotification, Notification: stored})
	return id, nil
}

// Notifications returns unarchived, unexpired notifications, newest first.
// Expiry is re-checked here regardless of sweep timing.
func (c *Coordinator) Notifications(includeArchived bool) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]Notification, 0, len(c.notifications))
	for _, n := range c.notifications {
		if n.Expired(now) {
			continue
		}
		if n.Archived && !includeArchived {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UnreadCount returns the number of unread, unarchived, unexpired
// notifications.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for _, n := range c.notifications {
		if !n.Read && !n.Archived && !n.Expired(now) {
			count++
		}
	}
	return count
}

// MarkNotificationRead flips the read flag locally and transmits a
// best-effort read marker so other devices of the same identity can sync.
func (c *Coordinator) MarkNotificationRead(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	n, ok := c.notifications[id]
	if !ok || n.Expired(time.Now()) {
		c.mu.Unlock()
		return nil
	}
	n.Read = true
	c.persistNotificationsLocked()
	c.mu.Unlock()

	if c.conn.State().IsConnected() {
		c.conn.Send(protocol.TypeNotificationRead, map[string]string{"notificationId": id})
	}
	return nil
}

// ArchiveNotification flips the archived flag. Local-only.
func (c *Coordinator) ArchiveNotification(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if n, ok := c.notifications[id]; ok {
		n.Archived = true
		c.persistNotificationsLocked()
	}
	return nil
}

// ClearNotifications drops the whole inbox.
func (c *Coordinator) ClearNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.notifications = map[string]*Notification{}
	c.persistNotificationsLocked()
	return nil
}

// announce transmits the full local presence record. Announcements are
// skipped while disconnected; the connected handler re-announces instead.
func (c *Coordinator) announce() {
	if !c.conn.State().IsConnected() {
		return
	}
	c.mu.Lock()
	snapshot := c.self
	c.mu.Unlock()
	c.conn.Send(protocol.TypePresenceUpdate, snapshot)
}

// run drives the three periodic loops until Close.
func (c *Coordinator) run() {
	announce := time.NewTicker(c.cfg.AnnounceInterval)
	inactivity := time.NewTicker(c.cfg.InactivityCheck)
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer announce.Stop()
	defer inactivity.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-announce.C:
			c.announce()
		case <-inactivity.C:
			c.checkInactivity()
		case <-sweep.C:
			c.sweepExpired()
		}
	}
}

// resetAwayTimerLocked re-arms the single inactivity timer. Caller holds mu.
func (c *Coordinator) resetAwayTimerLocked() {
	if c.awayTimer != nil {
		c.awayTimer.Stop()
	}
	c.awayTimer = time.AfterFunc(c.prefs.AutoAway, c.autoAway)
}

// autoAway fires when the inactivity timer elapses.
func (c *Coordinator) autoAway() {
	c.mu.Lock()
	if c.closed || c.self.Status != StatusOnline {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastActivity) < c.prefs.AutoAway {
		// A racing activity update got in first; the timer it armed wins.
		c.mu.Unlock()
		return
	}
	c.self.Status = StatusAway
	c.self.LastSeen = time.Now()
	snapshot := c.self
	c.mu.Unlock()

	c.logger.Debug("auto-away after inactivity")
	c.conn.Send(protocol.TypePresenceUpdate, snapshot)
	c.bus.Publish(events.KindPresenceChanged, DomainEvent{Kind: events.KindPresenceChanged, User: snapshot})
}

// checkInactivity is the coarse periodic backstop against timer drift.
func (c *Coordinator) checkInactivity() {
	c.mu.Lock()
	idle := c.self.Status == StatusOnline && time.Since(c.lastActivity) >= c.prefs.AutoAway
	c.mu.Unlock()
	if idle {
		c.autoAway()
	}
}

// sweepExpired purges notifications past their expiry.
func (c *Coordinator) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := time.Now()
	purged := 0
	for id, n := range c.notifications {
		if n.Expired(now) {
			delete(c.notifications, id)
			purged++
		}
	}
	if purged > 0 {
		c.logger.Debug("purged expired notifications", "count", purged)
		c.persistNotificationsLocked()
	}
}

// handleConnected re-announces presence on every (re)connect.
func (c *Coordinator) handleConnected(connection.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.degraded = false
	snapshot := c.self
	c.mu.Unlock()

	c.conn.Send(protocol.TypePresenceUpdate, snapshot)
}

// handleDisconnected degrades remote presence to unknown.
func (c *Coordinator) handleDisconnected(connection.Event) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
}

func (c *Coordinator) handleUserOnline(env protocol.Envelope) {
	var u UserPresence
	if err := json.Unmarshal(env.Data, &u); err != nil {
		c.logger.Warn("malformed user_online payload", "error", err)
		return
	}
	if u.UserID == "" {
		u.UserID = env.UserID
	}
	if u.UserID == "" || u.UserID == c.id.UserID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.degraded = false
	u.IsOnline = true
	if u.Status == "" {
		u.Status = StatusOnline
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now()
	}
	stored := u
	c.online[u.UserID] = &stored

	_, isFriend := c.friends[u.UserID]
	var friendNote Notification
	notify := false
	if isFriend {
		friendCopy := stored
		c.friends[u.UserID] = &friendCopy
		c.onlineFriends[u.UserID] = struct{}{}
		if c.prefs.NotifyOnFriendOnline {
			id := c.addNotificationLocked(Notification{
				Type:         NotificationFriendOnline,
				Title:        u.Username + " is online",
				Priority:     PriorityLow,
				Category:     "social",
				FromUserID:   u.UserID,
				FromUsername: u.Username,
				Silent:       true,
				ExpiresAt:    time.Now().Add(time.Hour),
			})
			friendNote = *c.notifications[id]
			notify = true
		}
	}
	c.mu.Unlock()

	c.bus.Publish(events.KindUserOnline, DomainEvent{Kind: events.KindUserOnline, User: stored})
	if notify {
		c.bus.Publish(events.KindNotification, DomainEvent{Kind: events.KindNotification, Notification: friendNote})
	}
}

func (c *Coordinator) handleUserOffline(env protocol.Envelope) {
	userID := env.UserID
	if userID == "" {
		var payload struct {
			UserID string `json:"userId"`
		}
		json.Unmarshal(env.Data, &payload)
		userID = payload.UserID
	}
	if userID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	u, ok := c.online[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.online, userID)
	delete(c.onlineFriends, userID)

	u.IsOnline = false
	u.Status = StatusOffline
	u.LastSeen = time.Now()
	snapshot := *u

	if f, isFriend := c.friends[userID]; isFriend {
		*f = snapshot
	}

	// Demote to the capped recently-online list, newest first.
	c.recent = append([]UserPresence{snapshot}, c.recent...)
	if len(c.recent) > c.cfg.RecentlyOnlineCap {
		c.recent = c.recent[:c.cfg.RecentlyOnlineCap]
	}
	c.mu.Unlock()

	c.bus.Publish(events.KindUserOffline, DomainEvent{Kind: events.KindUserOffline, User: snapshot})
}

// handlePresenceUpdate patches the status of an already-known user.
// Presence for unknown users is never fabricated.
func (c *Coordinator) handlePresenceUpdate(env protocol.Envelope) {
	var u UserPresence
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return
	}
	userID := u.UserID
	if userID == "" {
		userID = env.UserID
	}
	if userID == "" || userID == c.id.UserID {
		return
	}

	c.mu.Lock()
	known, ok := c.online[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if u.Status != "" {
		known.Status = u.Status
	}
	known.LastSeen = time.Now()
	snapshot := *known
	if f, isFriend := c.friends[userID]; isFriend {
		*f = snapshot
	}
	c.mu.Unlock()

	c.bus.Publish(events.KindPresenceChanged, DomainEvent{Kind: events.KindPresenceChanged, User: snapshot})
}

func (c *Coordinator) handleActivityUpdate(env protocol.Envelope) {
	if env.UserID == "" || env.UserID == c.id.UserID {
		return
	}
	var a Activity
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if known, ok := c.online[env.UserID]; ok {
		known.Activity = a
		known.LastSeen = time.Now()
	}
}

func (c *Coordinator) handleLocationUpdate(env protocol.Envelope) {
	if env.UserID == "" || env.UserID == c.id.UserID {
		return
	}
	var l Location
	if err := json.Unmarshal(env.Data, &l); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if known, ok := c.online[env.UserID]; ok {
		known.Location = l
		known.LastSeen = time.Now()
	}
}

// handleFriendRequest appends an incoming request and raises an actionable
// notification.
func (c *Coordinator) handleFriendRequest(env protocol.Envelope) {
	var req FriendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.ID == "" {
		c.logger.Warn("malformed friend_request payload")
		return
	}
	if req.ToUserID != "" && req.ToUserID != c.id.UserID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.incoming[req.ID]; dup {
		c.mu.Unlock()
		return
	}
	req.Status = RequestPending
	stored := req
	c.incoming[req.ID] = &stored

	noteID := c.addNotificationLocked(Notification{
		Type:         NotificationFriendRequest,
		Title:        "Friend request",
		Message:      req.FromUsername + " wants to be friends",
		Priority:     PriorityNormal,
		Category:     "social",
		FromUserID:   req.FromUserID,
		FromUsername: req.FromUsername,
		Actions: []NotificationAction{
			{ID: "accept", Label: "Accept", Style: "primary"},
			{ID: "reject", Label: "Reject", Style: "destructive"},
		},
		Tags: []string{"friend_request", req.ID},
	})
	note := *c.notifications[noteID]
	c.mu.Unlock()

	c.bus.Publish(events.KindFriendRequest, DomainEvent{Kind: events.KindFriendRequest, Request: stored})
	c.bus.Publish(events.KindNotification, DomainEvent{Kind: events.KindNotification, Notification: note})
}

// handleFriendResponse settles an outgoing request.
func (c *Coordinator) handleFriendResponse(env protocol.Envelope) {
	var req FriendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.ID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	sent, ok := c.outgoing[req.ID]
	if !ok || sent.Status != RequestPending {
		c.mu.Unlock()
		return
	}
	sent.Status = req.Status
	sent.RespondedAt = time.Now()
	decided := *sent

	accepted := req.Status == RequestAccepted
	if accepted {
		c.addFriendLocked(UserPresence{
			UserID:   sent.ToUserID,
			Username: sent.ToUsername,
		})
		c.persistFriendsLocked()
	}
	c.mu.Unlock()

	if accepted {
		c.bus.Publish(events.KindFriendAccepted, DomainEvent{Kind: events.KindFriendAccepted, Request: decided})
	}
}

// handleNotification stores a wire-delivered notification.
func (c *Coordinator) handleNotification(env protocol.Envelope) {
	var n Notification
	if err := json.Unmarshal(env.Data, &n); err != nil {
		c.logger.Warn("malformed notification payload", "error", err)
		return
	}
	if n.Expired(time.Now()) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if n.ID != "" {
		if _, dup := c.notifications[n.ID]; dup {
			c.mu.Unlock()
			return
		}
	}
	id := c.addNotificationLocked(n)
	stored := *c.notifications[id]
	c.persistNotificationsLocked()
	c.mu.Unlock()

	c.bus.Publish(events.KindNotification, DomainEvent{Kind: events.KindNotification, Notification: stored})
}

// handleNotificationRead syncs a read flag from another device.
func (c *Coordinator) handleNotificationRead(env protocol.Envelope) {
	if env.UserID != "" && env.UserID != c.id.UserID {
		return
	}
	var payload struct {
		NotificationID string `json:"notificationId"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.notifications[payload.NotificationID]; ok {
		n.Read = true
	}
}

// addFriendLocked inserts (or refreshes) a friend, promoting them to the
// online-friends view when they are currently online. Caller holds mu.
func (c *Coordinator) addFriendLocked(u UserPresence) {
	if online, ok := c.online[u.UserID]; ok {
		snapshot := *online
		c.friends[u.UserID] = &snapshot
		c.onlineFriends[u.UserID] = struct{}{}
		return
	}
	stored := u
	if stored.Status == "" {
		stored.Status = StatusOffline
	}
	c.friends[u.UserID] = &stored
}

// addNotificationLocked stamps identity and creation time and stores the
// notification. Caller holds mu.
func (c *Coordinator) addNotificationLocked(n Notification) string {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	stored := n
	c.notifications[n.ID] = &stored
	return n.ID
}

// loadStateLocked restores preferences and the friend/notification
// snapshots from the store. Missing keys are fine. Caller holds mu.
func (c *Coordinator) loadStateLocked(ctx context.Context) {
	if raw, err := c.store.Get(ctx, prefsKey); err == nil {
		var p Preferences
		if json.Unmarshal(raw, &p) == nil {
			if p.AutoAway <= 0 {
				p.AutoAway = c.cfg.AutoAway
			}
			c.prefs = p
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load preferences failed", "error", err)
	}

	if raw, err := c.store.Get(ctx, friendsKey); err == nil {
		var friends []UserPresence
		if json.Unmarshal(raw, &friends) == nil {
			for _, f := range friends {
				stored := f
				stored.IsOnline = false // presence is unknown until announced
				c.friends[f.UserID] = &stored
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load friends failed", "error", err)
	}

	if raw, err := c.store.Get(ctx, notificationsKey); err == nil {
		var notes []Notification
		if json.Unmarshal(raw, &notes) == nil {
			now := time.Now()
			for _, n := range notes {
				if n.Expired(now) {
					continue
				}
				stored := n
				c.notifications[n.ID] = &stored
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load notifications failed", "error", err)
	}
}

// persistFriendsLocked snapshots the friend list. Caller holds mu.
func (c *Coordinator) persistFriendsLocked() {
	friends := make([]UserPresence, 0, len(c.friends))
	for _, f := range c.friends {
		friends = append(friends, *f)
	}
	c.persist(friendsKey, friends)
}

// persistNotificationsLocked snapshots the inbox. Caller holds mu.
func (c *Coordinator) persistNotificationsLocked() {
	notes := make([]Notification, 0, len(c.notifications))
	for _, n := range c.notifications {
		notes = append(notes, *n)
	}
	c.persist(notificationsKey, notes)
}

// persist writes one snapshot, best effort.
func (c *Coordinator) persist(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("marshal snapshot failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(context.Background(), key, raw); err != nil {
		c.logger.Warn("persist snapshot failed", "key", key, "error", err)
	}
}
