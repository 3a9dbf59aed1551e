package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clipwatch/realtime/internal/connection"
	"github.com/clipwatch/realtime/internal/events"
	"github.com/clipwatch/realtime/internal/protocol"
	"github.com/clipwatch/realtime/internal/store"
)

// fakeConn records outbound sends and lets tests inject inbound envelopes
// and lifecycle events.
type fakeConn struct {
	mu        sync.Mutex
	sent      []sentMsg
	connected bool

	lifecycle *events.Bus[events.Kind, connection.Event]
	inbound   *events.Bus[protocol.MessageType, protocol.Envelope]
}

type sentMsg struct {
	Type protocol.MessageType
	Data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connected: true,
		lifecycle: events.NewBus[events.Kind, connection.Event](),
		inbound:   events.NewBus[protocol.MessageType, protocol.Envelope](),
	}
}

func (f *fakeConn) Send(t protocol.MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{Type: t, Data: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return connection.State{Status: connection.StatusConnected}
	}
	return connection.State{Status: connection.StatusReconnecting}
}

func (f *fakeConn) OnEvent(kind events.Kind, fn func(connection.Event)) events.Token {
	return f.lifecycle.Subscribe(kind, fn)
}

func (f *fakeConn) OnMessage(t protocol.MessageType, fn func(protocol.Envelope)) events.Token {
	return f.inbound.Subscribe(t, fn)
}

func (f *fakeConn) OffEvent(tok events.Token)   { f.lifecycle.Unsubscribe(tok) }
func (f *fakeConn) OffMessage(tok events.Token) { f.inbound.Unsubscribe(tok) }

func (f *fakeConn) fire(kind events.Kind) {
	f.lifecycle.Publish(kind, connection.Event{Kind: kind})
}

func (f *fakeConn) inject(t *testing.T, typ protocol.MessageType, data any, userID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, data, userID, "")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	f.inbound.Publish(typ, env)
}

func (f *fakeConn) sentOf(t protocol.MessageType) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, fc *fakeConn, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(fc, store.NewMemory(), cfg, Identity{
		UserID:   "user-1",
		Username: "self",
	}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStartAnnouncesPresence(t *testing.T) {
	fc := newFakeConn()
	newTestCoordinator(t, fc, Config{})

	sent := fc.sentOf(protocol.TypePresenceUpdate)
	if len(sent) != 1 {
		t.Fatalf("expected 1 presence announcement, got %d", len(sent))
	}
	var u UserPresence
	if err := json.Unmarshal(sent[0].Data, &u); err != nil {
		t.Fatalf("unmarshal announcement: %v", err)
	}
	if u.UserID != "user-1" || u.Status != StatusOnline || !u.IsOnline {
		t.Errorf("unexpected announcement: %+v", u)
	}
}

func TestReconnectReannounces(t *testing.T) {
	fc := newFakeConn()
	newTestCoordinator(t, fc, Config{})

	fc.fire(events.KindConnected)

	if got := len(fc.sentOf(protocol.TypePresenceUpdate)); got != 2 {
		t.Fatalf("expected re-announcement after reconnect, got %d announcements", got)
	}
}

func TestUserOnlineOfflineAndRecentCap(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{RecentlyOnlineCap: 3})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("user-%d", i+2)
		fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: id, Username: id}, id)
	}
	if got := len(c.OnlineUsers()); got != 5 {
		t.Fatalf("expected 5 online users, got %d", got)
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("user-%d", i+2)
		fc.inject(t, protocol.TypeUserOffline, nil, id)
	}
	if got := len(c.OnlineUsers()); got != 0 {
		t.Fatalf("expected 0 online users, got %d", got)
	}

	recent := c.RecentlyOnline()
	if len(recent) != 3 {
		t.Fatalf("expected recently-online capped at 3, got %d", len(recent))
	}
	// Newest first: the last user to go offline heads the list.
	if recent[0].UserID != "user-6" {
		t.Errorf("expected user-6 first, got %s", recent[0].UserID)
	}
	if recent[0].IsOnline || recent[0].Status != StatusOffline {
		t.Errorf("recent entry should be offline: %+v", recent[0])
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-1", Username: "self"}, "user-1")

	if got := len(c.OnlineUsers()); got != 0 {
		t.Fatalf("own echo should not appear in online users, got %d", got)
	}
}

func TestUnknownUserUpdatesIgnored(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	fc.inject(t, protocol.TypePresenceUpdate, UserPresence{UserID: "ghost", Status: StatusBusy}, "ghost")
	fc.inject(t, protocol.TypeActivityUpdate, Activity{Type: ActivityWatching}, "ghost")
	fc.inject(t, protocol.TypeUserOffline, nil, "ghost")

	if got := len(c.OnlineUsers()); got != 0 {
		t.Fatalf("updates for unknown users must not fabricate presence, got %d users", got)
	}
	if got := len(c.RecentlyOnline()); got != 0 {
		t.Fatalf("offline for unknown user must not enter recently-online, got %d", got)
	}
}

func TestPresenceUpdatePatchesKnownUser(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-2", Username: "bea"}, "user-2")
	fc.inject(t, protocol.TypePresenceUpdate, UserPresence{UserID: "user-2", Status: StatusStreaming}, "user-2")

	users := c.OnlineUsers()
	if len(users) != 1 || users[0].Status != StatusStreaming {
		t.Fatalf("expected patched streaming status, got %+v", users)
	}
}

func TestFriendRequestWorkflow(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	req := FriendRequest{
		ID:           "req-1",
		FromUserID:   "user-2",
		FromUsername: "bea",
		ToUserID:     "user-1",
	}
	fc.inject(t, protocol.TypeFriendRequest, req, "user-2")

	pending := c.PendingFriendRequests()
	if len(pending) != 1 || pending[0].ID != "req-1" {
		t.Fatalf("expected 1 pending request, got %+v", pending)
	}

	if err := c.RespondToFriendRequest("nope", true); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest, got %v", err)
	}
	if err := c.RespondToFriendRequest("req-1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := c.RespondToFriendRequest("req-1", true); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided on second decision, got %v", err)
	}

	friends := c.Friends()
	if len(friends) != 1 || friends[0].UserID != "user-2" {
		t.Fatalf("expected bea in friends, got %+v", friends)
	}
	if len(c.PendingFriendRequests()) != 0 {
		t.Error("request should no longer be pending")
	}

	responses := fc.sentOf(protocol.TypeFriendResponse)
	if len(responses) != 1 {
		t.Fatalf("expected 1 transmitted decision, got %d", len(responses))
	}
	var decided FriendRequest
	json.Unmarshal(responses[0].Data, &decided)
	if decided.Status != RequestAccepted {
		t.Errorf("expected accepted status on the wire, got %s", decided.Status)
	}
}

func TestFriendResponseSettlesOutgoing(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	req, err := c.SendFriendRequest("user-3", "cal", "hi")
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if len(fc.sentOf(protocol.TypeFriendRequest)) != 1 {
		t.Fatal("expected request on the wire")
	}

	accepted := req
	accepted.Status = RequestAccepted
	fc.inject(t, protocol.TypeFriendResponse, accepted, "user-3")

	friends := c.Friends()
	if len(friends) != 1 || friends[0].UserID != "user-3" {
		t.Fatalf("expected cal in friends after acceptance, got %+v", friends)
	}
}

func TestFriendOnlineNotification(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	// Befriend user-2 first.
	fc.inject(t, protocol.TypeFriendRequest, FriendRequest{
		ID: "req-1", FromUserID: "user-2", FromUsername: "bea", ToUserID: "user-1",
	}, "user-2")
	if err := c.RespondToFriendRequest("req-1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var notified []Notification
	c.On(events.KindNotification, func(ev DomainEvent) {
		if ev.Notification.Type == NotificationFriendOnline {
			notified = append(notified, ev.Notification)
		}
	})

	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-2", Username: "bea"}, "user-2")
	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-9", Username: "stranger"}, "user-9")

	if len(notified) != 1 {
		t.Fatalf("expected exactly 1 friend-online notification, got %d", len(notified))
	}
	if notified[0].FromUserID != "user-2" {
		t.Errorf("notification about wrong user: %+v", notified[0])
	}
	if got := len(c.OnlineFriends()); got != 1 {
		t.Errorf("expected 1 online friend, got %d", got)
	}

	// Friend-online notifications stay local.
	if got := len(fc.sentOf(protocol.TypeNotification)); got != 0 {
		t.Errorf("friend-online notification must not be transmitted, got %d sends", got)
	}
}

func TestFriendOnlineNotificationDisabled(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	fc.inject(t, protocol.TypeFriendRequest, FriendRequest{
		ID: "req-1", FromUserID: "user-2", FromUsername: "bea", ToUserID: "user-1",
	}, "user-2")
	if err := c.RespondToFriendRequest("req-1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	prefs := c.Preferences()
	prefs.NotifyOnFriendOnline = false
	if err := c.SetPreferences(prefs); err != nil {
		t.Fatalf("set preferences: %v", err)
	}

	before := c.UnreadCount()
	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-2", Username: "bea"}, "user-2")

	if got := c.UnreadCount(); got != before {
		t.Errorf("expected no notification with preference off, unread went %d -> %d", before, got)
	}
}

func TestAutoAwayAfterInactivity(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{AutoAway: 30 * time.Millisecond})

	deadline := time.After(2 * time.Second)
	for c.Self().Status != StatusAway {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for auto-away")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Activity restores online and re-arms the timer.
	if err := c.SetStatus(StatusOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got := c.Self().Status; got != StatusOnline {
		t.Fatalf("expected online after activity, got %s", got)
	}
}

func TestAutoAwayOnlyDowngradesOnline(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{AutoAway: 30 * time.Millisecond})

	if err := c.SetStatus(StatusBusy); err != nil {
		t.Fatalf("set status: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := c.Self().Status; got != StatusBusy {
		t.Fatalf("busy must not be downgraded to away, got %s", got)
	}
}

func TestNotificationExpiry(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	if _, err := c.CreateNotification(Notification{
		Type:      NotificationSystem,
		Title:     "fleeting",
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.CreateNotification(Notification{
		Type:  NotificationSystem,
		Title: "durable",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// Retrieval filters expired entries even before the sweep runs.
	notes := c.Notifications(false)
	if len(notes) != 1 || notes[0].Title != "durable" {
		t.Fatalf("expected only the durable notification, got %+v", notes)
	}
	if got := c.UnreadCount(); got != 1 {
		t.Errorf("expected unread count 1, got %d", got)
	}
}

func TestMarkReadAndArchive(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	id, err := c.CreateNotification(Notification{Type: NotificationSystem, Title: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := c.UnreadCount(); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}

	if err := c.MarkNotificationRead(id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := c.UnreadCount(); got != 0 {
		t.Errorf("expected 0 unread after read, got %d", got)
	}
	if got := len(fc.sentOf(protocol.TypeNotificationRead)); got != 1 {
		t.Errorf("expected 1 read marker on the wire, got %d", got)
	}

	if err := c.ArchiveNotification(id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got := len(c.Notifications(false)); got != 0 {
		t.Errorf("archived entry should be hidden, got %d", got)
	}
	if got := len(c.Notifications(true)); got != 1 {
		t.Errorf("archived entry should appear with includeArchived, got %d", got)
	}
}

func TestDisconnectDegradesRemoteViews(t *testing.T) {
	fc := newFakeConn()
	c := newTestCoordinator(t, fc, Config{})

	fc.inject(t, protocol.TypeUserOnline, UserPresence{UserID: "user-2", Username: "bea"}, "user-2")
	if got := len(c.OnlineUsers()); got != 1 {
		t.Fatalf("expected 1 online user, got %d", got)
	}

	fc.fire(events.KindDisconnected)
	if got := c.OnlineUsers(); got != nil {
		t.Fatalf("remote presence must be unknown while disconnected, got %+v", got)
	}

	fc.fire(events.KindConnected)
	if got := len(c.OnlineUsers()); got != 1 {
		t.Fatalf("expected view restored after reconnect, got %d", got)
	}
}

func TestCloseAnnouncesOfflineAndIsTerminal(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, store.NewMemory(), Config{}, Identity{UserID: "user-1", Username: "self"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sent := fc.sentOf(protocol.TypePresenceUpdate)
	var last UserPresence
	json.Unmarshal(sent[len(sent)-1].Data, &last)
	if last.Status != StatusOffline || last.IsOnline {
		t.Errorf("expected offline farewell, got %+v", last)
	}

	if err := c.SetStatus(StatusOnline); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestPersistedFriendsSurviveRestart(t *testing.T) {
	fc := newFakeConn()
	st := store.NewMemory()
	id := Identity{UserID: "user-1", Username: "self"}

	c := NewCoordinator(fc, st, Config{}, id, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fc.inject(t, protocol.TypeFriendRequest, FriendRequest{
		ID: "req-1", FromUserID: "user-2", FromUsername: "bea", ToUserID: "user-1",
	}, "user-2")
	if err := c.RespondToFriendRequest("req-1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	c.Close()

	c2 := NewCoordinator(newFakeConn(), st, Config{}, id, nil)
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c2.Close()

	friends := c2.Friends()
	if len(friends) != 1 || friends[0].UserID != "user-2" {
		t.Fatalf("expected friend restored from store, got %+v", friends)
	}
	if friends[0].IsOnline {
		t.Error("restored friend presence must start unknown/offline")
	}
}
