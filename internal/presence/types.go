package presence

import (
	"errors"
	"time"

	"github.com/clipwatch/realtime/internal/events"
)

// Errors
var (
	ErrClosed         = errors.New("presence: coordinator closed")
	ErrUnknownRequest = errors.New("presence: unknown friend request")
	ErrAlreadyDecided = errors.New("presence: friend request already decided")
)

// Status is a user's presence status.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
	StatusStreaming Status = "streaming"
	StatusWatching  Status = "watching"
	StatusOffline   Status = "offline"
)

// ActivityType classifies what a user is doing.
type ActivityType string

const (
	ActivityBrowsing  ActivityType = "browsing"
	ActivityWatching  ActivityType = "watching"
	ActivityStreaming ActivityType = "streaming"
	ActivityIdle      ActivityType = "idle"
)

// Activity describes a user's current activity.
type Activity struct {
	Type        ActivityType `json:"type"`
	Description string       `json:"description,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	Public      bool         `json:"public"`
	StreamID    string       `json:"streamId,omitempty"`
}

// Location describes where in the application a user currently is.
type Location struct {
	RoomID   string `json:"roomId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	Page     string `json:"page,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Preferences are the local user's presence/visibility settings.
type Preferences struct {
	ShareActivity        bool          `json:"shareActivity"`
	ShareLocation        bool          `json:"shareLocation"`
	NotifyOnFriendOnline bool          `json:"notifyOnFriendOnline"`
	AutoAway             time.Duration `json:"autoAway"`
}

// UserPresence is one record per known user.
type UserPresence struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`

	Status   Status    `json:"status"`
	Activity Activity  `json:"activity"`
	Location Location  `json:"location"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`

	Device  string `json:"device,omitempty"`
	Network string `json:"network,omitempty"`

	FriendCount   int `json:"friendCount,omitempty"`
	FollowerCount int `json:"followerCount,omitempty"`
}

// NotificationType is the closed set of live-notification domain events.
type NotificationType string

const (
	NotificationFriendOnline   NotificationType = "friend_online"
	NotificationFriendRequest  NotificationType = "friend_request"
	NotificationFriendAccepted NotificationType = "friend_accepted"
	NotificationMention        NotificationType = "mention"
	NotificationStreamLive     NotificationType = "stream_live"
	NotificationSystem         NotificationType = "system"
)

// Priority orders notifications for surfacing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// NotificationAction is one actionable choice attached to a notification.
type NotificationAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style"` // "primary", "secondary", "destructive"
}

// Notification is a live-notification inbox entry. Entries past ExpiresAt
// are purged by the periodic sweep and never surfaced by retrieval.
type Notification struct {
	ID       string               `json:"id"`
	Type     NotificationType     `json:"type"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Priority Priority             `json:"priority"`
	Category string               `json:"category,omitempty"`
	Actions  []NotificationAction `json:"actions,omitempty"`

	FromUserID   string `json:"fromUserId,omitempty"`
	FromUsername string `json:"fromUsername,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	Read     bool     `json:"isRead"`
	Archived bool     `json:"isArchived"`
	Silent   bool     `json:"isSilent"`
	Tags     []string `json:"tags,omitempty"`
}

// Expired reports whether the notification is past its expiry at t.
func (n Notification) Expired(t time.Time) bool {
	return !n.ExpiresAt.IsZero() && t.After(n.ExpiresAt)
}

// FriendRequestStatus is the friend-request lifecycle: pending transitions
// exactly once to a terminal status.
type FriendRequestStatus string

const (
	RequestPending   FriendRequestStatus = "pending"
	RequestAccepted  FriendRequestStatus = "accepted"
	RequestRejected  FriendRequestStatus = "rejected"
	RequestCancelled FriendRequestStatus = "cancelled"
)

// FriendRequest is a directed request to enter each other's friend lists.
type FriendRequest struct {
	ID string `json:"id"`

	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	ToUserID     string `json:"toUserId"`
	ToUsername   string `json:"toUsername"`

	Message string              `json:"message,omitempty"`
	Status  FriendRequestStatus `json:"status"`

	CreatedAt   time.Time `json:"createdAt"`
	RespondedAt time.Time `json:"respondedAt,omitempty"`

	MutualFriends   int      `json:"mutualFriends,omitempty"`
	SharedInterests []string `json:"sharedInterests,omitempty"`
}

// Identity is the local user the coordinator announces as.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
}

// Config configures a Coordinator.
type Config struct {
	AnnounceInterval  time.Duration // presence re-announcement cadence
	InactivityCheck   time.Duration // coarse auto-away backstop cadence
	SweepInterval     time.Duration // notification expiry sweep cadence
	AutoAway          time.Duration // default auto-away threshold
	RecentlyOnlineCap int           // bound on the recently-online list
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval:  30 * time.Second,
		InactivityCheck:   60 * time.Second,
		SweepInterval:     60 * time.Second,
		AutoAway:          5 * time.Minute,
		RecentlyOnlineCap: 10,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = def.AnnounceInterval
	}
	if c.InactivityCheck == 0 {
		c.InactivityCheck = def.InactivityCheck
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.AutoAway == 0 {
		c.AutoAway = def.AutoAway
	}
	if c.RecentlyOnlineCap == 0 {
		c.RecentlyOnlineCap = def.RecentlyOnlineCap
	}
}

// DomainEvent is the payload delivered to presence-domain subscribers.
type DomainEvent struct {
	Kind         events.Kind
	User         UserPresence
	Request      FriendRequest
	Notification Notification
}
