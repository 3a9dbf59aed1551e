package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMalformed = errors.New("malformed message")
)

// MessageType discriminates envelope payloads. One JSON object per frame.
type MessageType string

const (
	TypeChatMessage MessageType = "chat_message"
	TypeUserJoined  MessageType = "user_joined"
	TypeUserLeft    MessageType = "user_left"
	TypeTypingStart MessageType = "typing_start"
	TypeTypingStop  MessageType = "typing_stop"
	TypeReaction    MessageType = "reaction"
	TypeViewerSync  MessageType = "viewer_sync"
	TypeStreamEvent MessageType = "stream_event"
	TypePollEvent   MessageType = "poll_event"
	TypeAnnotation  MessageType = "annotation_event"

	TypeJoinRoom  MessageType = "join_room"
	TypeLeaveRoom MessageType = "leave_room"

	TypeHeartbeat         MessageType = "heartbeat"
	TypeHeartbeatResponse MessageType = "heartbeat_response"
	TypeSystemMessage     MessageType = "system_message"
	TypeError             MessageType = "error"

	TypeUserOnline       MessageType = "user_online"
	TypeUserOffline      MessageType = "user_offline"
	TypePresenceUpdate   MessageType = "presence_update"
	TypeActivityUpdate   MessageType = "activity_update"
	TypeLocationUpdate   MessageType = "location_update"
	TypeFriendRequest    MessageType = "friend_request"
	TypeFriendResponse   MessageType = "friend_response"
	TypeNotification     MessageType = "notification"
	TypeNotificationRead MessageType = "notification_read"
)

// Envelope is the unit of wire transport. IDs are client-generated and
// unique per envelope; an envelope is never mutated after creation.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
}

// NewEnvelope builds a fresh envelope with a new ID and current timestamp.
// data may be nil for payload-less types.
func NewEnvelope(t MessageType, data any, userID, roomID string) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		RoomID:    roomID,
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}

	return env, nil
}

// Encode serializes the envelope to a single JSON frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a single inbound frame. Frames without a type discriminator
// are rejected as malformed.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrMalformed
	}
	if env.Type == "" {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// HeartbeatPayload is the data of heartbeat and heartbeat_response frames.
// SentAt is stamped by the client and echoed back by the server.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sentAt"`
}

// SystemEvent names for system_message payloads.
const (
	SystemRoomState = "room_state"
	SystemUserCount = "user_count"
	SystemPresence  = "presence"
)

// SystemPayload is the data of a system_message frame. It wraps a narrower
// event that the connection layer unwraps before re-emitting.
type SystemPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the data of an error frame from the server.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
