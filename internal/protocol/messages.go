// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/conversation"
	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/session"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin                     = "join"
	TypeSendPublic               = "send_public"
	TypeSendPrivate              = "send_private"
	TypeMarkRead                 = "mark_read"
	TypeMarkNotificationRead     = "mark_notification_read"
	TypeMarkAllNotificationsRead = "mark_all_notifications_read"
	TypeJoinRoom                 = "join_room"
	TypeTypingStart              = "typing_start"
	TypeTypingStop               = "typing_stop"
	TypeSetStatus                = "set_status"
	TypeDisconnect               = "disconnect"
	TypeFetchHistory             = "fetch_history"
	TypeFetchConversation        = "fetch_conversation"
	TypeFetchNotifications       = "fetch_notifications"
	TypePing                     = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated       = "session_created"
	TypeRosterSnapshot       = "roster_snapshot"
	TypePresenceDelta        = "presence_delta"
	TypePublicMessage        = "public_message"
	TypePrivateMessage       = "private_message"
	TypePrivateSendAck       = "private_send_ack"
	TypeReadReceipt          = "read_receipt"
	TypeNotification         = "notification"
	TypeUnreadCount          = "unread_count"
	TypeRoomJoined           = "room_joined"
	TypeTyping               = "typing"
	TypeStatusChanged        = "status_changed"
	TypeNotificationsCleared = "notifications_cleared"
	TypeRoomHistory          = "room_history"
	TypeConversation         = "conversation"
	TypeNotificationList     = "notification_list"
	TypeRateLimited          = "rate_limited"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeNotJoined        = "not_joined"
	CodeAlreadyJoined    = "already_joined"
	CodeUsernameTaken    = "username_taken"
	CodeInvalidUsername  = "invalid_username"
	CodeInvalidRoom      = "invalid_room"
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidRecipient = "invalid_recipient"
	CodeInvalidStatus    = "invalid_status"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Delivery states reported in PrivateSendAckMsg.
const (
	AckDelivered = "delivered"
	AckPending   = "pending"
)

// Presence delta kinds.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg binds a username and avatar to the connection.
type JoinMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// SendPublicMsg broadcasts text to a room.
type SendPublicMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Text string `json:"text"`
}

// SendPrivateMsg sends a direct message to another user.
type SendPrivateMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// MarkReadMsg acknowledges a private message received from Peer.
type MarkReadMsg struct {
	Type      string `json:"type"`
	Peer      string `json:"peer"`
	MessageID string `json:"message_id"`
}

type MarkNotificationReadMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type MarkAllNotificationsReadMsg struct {
	Type string `json:"type"`
}

// JoinRoomMsg switches the connection's current room.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// TypingMsg carries typing_start and typing_stop; the envelope type tells
// them apart.
type TypingMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type SetStatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type DisconnectMsg struct {
	Type string `json:"type"`
}

type FetchHistoryMsg struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Limit int    `json:"limit"`
}

type FetchConversationMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

type FetchNotificationsMsg struct {
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is accepted.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// RosterSnapshotMsg is the reply to join: everyone online and the room list.
type RosterSnapshotMsg struct {
	Type  string         `json:"type"`
	Users []session.User `json:"users"`
	Rooms []string       `json:"rooms"`
	Room  string         `json:"room"`
}

// PresenceDeltaMsg announces a user joining or leaving, with the new roster.
type PresenceDeltaMsg struct {
	Type  string         `json:"type"`
	Kind  string         `json:"kind"`
	User  session.User   `json:"user"`
	Users []session.User `json:"users"`
}

type PublicMessageMsg struct {
	Type    string             `json:"type"`
	Message chat.PublicMessage `json:"message"`
}

type PrivateMessageMsg struct {
	Type    string                      `json:"type"`
	Message conversation.PrivateMessage `json:"message"`
}

// PrivateSendAckMsg tells the sender whether the recipient was online.
type PrivateSendAckMsg struct {
	Type    string                      `json:"type"`
	Status  string                      `json:"status"`
	Message conversation.PrivateMessage `json:"message"`
}

// ReadReceiptMsg tells the original sender that a message was read.
type ReadReceiptMsg struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Reader    string    `json:"reader"`
	ReadAt    time.Time `json:"read_at"`
}

type NotificationMsg struct {
	Type         string                    `json:"type"`
	Notification notification.Notification `json:"notification"`
}

type UnreadCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RoomJoinedMsg announces a user entering a room.
type RoomJoinedMsg struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	Avatar       string `json:"avatar"`
	Room         string `json:"room"`
	PreviousRoom string `json:"previous_room,omitempty"`
}

// ServerTypingMsg relays a typing indicator to the other members of a room.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	IsTyping bool   `json:"is_typing"`
}

type StatusChangedMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type NotificationsClearedMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type RoomHistoryMsg struct {
	Type     string               `json:"type"`
	Room     string               `json:"room"`
	Messages []chat.PublicMessage `json:"messages"`
}

type ConversationMsg struct {
	Type     string                        `json:"type"`
	Peer     string                        `json:"peer"`
	Messages []conversation.PrivateMessage `json:"messages"`
}

type NotificationListMsg struct {
	Type          string                      `json:"type"`
	Notifications []notification.Notification `json:"notifications"`
	Unread        int                         `json:"unread"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrUnknownType is wrapped by ParseClientMessage for a well-formed message
// whose type is not a client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendPublic:
		var m SendPublicMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendPrivate:
		var m SendPrivateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkNotificationRead:
		var m MarkNotificationReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkAllNotificationsRead:
		var m MarkAllNotificationsReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetStatus:
		var m SetStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDisconnect:
		var m DisconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchHistory:
		var m FetchHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchConversation:
		var m FetchConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchNotifications:
		var m FetchNotificationsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Encode is the client-side counterpart of NewServerMessage for outbound
// client messages.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}
