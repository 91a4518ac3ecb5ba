package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/reconnect"
)

var errNotConnected = errors.New("not connected")

// After a dropped connection the server keeps the old session until its
// heartbeat evicts it, so the first join may find the name still taken.
const (
	joinRetryDelay = 5 * time.Second
	maxJoinRetries = 12
)

// sender is the part of client.Conn the terminal needs.
type sender interface {
	Send(msgType string, payload interface{}) error
}

// reconnecter is the part of reconnect.Controller the terminal needs.
type reconnecter interface {
	Reconnect()
}

// terminal renders server events as text lines and turns typed lines into
// client events.
type terminal struct {
	out    io.Writer
	me     string
	avatar string

	// after schedules join retries.
	after func(time.Duration, func()) reconnect.Timer

	mu        sync.Mutex
	conn      sender
	joined    bool
	retries   int
	joinTimer reconnect.Timer
	room      string
	unread    int
}

func newTerminal(out io.Writer, username, avatar string) *terminal {
	return &terminal{
		out:    out,
		me:     username,
		avatar: avatar,
		after: func(d time.Duration, f func()) reconnect.Timer {
			return time.AfterFunc(d, f)
		},
	}
}

func (t *terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.out, format+"\n", args...)
}

// connected runs after every successful dial: the server knows nothing about
// a fresh connection, so the user joins again.
func (t *terminal) connected(c reconnect.Conn) {
	s, ok := c.(sender)
	if !ok {
		return
	}
	t.mu.Lock()
	t.conn = s
	t.joined = false
	t.retries = 0
	t.stopJoinRetryLocked()
	t.mu.Unlock()
	t.join(s)
}

func (t *terminal) join(s sender) {
	if err := s.Send(protocol.TypeJoin, protocol.JoinMsg{Username: t.me, Avatar: t.avatar}); err != nil {
		t.printf("! join failed: %v", err)
	}
}

// joinRejected schedules another join on the same connection. It gives up
// after maxJoinRetries.
func (t *terminal) joinRejected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.joined || t.joinTimer != nil {
		return
	}
	if t.retries >= maxJoinRetries {
		t.printf("! %s is still online elsewhere, type /reconnect to try again", t.me)
		return
	}
	t.retries++
	s := t.conn
	t.printf("* %s is still online, joining again in %s", t.me, joinRetryDelay)
	t.joinTimer = t.after(joinRetryDelay, func() {
		t.mu.Lock()
		current := t.conn == s && !t.joined
		t.joinTimer = nil
		t.mu.Unlock()
		if current {
			t.join(s)
		}
	})
}

func (t *terminal) stopJoinRetryLocked() {
	if t.joinTimer != nil {
		t.joinTimer.Stop()
		t.joinTimer = nil
	}
}

func (t *terminal) stateChanged(s reconnect.Status) {
	switch s.State {
	case reconnect.Backoff:
		t.printf("* connection lost, retrying in %s (attempt %d)", s.NextDelay.Round(time.Millisecond), s.Attempt+1)
	case reconnect.Exhausted:
		t.printf("* giving up after %d attempts, type /reconnect to try again", s.Attempt)
	case reconnect.Disconnected:
		t.printf("* disconnected by server")
	case reconnect.Connected:
		t.printf("* connected")
	}
	if s.State != reconnect.Connected {
		t.mu.Lock()
		t.conn = nil
		t.joined = false
		t.stopJoinRetryLocked()
		t.mu.Unlock()
	}
}

func (t *terminal) send(msgType string, payload interface{}) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return errNotConnected
	}
	return c.Send(msgType, payload)
}

func (t *terminal) currentRoom() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

// command handles one typed line. It reports whether the user asked to quit.
func (t *terminal) command(line string, rc reconnecter) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, t.send(protocol.TypeSendPublic, protocol.SendPublicMsg{Room: t.currentRoom(), Text: line})
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit":
		_ = t.send(protocol.TypeDisconnect, protocol.DisconnectMsg{})
		return true, nil
	case "reconnect":
		rc.Reconnect()
		return false, nil
	case "join":
		if rest == "" {
			return false, errors.New("usage: /join <room>")
		}
		return false, t.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: rest})
	case "dm":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, errors.New("usage: /dm <user> <text>")
		}
		return false, t.send(protocol.TypeSendPrivate, protocol.SendPrivateMsg{To: to, Text: strings.TrimSpace(text)})
	case "read":
		peer, id, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /read <user> <message-id>")
		}
		return false, t.send(protocol.TypeMarkRead, protocol.MarkReadMsg{Peer: peer, MessageID: strings.TrimSpace(id)})
	case "status":
		return false, t.send(protocol.TypeSetStatus, protocol.SetStatusMsg{Status: rest})
	case "readall":
		return false, t.send(protocol.TypeMarkAllNotificationsRead, protocol.MarkAllNotificationsReadMsg{})
	case "history":
		room := rest
		if room == "" {
			room = t.currentRoom()
		}
		return false, t.send(protocol.TypeFetchHistory, protocol.FetchHistoryMsg{Room: room, Limit: 20})
	case "conv":
		if rest == "" {
			return false, errors.New("usage: /conv <user>")
		}
		return false, t.send(protocol.TypeFetchConversation, protocol.FetchConversationMsg{Peer: rest})
	case "notes":
		return false, t.send(protocol.TypeFetchNotifications, protocol.FetchNotificationsMsg{Limit: 20})
	case "help":
		t.printf("commands: /join <room>, /dm <user> <text>, /read <user> <id>, /status <online|away|busy>,")
		t.printf("          /readall, /history [room], /conv <user>, /notes, /reconnect, /quit")
		return false, nil
	}
	return false, fmt.Errorf("unknown command /%s", name)
}

// handle renders one server event.
func (t *terminal) handle(msgType string, raw json.RawMessage) {
	switch msgType {
	case protocol.TypeRosterSnapshot:
		var m protocol.RosterSnapshotMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		t.mu.Lock()
		prev := t.room
		t.room = m.Room
		t.joined = true
		t.retries = 0
		t.stopJoinRetryLocked()
		t.mu.Unlock()
		names := make([]string, 0, len(m.Users))
		for _, u := range m.Users {
			names = append(names, u.Username)
		}
		t.printf("* joined as %s in #%s, online: %s", t.me, m.Room, strings.Join(names, ", "))
		t.printf("* rooms: %s", strings.Join(m.Rooms, ", "))
		// Return to the room we were in before a reconnect.
		if prev != "" && prev != m.Room {
			_ = t.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: prev})
		}

	case protocol.TypePresenceDelta:
		var m protocol.PresenceDeltaMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("* %s %s (%d online)", m.User.Username, m.Kind, len(m.Users))
		}

	case protocol.TypePublicMessage:
		var m protocol.PublicMessageMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("[#%s] %s: %s", m.Message.Room, m.Message.Username, m.Message.Text)
		}

	case protocol.TypePrivateMessage:
		var m protocol.PrivateMessageMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("[dm] %s: %s  (id %s)", m.Message.From, m.Message.Text, m.Message.ID)
		}

	case protocol.TypePrivateSendAck:
		var m protocol.PrivateSendAckMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("[dm -> %s] %s (%s)", m.Message.To, m.Message.Text, m.Status)
		}

	case protocol.TypeReadReceipt:
		var m protocol.ReadReceiptMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("* %s read %s", m.Reader, m.MessageID)
		}

	case protocol.TypeNotification:
		var m protocol.NotificationMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		n := m.Notification
		if n.Type == notification.TypeRoomJoin && n.Room != "" {
			t.mu.Lock()
			t.room = n.Room
			t.mu.Unlock()
		}
		t.printf("(!) %s: %s", n.Title, n.Message)

	case protocol.TypeUnreadCount:
		var m protocol.UnreadCountMsg
		if json.Unmarshal(raw, &m) == nil {
			t.mu.Lock()
			t.unread = m.Count
			t.mu.Unlock()
			t.printf("* %d unread", m.Count)
		}

	case protocol.TypeRoomJoined:
		var m protocol.RoomJoinedMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("* %s joined #%s", m.Username, m.Room)
		}

	case protocol.TypeTyping:
		var m protocol.ServerTypingMsg
		if json.Unmarshal(raw, &m) == nil && m.IsTyping {
			t.printf("* %s is typing in #%s", m.Username, m.Room)
		}

	case protocol.TypeStatusChanged:
		var m protocol.StatusChangedMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("* %s is now %s", m.Username, m.Status)
		}

	case protocol.TypeNotificationsCleared:
		var m protocol.NotificationsClearedMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("* cleared %d notifications", m.Count)
		}

	case protocol.TypeRoomHistory:
		var m protocol.RoomHistoryMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		t.printf("--- #%s, last %d ---", m.Room, len(m.Messages))
		for _, msg := range m.Messages {
			t.printf("%s %s: %s", msg.Timestamp.Local().Format("15:04"), msg.Username, msg.Text)
		}

	case protocol.TypeConversation:
		var m protocol.ConversationMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		t.printf("--- conversation with %s ---", m.Peer)
		for _, msg := range m.Messages {
			mark := " "
			if msg.Read {
				mark = "✓"
			}
			t.printf("%s %s %s: %s  (id %s)", mark, msg.Timestamp.Local().Format("15:04"), msg.From, msg.Text, msg.ID)
		}

	case protocol.TypeNotificationList:
		var m protocol.NotificationListMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		t.printf("--- notifications, %d unread ---", m.Unread)
		for _, n := range m.Notifications {
			mark := "*"
			if n.Read {
				mark = " "
			}
			t.printf("%s %s: %s", mark, n.Title, n.Message)
		}

	case protocol.TypeRateLimited:
		var m protocol.RateLimitedMsg
		if json.Unmarshal(raw, &m) == nil {
			t.printf("! slow down, retry in %ds", m.RetryAfter)
		}

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		t.printf("! %s: %s", m.Code, m.Message)
		if m.Code == protocol.CodeUsernameTaken {
			t.joinRejected()
		}
	}
}
