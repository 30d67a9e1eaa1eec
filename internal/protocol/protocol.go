// Package protocol defines the frames carried over the persistent forum
// connection. Both directions use JSON with a "type" discriminator. The
// upstream server historically emitted several casings for the same field
// (receiverID/receiver_id, ID/id, isOnline/is_online); every frame here has
// exactly one canonical field set and the legacy aliases are normalized at
// decode so nothing downstream ever probes alternate names.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types carried over the wire.
const (
	TypeMessage         = "message"
	TypeTyping          = "typing"
	TypeStopTyping      = "stop_typing"
	TypeUserStatus      = "user_status"
	TypeNewUser         = "new_user"
	TypeUsersList       = "users_list"
	TypeRefreshUsers    = "refresh_users"
	TypeNewNotification = "new_notification"
	TypeMessageRead     = "message_read"
)

// Notification kinds.
const (
	NotifyLike    = "like"
	NotifyComment = "comment"
	NotifyMessage = "message"
	NotifyOther   = "other"
)

// Envelope captures the type discriminator and keeps the raw bytes for
// deferred decoding into a concrete frame struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

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

// ChatMessage is a direct message between two users. CorrelationID is minted
// by the sending client and echoed back by the server so an optimistic local
// copy can be matched with its persisted counterpart.
type ChatMessage struct {
	Type          string    `json:"type"`
	ID            string    `json:"id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read,omitempty"`
}

// TypingFrame signals that Sender started or stopped typing to Recipient.
// The type field distinguishes "typing" from "stop_typing".
type TypingFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// IsTyping reports whether the frame is a start-typing signal.
func (t TypingFrame) IsTyping() bool { return t.Type == TypeTyping }

// UserStatusFrame announces that a user went online or offline.
type UserStatusFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// User is a directory entry as carried in new_user and users_list frames.
type User struct {
	ID         string `json:"id"`
	Nickname   string `json:"nickname"`
	ProfilePic string `json:"profile_pic,omitempty"`
	IsOnline   bool   `json:"is_online"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string `json:"id"`
		LegacyID   string `json:"ID"`
		Nickname   string `json:"nickname"`
		LegacyNick string `json:"Nickname"`
		UserName   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
		LegacyPic  string `json:"profilePic"`
		IsOnline   *bool  `json:"is_online"`
		LegacyOn   *bool  `json:"isOnline"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = firstNonEmpty(raw.ID, raw.LegacyID)
	u.Nickname = firstNonEmpty(raw.Nickname, raw.LegacyNick, raw.UserName)
	u.ProfilePic = firstNonEmpty(raw.ProfilePic, raw.LegacyPic)
	switch {
	case raw.IsOnline != nil:
		u.IsOnline = *raw.IsOnline
	case raw.LegacyOn != nil:
		u.IsOnline = *raw.LegacyOn
	}
	return nil
}

// NewUserFrame announces a freshly registered user.
type NewUserFrame struct {
	Type string `json:"type"`
	User User   `json:"user"`
}

// UsersListFrame carries the full directory with current statuses.
type UsersListFrame struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

// RefreshUsersFrame is a signal-only hint that the users list is stale.
type RefreshUsersFrame struct {
	Type       string `json:"type"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
}

// Notification is the payload of a new_notification frame and the unit held
// in the client's notification list.
type Notification struct {
	ID              string    `json:"id"`
	Kind            string    `json:"type"`
	ActorID         string    `json:"actor_id"`
	ActorName       string    `json:"actor_name"`
	ActorProfilePic string    `json:"actor_profile_pic,omitempty"`
	PostID          string    `json:"post_id,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"created_at"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string     `json:"id"`
		LegacyID  string     `json:"ID"`
		Kind      string     `json:"type"`
		ActorID   string     `json:"actor_id"`
		LegacyAID string     `json:"actorID"`
		Name      string     `json:"actor_name"`
		LegacyNm  string     `json:"actorName"`
		Pic       string     `json:"actor_profile_pic"`
		LegacyPic string     `json:"actorProfilePic"`
		PostID    string     `json:"post_id"`
		LegacyPID string     `json:"postID"`
		Read      bool       `json:"read"`
		CreatedAt *time.Time `json:"created_at"`
		LegacyAt  *time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.ID = firstNonEmpty(raw.ID, raw.LegacyID)
	n.Kind = raw.Kind
	if n.Kind == "" {
		n.Kind = NotifyOther
	}
	n.ActorID = firstNonEmpty(raw.ActorID, raw.LegacyAID)
	n.ActorName = firstNonEmpty(raw.Name, raw.LegacyNm)
	n.ActorProfilePic = firstNonEmpty(raw.Pic, raw.LegacyPic)
	n.PostID = firstNonEmpty(raw.PostID, raw.LegacyPID)
	n.Read = raw.Read
	switch {
	case raw.CreatedAt != nil:
		n.CreatedAt = *raw.CreatedAt
	case raw.LegacyAt != nil:
		n.CreatedAt = *raw.LegacyAt
	}
	return nil
}

// NewNotificationFrame delivers a notification to a single receiver together
// with that receiver's authoritative unread count.
type NewNotificationFrame struct {
	Type         string       `json:"type"`
	ReceiverID   string       `json:"receiver_id"`
	Notification Notification `json:"notification"`
	UnreadCount  int          `json:"unread_count"`
}

func (f *NewNotificationFrame) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type         string       `json:"type"`
		ReceiverID   string       `json:"receiver_id"`
		LegacyRecv   string       `json:"receiverID"`
		Notification Notification `json:"notification"`
		UnreadCount  *int         `json:"unread_count"`
		LegacyCount  *int         `json:"unreadCount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Type = raw.Type
	f.ReceiverID = firstNonEmpty(raw.ReceiverID, raw.LegacyRecv)
	f.Notification = raw.Notification
	switch {
	case raw.UnreadCount != nil:
		f.UnreadCount = *raw.UnreadCount
	case raw.LegacyCount != nil:
		f.UnreadCount = *raw.LegacyCount
	}
	return nil
}

// MessageReadFrame tells the original sender that the receiver has read
// their messages.
type MessageReadFrame struct {
	Type       string `json:"type"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

func (f *MessageReadFrame) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       string `json:"type"`
		SenderID   string `json:"sender_id"`
		LegacySnd  string `json:"senderID"`
		ReceiverID string `json:"receiver_id"`
		LegacyRecv string `json:"receiverID"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Type = raw.Type
	f.SenderID = firstNonEmpty(raw.SenderID, raw.LegacySnd)
	f.ReceiverID = firstNonEmpty(raw.ReceiverID, raw.LegacyRecv)
	return nil
}

// ParseFrame parses raw bytes from the transport into a typed frame. It
// returns the frame type, the decoded struct, and any error. Unknown types
// are an error; the caller is expected to log and drop the frame.
func ParseFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypeMessage:
		var f ChatMessage
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeTyping, TypeStopTyping:
		var f TypingFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeUserStatus:
		var f UserStatusFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeNewUser:
		var f NewUserFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeUsersList:
		var f UsersListFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeRefreshUsers:
		var f RefreshUsersFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeNewNotification:
		var f NewNotificationFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeMessageRead:
		var f MessageReadFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q frame: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
