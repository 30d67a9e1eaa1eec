// Package models holds the server-side records and their conversions to the
// wire shapes in internal/protocol. Database ids are integers; the wire
// carries them as strings.
package models

import (
	"strconv"
	"time"

	"github.com/openline-dev/forumchat/internal/protocol"
)

type User struct {
	ID           int       `json:"id"`
	Nickname     string    `json:"nickname"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profile_pic,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u User) Wire(online bool) protocol.User {
	return protocol.User{
		ID:         strconv.Itoa(u.ID),
		Nickname:   u.Nickname,
		ProfilePic: u.ProfilePic,
		IsOnline:   online,
	}
}

type Message struct {
	ID          int       `json:"id"`
	SenderID    int       `json:"sender_id"`
	RecipientID int       `json:"recipient_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}

// Wire converts to the frame shape. correlationID is whatever the sending
// client minted, empty for history reads.
func (m Message) Wire(correlationID string) protocol.ChatMessage {
	return protocol.ChatMessage{
		Type:          protocol.TypeMessage,
		ID:            strconv.Itoa(m.ID),
		CorrelationID: correlationID,
		Sender:        strconv.Itoa(m.SenderID),
		Recipient:     strconv.Itoa(m.RecipientID),
		Content:       m.Content,
		Timestamp:     m.CreatedAt,
		Read:          m.Read,
	}
}

type Notification struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Kind      string    `json:"type"`
	ActorID   int       `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	ActorPic  string    `json:"actor_profile_pic,omitempty"`
	PostID    string    `json:"post_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) Wire() protocol.Notification {
	return protocol.Notification{
		ID:              strconv.Itoa(n.ID),
		Kind:            n.Kind,
		ActorID:         strconv.Itoa(n.ActorID),
		ActorName:       n.ActorName,
		ActorProfilePic: n.ActorPic,
		PostID:          n.PostID,
		Read:            n.Read,
		CreatedAt:       n.CreatedAt,
	}
}

type Session struct {
	Token     string
	UserID    int
	ExpiresAt time.Time
}
