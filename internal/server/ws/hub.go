// Package ws is the server side of the persistent connection: one Client per
// socket, one Hub routing frames between them.
package ws

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"

	"github.com/openline-dev/forumchat/internal/protocol"
	"github.com/openline-dev/forumchat/internal/server/models"
	"github.com/openline-dev/forumchat/internal/server/storage"
)

// Hub tracks the connected clients keyed by user id. A user has at most one
// live connection; a second one supersedes the first.
type Hub struct {
	Store *storage.Store

	Register   chan *Client
	Unregister chan *Client

	mu      sync.RWMutex
	clients map[int]*Client
}

func NewHub(store *storage.Store) *Hub {
	return &Hub{
		Store:      store,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[int]*Client),
	}
}

// Run owns the client map mutations. Call it once in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.Register:
			h.mu.Lock()
			if prev, ok := h.clients[c.UserID]; ok && prev != c {
				// Newest connection wins; the old socket gets closed and its
				// unregister is ignored because the map no longer points at it.
				close(prev.Send)
				prev.Conn.Close()
			}
			h.clients[c.UserID] = c
			h.mu.Unlock()

			log.Printf("user %d connected", c.UserID)
			h.broadcastStatus(c.UserID, true)
			h.sendUsersList(c)

		case c := <-h.Unregister:
			h.mu.Lock()
			current, ok := h.clients[c.UserID]
			if ok && current == c {
				delete(h.clients, c.UserID)
				close(c.Send)
			}
			h.mu.Unlock()

			if ok && current == c {
				log.Printf("user %d disconnected", c.UserID)
				h.broadcastStatus(c.UserID, false)
			}
		}
	}
}

// Online reports whether the user has a live connection.
func (h *Hub) Online(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// SendToUser marshals the frame and delivers it to the user's connection, if
// any. Returns false when the user is offline or their send buffer is full.
// The read lock is held through the channel send; Run only closes a Send
// channel under the write lock, so the two cannot interleave.
func (h *Hub) SendToUser(userID int, frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("marshal frame for user %d: %v", userID, err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	if !ok {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		log.Printf("user %d send buffer full, dropping frame", userID)
		return false
	}
}

// Broadcast delivers the frame to every connected client.
func (h *Hub) Broadcast(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("marshal broadcast frame: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.Send <- data:
		default:
		}
	}
}

func (h *Hub) broadcastStatus(userID int, online bool) {
	h.Broadcast(protocol.UserStatusFrame{
		Type:     protocol.TypeUserStatus,
		UserID:   strconv.Itoa(userID),
		IsOnline: online,
	})
}

// DeliverMessage pushes a persisted message to both participants, nudges
// their user lists, and raises a message notification for the recipient. The
// websocket receive path and the HTTP send fallback both end up here.
func (h *Hub) DeliverMessage(msg *models.Message, correlationID string) {
	wire := msg.Wire(correlationID)
	h.SendToUser(msg.SenderID, wire)
	delivered := h.SendToUser(msg.RecipientID, wire)

	// Both sides re-sort their user lists on new traffic.
	refresh := protocol.RefreshUsersFrame{
		Type:       protocol.TypeRefreshUsers,
		SenderID:   wire.Sender,
		ReceiverID: wire.Recipient,
	}
	h.SendToUser(msg.SenderID, refresh)
	h.SendToUser(msg.RecipientID, refresh)

	notif, err := h.Store.CreateNotification(msg.RecipientID, protocol.NotifyMessage, msg.SenderID, "")
	if err != nil {
		log.Printf("create notification: %v", err)
		return
	}
	if delivered {
		count, err := h.Store.UnreadNotificationCount(msg.RecipientID)
		if err != nil {
			log.Printf("unread count: %v", err)
			return
		}
		h.SendToUser(msg.RecipientID, protocol.NewNotificationFrame{
			Type:         protocol.TypeNewNotification,
			ReceiverID:   wire.Recipient,
			Notification: notif.Wire(),
			UnreadCount:  count,
		})
	}
}

// sendUsersList pushes the full directory with live statuses to one client.
func (h *Hub) sendUsersList(c *Client) {
	users, err := h.Store.ListUsers()
	if err != nil {
		log.Printf("list users: %v", err)
		return
	}

	wire := make([]protocol.User, 0, len(users))
	for _, u := range users {
		wire = append(wire, u.Wire(h.Online(u.ID)))
	}
	h.SendToUser(c.UserID, protocol.UsersListFrame{
		Type:  protocol.TypeUsersList,
		Users: wire,
	})
}
