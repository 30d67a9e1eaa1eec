// Package bus provides the process-wide publish/subscribe registry that lets
// independently mounted views react to real-time events without holding
// references to each other.
package bus

import (
	"sync"

	"github.com/openline-dev/forumchat/internal/client/debug"
)

// Topics published by the client core. The payload contract for each topic is
// established by convention between its producer and consumers.
const (
	TopicConnectionOpened  = "connection_opened"
	TopicConnectionClosed  = "connection_closed"
	TopicConnectionError   = "connection_error"
	TopicMessage           = "chat_message"
	TopicMessageRead       = "message_read"
	TopicUserStatus        = "user_status"
	TopicUserStatusChange  = "user_status_change"
	TopicUserTypingStatus  = "user_typing_status"
	TopicUserSignup        = "user_signup"
	TopicUsersListUpdate   = "users_list_update"
	TopicRefreshUsersList  = "refresh_users_list"
	TopicNewNotification   = "new_notification"
	TopicNotificationCount = "update_notification_count"
	TopicNotificationToast = "show_notification_popup"
)

// Handler receives the payload published on a topic.
type Handler func(payload interface{})

type subscription struct {
	id int
	fn Handler
}

// Bus is a synchronous publish/subscribe registry. Handlers for a topic run
// in registration order before Publish returns. A panicking handler is
// recovered and logged so it cannot block delivery to the rest.
type Bus struct {
	mu     sync.Mutex
	nextID int
	topics map[string][]subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Subscribe registers fn for topic and returns the unsubscribe function.
// Every component that subscribes must call it on teardown; calling it more
// than once is harmless.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers payload to every handler currently subscribed to topic,
// in registration order. Publishing on a topic with no subscribers is a
// cheap no-op.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(topic, s, payload)
	}
}

func (b *Bus) dispatch(topic string, s subscription, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			debug.Log("bus: handler panic on %s: %v", topic, r)
		}
	}()
	s.fn(payload)
}
