// Package presence maintains the client-side cache of who is online and who
// is typing. It is the only component that mutates presence state; everyone
// else asks it, or reacts to the user_status_change events it publishes.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/debug"
	"github.com/openline-dev/forumchat/internal/client/realtime"
	"github.com/openline-dev/forumchat/internal/protocol"
)

// StatusChange is the payload published on bus.TopicUserStatusChange.
type StatusChange struct {
	UserID   string
	IsOnline bool
}

type entry struct {
	user        protocol.User
	online      bool
	typing      bool
	typingTimer *time.Timer
}

// Tracker caches per-user online and typing state. Typing auto-clears after
// TypingTTL of silence so a dropped stop_typing frame cannot leave a stuck
// indicator.
type Tracker struct {
	Bus *bus.Bus

	// TypingTTL is how long a typing flag survives without a fresh signal.
	TypingTTL time.Duration

	mu     sync.Mutex
	users  map[string]*entry
	unsubs []func()
	closed bool
}

// New builds a tracker and subscribes it to the connection manager's inbound
// stream. Call Close on teardown to release subscriptions and timers.
func New(b *bus.Bus) *Tracker {
	t := &Tracker{
		Bus:       b,
		TypingTTL: 3 * time.Second,
		users:     make(map[string]*entry),
	}
	t.unsubs = append(t.unsubs,
		b.Subscribe(bus.TopicUserStatus, t.onUserStatus),
		b.Subscribe(bus.TopicUserSignup, t.onUserSignup),
		b.Subscribe(bus.TopicUsersListUpdate, t.onUsersList),
		b.Subscribe(bus.TopicUserTypingStatus, t.onTyping),
	)
	return t
}

// Online reports whether the user is known to be online. Unknown users are
// offline.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	return ok && e.online
}

// Typing reports whether the user is currently typing.
func (t *Tracker) Typing(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	return ok && e.typing
}

// Snapshot returns the known users sorted by nickname, online users first.
func (t *Tracker) Snapshot() []protocol.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.User, 0, len(t.users))
	for _, e := range t.users {
		u := e.user
		u.IsOnline = e.online
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		return out[i].Nickname < out[j].Nickname
	})
	return out
}

// Close cancels all bus subscriptions and pending typing timers. The tracker
// must not be used afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, e := range t.users {
		if e.typingTimer != nil {
			e.typingTimer.Stop()
			e.typingTimer = nil
		}
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (t *Tracker) onUserStatus(payload interface{}) {
	f, ok := payload.(protocol.UserStatusFrame)
	if !ok {
		return
	}
	t.setOnline(f.UserID, f.IsOnline)
}

func (t *Tracker) onUserSignup(payload interface{}) {
	u, ok := payload.(protocol.User)
	if !ok || u.ID == "" {
		return
	}
	t.mu.Lock()
	e := t.ensureLocked(u.ID)
	e.user = u
	t.mu.Unlock()
	// A signup announcement means the user just came online.
	t.setOnline(u.ID, true)
}

func (t *Tracker) onUsersList(payload interface{}) {
	users, ok := payload.([]protocol.User)
	if !ok {
		return
	}
	type change struct {
		id     string
		online bool
	}
	var changes []change

	t.mu.Lock()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		e := t.ensureLocked(u.ID)
		e.user = u
		if e.online != u.IsOnline {
			e.online = u.IsOnline
			changes = append(changes, change{u.ID, u.IsOnline})
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.Bus.Publish(bus.TopicUserStatusChange, StatusChange{UserID: c.id, IsOnline: c.online})
	}
}

func (t *Tracker) onTyping(payload interface{}) {
	ev, ok := payload.(realtime.TypingEvent)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e := t.ensureLocked(ev.UserID)

	// The previous timer is always cancelled before a new one starts, so a
	// burst of typing signals never stacks timers and the flag clears
	// TypingTTL after the last signal.
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}

	e.typing = ev.IsTyping
	if ev.IsTyping {
		userID := ev.UserID
		e.typingTimer = time.AfterFunc(t.TypingTTL, func() {
			t.expireTyping(userID)
		})
	}
	t.mu.Unlock()
}

func (t *Tracker) expireTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	e, ok := t.users[userID]
	if !ok {
		return
	}
	if e.typing {
		debug.Log("presence: typing flag for %s expired", userID)
	}
	e.typing = false
	e.typingTimer = nil
}

func (t *Tracker) setOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e := t.ensureLocked(userID)
	changed := e.online != online
	e.online = online
	if !online && e.typingTimer != nil {
		// An offline user is by definition not typing.
		e.typingTimer.Stop()
		e.typingTimer = nil
		e.typing = false
	}
	t.mu.Unlock()

	if changed {
		t.Bus.Publish(bus.TopicUserStatusChange, StatusChange{UserID: userID, IsOnline: online})
	}
}

func (t *Tracker) ensureLocked(userID string) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{user: protocol.User{ID: userID}}
		t.users[userID] = e
	}
	return e
}
