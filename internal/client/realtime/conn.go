// Package realtime owns the single persistent websocket per signed-in
// session. It reconnects with a fixed backoff after unexpected closes,
// queues outbound frames while the socket is down, and demultiplexes inbound
// frames onto the event bus topics the rest of the client consumes.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/debug"
	"github.com/openline-dev/forumchat/internal/protocol"
)

// ErrNoIdentity is returned by Connect when no signed-in user is available
// to build the transport URL.
var ErrNoIdentity = errors.New("realtime: no identity available")

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// TypingEvent is the payload published on bus.TopicUserTypingStatus.
type TypingEvent struct {
	UserID      string
	RecipientID string
	IsTyping    bool
}

// NotificationEvent is the payload published on bus.TopicNewNotification.
type NotificationEvent struct {
	Notification protocol.Notification
	UnreadCount  int
}

// Conn manages the single live transport for a session. At most one
// websocket exists at a time; a newer connect attempt supersedes and
// discards any prior socket.
type Conn struct {
	Bus *bus.Bus

	// Tunables. Defaults match production behavior; tests shorten them.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	QueueLimit           int

	url    string
	dialer *websocket.Dialer

	mu           sync.Mutex
	state        State
	ws           *websocket.Conn
	gen          int // socket generation; stale read loops bail out
	identity     string
	queue        [][]byte
	attempts     int
	retryTm      *time.Timer
	closedByUser bool

	writeMu sync.Mutex
}

// New returns a connection manager for the given ws endpoint (for example
// "ws://host/ws"). Nothing is dialed until Connect.
func New(b *bus.Bus, serverURL string) *Conn {
	return &Conn{
		Bus:                  b,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		QueueLimit:           128,
		url:                  serverURL,
		dialer:               websocket.DefaultDialer,
		state:                StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the transport is currently usable.
func (c *Conn) IsOpen() bool { return c.State() == StateOpen }

// ReconnectAttempts returns the consecutive failed attempt count.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the transport as the given user. It fails fast when userID
// is empty, and is a no-op while the connection is already open. A connect
// racing a previous attempt supersedes it.
func (c *Conn) Connect(userID string) error {
	if userID == "" {
		return ErrNoIdentity
	}

	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.identity = userID
	c.closedByUser = false
	if c.retryTm != nil {
		c.retryTm.Stop()
		c.retryTm = nil
	}
	c.mu.Unlock()

	return c.dial()
}

// Retry resets the attempt counter and reconnects after the manager has
// given up. It is the explicit escape hatch from the terminal closed state.
func (c *Conn) Retry() error {
	c.mu.Lock()
	c.attempts = 0
	c.state = StateIdle
	identity := c.identity
	c.mu.Unlock()
	return c.Connect(identity)
}

func (c *Conn) dial() error {
	c.mu.Lock()
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	identity := c.identity
	c.mu.Unlock()

	ws, _, err := c.dialer.Dial(c.url+"?user_id="+identity, nil)
	if err != nil {
		debug.Log("realtime: dial failed: %v", err)
		c.Bus.Publish(bus.TopicConnectionError, err)

		c.mu.Lock()
		if gen == c.gen && !c.closedByUser {
			c.state = StateClosed
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return err
	}

	// writeMu is taken before the open state becomes observable: a Send on
	// another goroutine that sees StateOpen blocks here until the backlog
	// has flushed, so queued frames always hit the wire first.
	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.closedByUser {
		// A newer connect attempt or an explicit Close superseded us.
		c.mu.Unlock()
		c.writeMu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	// Flush frames queued while the socket was down, in submission order.
	for _, raw := range pending {
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			debug.Log("realtime: flush failed: %v", err)
			break
		}
	}
	c.writeMu.Unlock()

	c.Bus.Publish(bus.TopicConnectionOpened, nil)
	go c.readLoop(ws, gen)
	return nil
}

// Send marshals v and writes it to the transport. While the connection is
// not open the frame is queued for the next successful connect and Send
// returns false (accepted but deferred). The queue is bounded; on overflow
// the oldest frame is dropped.
func (c *Conn) Send(v interface{}) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		debug.Log("realtime: marshal failed: %v", err)
		return false
	}

	c.mu.Lock()
	if c.state != StateOpen {
		if len(c.queue) >= c.QueueLimit {
			debug.Log("realtime: outbound queue full, dropping oldest frame")
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		debug.Log("realtime: write failed: %v", err)
		return false
	}
	return true
}

// SendTyping sends a typing indicator to the recipient and mirrors it onto
// the local bus so views in this process update immediately.
func (c *Conn) SendTyping(recipientID string, isTyping bool) bool {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if identity == "" || recipientID == "" {
		return false
	}

	frameType := protocol.TypeTyping
	if !isTyping {
		frameType = protocol.TypeStopTyping
	}
	sent := c.Send(protocol.TypingFrame{
		Type:      frameType,
		Sender:    identity,
		Recipient: recipientID,
	})

	c.Bus.Publish(bus.TopicUserTypingStatus, TypingEvent{
		UserID:      identity,
		RecipientID: recipientID,
		IsTyping:    isTyping,
	})
	return sent
}

// Close tears the transport down on sign-out. No reconnect is scheduled;
// the next Connect starts fresh.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closedByUser = true
	c.gen++
	if c.retryTm != nil {
		c.retryTm.Stop()
		c.retryTm = nil
	}
	ws := c.ws
	c.ws = nil
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if wasOpen {
		c.Bus.Publish(bus.TopicConnectionClosed, nil)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		frameType, frame, err := protocol.ParseFrame(raw)
		if err != nil {
			// A malformed frame must never take the dispatch loop down.
			debug.Log("realtime: dropping frame: %v", err)
			continue
		}
		c.dispatch(frameType, frame)
	}
}

// dispatch fans an inbound frame out to the topic its consumers subscribe
// to. Delivery is synchronous, in arrival order.
func (c *Conn) dispatch(frameType string, frame interface{}) {
	switch f := frame.(type) {
	case protocol.ChatMessage:
		c.Bus.Publish(bus.TopicMessage, f)
		// A delivered message also means user-list previews are stale.
		c.Bus.Publish(bus.TopicRefreshUsersList, nil)

	case protocol.TypingFrame:
		c.Bus.Publish(bus.TopicUserTypingStatus, TypingEvent{
			UserID:      f.Sender,
			RecipientID: f.Recipient,
			IsTyping:    f.IsTyping(),
		})

	case protocol.UserStatusFrame:
		c.Bus.Publish(bus.TopicUserStatus, f)

	case protocol.NewUserFrame:
		c.Bus.Publish(bus.TopicUserSignup, f.User)

	case protocol.UsersListFrame:
		c.Bus.Publish(bus.TopicUsersListUpdate, f.Users)

	case protocol.RefreshUsersFrame:
		c.Bus.Publish(bus.TopicRefreshUsersList, nil)

	case protocol.NewNotificationFrame:
		c.mu.Lock()
		identity := c.identity
		c.mu.Unlock()
		if f.ReceiverID != identity {
			debug.Log("realtime: notification for %s ignored (we are %s)", f.ReceiverID, identity)
			return
		}
		c.Bus.Publish(bus.TopicNewNotification, NotificationEvent{
			Notification: f.Notification,
			UnreadCount:  f.UnreadCount,
		})
		c.Bus.Publish(bus.TopicNotificationCount, f.UnreadCount)

	case protocol.MessageReadFrame:
		c.Bus.Publish(bus.TopicMessageRead, f)

	default:
		debug.Log("realtime: unhandled frame type %q", frameType)
	}
}

func (c *Conn) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A superseded socket closing is not an event.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.closedByUser {
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	debug.Log("realtime: connection lost: %v", err)
	c.state = StateClosed
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.Bus.Publish(bus.TopicConnectionClosed, nil)
}

// scheduleReconnectLocked arms the reconnect timer unless the attempt budget
// is exhausted, in which case the state stays Closed until Retry.
func (c *Conn) scheduleReconnectLocked() {
	if c.attempts >= c.MaxReconnectAttempts {
		debug.Log("realtime: max reconnect attempts reached, giving up")
		return
	}
	c.attempts++
	c.state = StateReconnecting
	debug.Log("realtime: reconnect attempt %d/%d in %s", c.attempts, c.MaxReconnectAttempts, c.ReconnectDelay)
	c.retryTm = time.AfterFunc(c.ReconnectDelay, func() {
		c.dial()
	})
}
