package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer records every text frame it receives and can push frames back.
type echoServer struct {
	t *testing.T

	mu       sync.Mutex
	received [][]byte
	conns    []*websocket.Conn

	srv *httptest.Server
}

func newEchoServer(t *testing.T) *echoServer {
	es := &echoServer{t: t}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			es.mu.Lock()
			es.received = append(es.received, raw)
			es.mu.Unlock()
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) push(t *testing.T, v interface{}) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.conns) == 0 {
		t.Fatal("no connection to push to")
	}
	if err := es.conns[len(es.conns)-1].WriteJSON(v); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (es *echoServer) messages() [][]byte {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([][]byte, len(es.received))
	copy(out, es.received)
	return out
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectRequiresIdentity(t *testing.T) {
	c := New(bus.New(), "ws://localhost:0/ws")
	if err := c.Connect(""); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestConnectIsIdempotentWhileOpen(t *testing.T) {
	es := newEchoServer(t)
	c := New(bus.New(), es.wsURL())
	defer c.Close()

	if err := c.Connect("7"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != StateOpen {
		t.Fatalf("expected open, got %v", got)
	}
	if err := c.Connect("7"); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	es.mu.Lock()
	conns := len(es.conns)
	es.mu.Unlock()
	if conns != 1 {
		t.Fatalf("expected 1 server-side connection, got %d", conns)
	}
}

func TestSendWhileClosedQueuesAndFlushesFIFO(t *testing.T) {
	es := newEchoServer(t)
	c := New(bus.New(), es.wsURL())
	defer c.Close()

	for _, content := range []string{"first", "second", "third"} {
		accepted := c.Send(protocol.ChatMessage{Type: protocol.TypeMessage, Sender: "7", Recipient: "9", Content: content})
		if accepted {
			t.Fatalf("send of %q while closed should report deferred", content)
		}
	}

	if err := c.Connect("7"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, func() bool { return len(es.messages()) == 3 }, "queued frames to flush")

	// New sends go out only after the backlog.
	if !c.Send(protocol.ChatMessage{Type: protocol.TypeMessage, Sender: "7", Recipient: "9", Content: "fourth"}) {
		t.Fatal("send while open should be accepted")
	}
	waitFor(t, func() bool { return len(es.messages()) == 4 }, "live frame")

	var contents []string
	for _, raw := range es.messages() {
		var m protocol.ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		contents = append(contents, m.Content)
	}
	want := []string{"first", "second", "third", "fourth"}
	for i, w := range want {
		if contents[i] != w {
			t.Fatalf("frame %d: expected %q, got %q (all: %v)", i, w, contents[i], contents)
		}
	}
}

func TestBacklogFlushesBeforeConcurrentSends(t *testing.T) {
	es := newEchoServer(t)
	c := New(bus.New(), es.wsURL())
	defer c.Close()

	backlog := []string{"first", "second", "third"}
	for _, content := range backlog {
		c.Send(protocol.ChatMessage{Type: protocol.TypeMessage, Sender: "7", Recipient: "9", Content: content})
	}

	// Race live sends against the connect-time flush. Whether a racer lands
	// in the queue or writes directly, the backlog must hit the wire first.
	const racers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c.Send(protocol.ChatMessage{Type: protocol.TypeMessage, Sender: "7", Recipient: "9", Content: fmt.Sprintf("live-%d", i)})
		}(i)
	}
	close(start)
	if err := c.Connect("7"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(es.messages()) >= len(backlog) }, "backlog to flush")

	for i, want := range backlog {
		var m protocol.ChatMessage
		if err := json.Unmarshal(es.messages()[i], &m); err != nil {
			t.Fatalf("unmarshal frame %d: %v", i, err)
		}
		if m.Content != want {
			t.Fatalf("frame %d: expected %q ahead of live traffic, got %q", i, want, m.Content)
		}
	}
}

func TestOutboundQueueDropsOldestOnOverflow(t *testing.T) {
	es := newEchoServer(t)
	c := New(bus.New(), es.wsURL())
	c.QueueLimit = 3
	defer c.Close()

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		c.Send(protocol.ChatMessage{Type: protocol.TypeMessage, Sender: "1", Recipient: "2", Content: content})
	}
	if err := c.Connect("1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, func() bool { return len(es.messages()) == 3 }, "flush")

	var contents []string
	for _, raw := range es.messages() {
		var m protocol.ChatMessage
		json.Unmarshal(raw, &m)
		contents = append(contents, m.Content)
	}
	want := []string{"c", "d", "e"}
	for i, w := range want {
		if contents[i] != w {
			t.Fatalf("frame %d: expected %q, got %q", i, w, contents[i])
		}
	}
}

func TestTerminalClosedAfterMaxAttempts(t *testing.T) {
	b := bus.New()
	// Nothing listens on this port, so every dial fails fast.
	c := New(b, "ws://127.0.0.1:1/ws")
	c.ReconnectDelay = 5 * time.Millisecond
	c.MaxReconnectAttempts = 3

	if err := c.Connect("7"); err == nil {
		t.Fatal("expected dial error")
	}

	waitFor(t, func() bool {
		return c.State() == StateClosed && c.ReconnectAttempts() == 3
	}, "attempt budget to be exhausted")

	// Give a would-be extra attempt time to fire, then confirm it did not.
	time.Sleep(30 * time.Millisecond)
	if got := c.ReconnectAttempts(); got != 3 {
		t.Fatalf("expected attempts to stay at 3, got %d", got)
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("expected terminal closed, got %v", got)
	}
}

func TestRetryResetsAttemptBudget(t *testing.T) {
	es := newEchoServer(t)
	c := New(bus.New(), "ws://127.0.0.1:1/ws")
	c.ReconnectDelay = 5 * time.Millisecond
	c.MaxReconnectAttempts = 2

	c.Connect("7")
	waitFor(t, func() bool {
		return c.State() == StateClosed && c.ReconnectAttempts() == 2
	}, "exhaustion")

	// Point at a live server and retry explicitly.
	c.url = es.wsURL()
	if err := c.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	defer c.Close()
	if got := c.State(); got != StateOpen {
		t.Fatalf("expected open after retry, got %v", got)
	}
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("expected attempts reset, got %d", got)
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	es := newEchoServer(t)
	b := bus.New()
	c := New(b, es.wsURL())
	c.ReconnectDelay = 10 * time.Millisecond
	defer c.Close()

	var mu sync.Mutex
	var closed, opened int
	b.Subscribe(bus.TopicConnectionClosed, func(interface{}) {
		mu.Lock()
		closed++
		mu.Unlock()
	})
	b.Subscribe(bus.TopicConnectionOpened, func(interface{}) {
		mu.Lock()
		opened++
		mu.Unlock()
	})

	if err := c.Connect("7"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Kill the server-side socket; the manager must come back by itself.
	es.mu.Lock()
	es.conns[0].Close()
	es.mu.Unlock()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed >= 1 && opened >= 2
	}, "automatic reconnect")

	if got := c.State(); got != StateOpen {
		t.Fatalf("expected open after reconnect, got %v", got)
	}
}

func TestInboundFramesAreDemultiplexed(t *testing.T) {
	es := newEchoServer(t)
	b := bus.New()
	c := New(b, es.wsURL())
	defer c.Close()

	var mu sync.Mutex
	var gotMsg *protocol.ChatMessage
	var gotTyping *TypingEvent
	var gotStatus *protocol.UserStatusFrame
	var gotNotif *NotificationEvent
	var gotCount int

	b.Subscribe(bus.TopicMessage, func(p interface{}) {
		mu.Lock()
		m := p.(protocol.ChatMessage)
		gotMsg = &m
		mu.Unlock()
	})
	b.Subscribe(bus.TopicUserTypingStatus, func(p interface{}) {
		mu.Lock()
		e := p.(TypingEvent)
		gotTyping = &e
		mu.Unlock()
	})
	b.Subscribe(bus.TopicUserStatus, func(p interface{}) {
		mu.Lock()
		f := p.(protocol.UserStatusFrame)
		gotStatus = &f
		mu.Unlock()
	})
	b.Subscribe(bus.TopicNewNotification, func(p interface{}) {
		mu.Lock()
		e := p.(NotificationEvent)
		gotNotif = &e
		mu.Unlock()
	})
	b.Subscribe(bus.TopicNotificationCount, func(p interface{}) {
		mu.Lock()
		gotCount = p.(int)
		mu.Unlock()
	})

	if err := c.Connect("12"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	es.push(t, map[string]interface{}{"type": "message", "sender": "9", "recipient": "12", "content": "hi", "timestamp": time.Now().UTC()})
	es.push(t, map[string]interface{}{"type": "typing", "sender": "9", "recipient": "12"})
	es.push(t, map[string]interface{}{"type": "user_status", "user_id": "9", "is_online": true})
	es.push(t, map[string]interface{}{
		"type": "new_notification", "receiver_id": "12", "unread_count": 4,
		"notification": map[string]interface{}{"id": "n-1", "type": "like", "actor_id": "9", "actor_name": "Bea"},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotMsg != nil && gotTyping != nil && gotStatus != nil && gotNotif != nil
	}, "all frames to arrive")

	mu.Lock()
	defer mu.Unlock()
	if gotMsg.Content != "hi" {
		t.Errorf("message content: %q", gotMsg.Content)
	}
	if !gotTyping.IsTyping || gotTyping.UserID != "9" {
		t.Errorf("typing event: %+v", gotTyping)
	}
	if !gotStatus.IsOnline || gotStatus.UserID != "9" {
		t.Errorf("status frame: %+v", gotStatus)
	}
	if gotNotif.UnreadCount != 4 || gotNotif.Notification.ActorName != "Bea" {
		t.Errorf("notification event: %+v", gotNotif)
	}
	if gotCount != 4 {
		t.Errorf("count event: %d", gotCount)
	}
}

func TestNotificationForOtherUserIsIgnored(t *testing.T) {
	es := newEchoServer(t)
	b := bus.New()
	c := New(b, es.wsURL())
	defer c.Close()

	var mu sync.Mutex
	var delivered, statusSeen bool
	b.Subscribe(bus.TopicNewNotification, func(interface{}) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})
	b.Subscribe(bus.TopicUserStatus, func(interface{}) {
		mu.Lock()
		statusSeen = true
		mu.Unlock()
	})

	if err := c.Connect("12"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	es.push(t, map[string]interface{}{
		"type": "new_notification", "receiver_id": "99", "unread_count": 1,
		"notification": map[string]interface{}{"id": "n-1", "type": "like", "actor_id": "9", "actor_name": "Bea"},
	})
	// Chase with a frame we can wait on; frames dispatch in arrival order.
	es.push(t, map[string]interface{}{"type": "user_status", "user_id": "9", "is_online": true})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statusSeen
	}, "the chasing frame")

	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Fatal("notification addressed to another user must be dropped")
	}
}

func TestMalformedFrameDoesNotKillDispatchLoop(t *testing.T) {
	es := newEchoServer(t)
	b := bus.New()
	c := New(b, es.wsURL())
	defer c.Close()

	var mu sync.Mutex
	var statusSeen bool
	b.Subscribe(bus.TopicUserStatus, func(interface{}) {
		mu.Lock()
		statusSeen = true
		mu.Unlock()
	})

	if err := c.Connect("12"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	es.mu.Lock()
	es.conns[0].WriteMessage(websocket.TextMessage, []byte(`{not json`))
	es.mu.Unlock()
	es.push(t, map[string]interface{}{"type": "user_status", "user_id": "9", "is_online": false})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statusSeen
	}, "frame after the malformed one")
}

func TestSendTypingMirrorsLocally(t *testing.T) {
	es := newEchoServer(t)
	b := bus.New()
	c := New(b, es.wsURL())
	defer c.Close()

	var mu sync.Mutex
	var local *TypingEvent
	b.Subscribe(bus.TopicUserTypingStatus, func(p interface{}) {
		mu.Lock()
		e := p.(TypingEvent)
		local = &e
		mu.Unlock()
	})

	if err := c.Connect("7"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.SendTyping("9", true) {
		t.Fatal("typing frame should be accepted while open")
	}

	mu.Lock()
	if local == nil || !local.IsTyping || local.UserID != "7" || local.RecipientID != "9" {
		t.Fatalf("local mirror event: %+v", local)
	}
	mu.Unlock()

	waitFor(t, func() bool { return len(es.messages()) == 1 }, "typing frame on the wire")
	var f protocol.TypingFrame
	if err := json.Unmarshal(es.messages()[0], &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != protocol.TypeTyping || f.Sender != "7" || f.Recipient != "9" {
		t.Fatalf("wire frame: %+v", f)
	}
}
