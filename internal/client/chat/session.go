// Package chat implements the per-conversation session: paged history with
// scroll-triggered backfill, optimistic sending with correlation-id
// reconciliation, and filtering/merging of inbound frames.
package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/debug"
	"github.com/openline-dev/forumchat/internal/protocol"
)

// Status is the client-side delivery state of a message.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Message is the view model held in a conversation. Optimistic messages get
// a temporary id until the server echo carrying the same correlation id
// replaces it with the persisted one.
type Message struct {
	ID            string
	CorrelationID string
	Sender        string
	Recipient     string
	Content       string
	Timestamp     time.Time
	Status        Status
}

// API is the slice of the REST collaborator the session needs.
type API interface {
	ChatHistory(ctx context.Context, user1, user2 string, page, limit int) ([]protocol.ChatMessage, error)
	SendMessage(ctx context.Context, msg protocol.ChatMessage) (*protocol.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, readerID, senderID string) error
}

// Transport is the slice of the connection manager the session needs.
type Transport interface {
	Send(v interface{}) bool
	IsOpen() bool
}

// Session drives one open conversation at a time. It subscribes to the
// inbound message stream on construction; Close releases the subscriptions
// and every pending timer.
type Session struct {
	Bus       *bus.Bus
	API       API
	Transport Transport

	// Tunables with production defaults; tests shorten them.
	PageSize       int
	LoadThrottle   time.Duration
	DeliveredDelay time.Duration
	ReadDelay      time.Duration

	selfID string

	mu           sync.Mutex
	peerID       string
	msgs         []Message
	page         int
	hasMore      bool
	loadingMore  bool
	lastLoad     time.Time
	trailingLoad *time.Timer
	statusTimers []*time.Timer
	unsubs       []func()
	closed       bool
}

// New builds a session engine for the signed-in user.
func New(b *bus.Bus, api API, tr Transport, selfID string) *Session {
	s := &Session{
		Bus:            b,
		API:            api,
		Transport:      tr,
		PageSize:       10,
		LoadThrottle:   200 * time.Millisecond,
		DeliveredDelay: 600 * time.Millisecond,
		ReadDelay:      1800 * time.Millisecond,
		selfID:         selfID,
	}
	s.unsubs = append(s.unsubs,
		b.Subscribe(bus.TopicMessage, s.onIncoming),
		b.Subscribe(bus.TopicMessageRead, s.onMessageRead),
	)
	return s
}

// Open switches the session to the conversation with peerID, resets
// pagination and loads the most recent page over HTTP. It does not wait for
// the live connection.
func (s *Session) Open(ctx context.Context, peerID string) error {
	s.mu.Lock()
	s.peerID = peerID
	s.page = 0
	s.hasMore = true
	s.loadingMore = false
	s.msgs = nil
	s.cancelStatusTimersLocked()
	s.mu.Unlock()

	fetched, err := s.API.ChatHistory(ctx, s.selfID, peerID, 1, s.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.peerID != peerID {
		// Open raced with a newer Open; this result is stale.
		s.mu.Unlock()
		return nil
	}
	s.page = 1
	s.hasMore = len(fetched) == s.PageSize
	s.mergeLocked(fetched)
	s.mu.Unlock()

	// Opening a conversation reads it.
	if err := s.API.MarkMessagesRead(ctx, s.selfID, peerID); err != nil {
		debug.Log("chat: mark read failed: %v", err)
	}
	return nil
}

// LoadMore fetches the next-older page and prepends it. It is serialized: a
// call while a load is in flight is a no-op, so rapid scroll triggers cause
// exactly one fetch. The returned count is how many messages were prepended,
// which the view uses to keep the scroll anchor stable.
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed || s.peerID == "" || !s.hasMore || s.loadingMore {
		s.mu.Unlock()
		return 0, nil
	}
	s.loadingMore = true
	peer := s.peerID
	nextPage := s.page + 1
	s.mu.Unlock()

	fetched, err := s.API.ChatHistory(ctx, s.selfID, peer, nextPage, s.PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingMore = false
	s.lastLoad = time.Now()
	if err != nil {
		return 0, err
	}
	if s.peerID != peer {
		return 0, nil
	}
	s.page = nextPage
	if len(fetched) < s.PageSize {
		s.hasMore = false
	}
	added := s.mergeLocked(fetched)
	return added, nil
}

// TriggerLoadMore is the scroll-event entry point. Bursts inside the
// throttle window coalesce into a single trailing LoadMore.
func (s *Session) TriggerLoadMore() {
	s.mu.Lock()
	if s.closed || !s.hasMore {
		s.mu.Unlock()
		return
	}
	since := time.Since(s.lastLoad)
	if since < s.LoadThrottle {
		if s.trailingLoad == nil {
			s.trailingLoad = time.AfterFunc(s.LoadThrottle-since, func() {
				s.mu.Lock()
				s.trailingLoad = nil
				s.mu.Unlock()
				s.LoadMore(context.Background())
			})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go s.LoadMore(context.Background())
}

// Send appends an optimistic local echo and dispatches the message over the
// live connection, or over HTTP when the connection is down. On a fallback
// failure the message is kept with StatusFailed for Resend; it is never
// silently dropped.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	s.mu.Lock()
	peer := s.peerID
	s.mu.Unlock()

	m := Message{
		ID:            "tmp-" + uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Sender:        s.selfID,
		Recipient:     peer,
		Content:       content,
		Timestamp:     time.Now(),
		Status:        StatusSending,
	}

	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()

	return s.dispatch(ctx, m)
}

// Resend retries a message that previously failed.
func (s *Session) Resend(ctx context.Context, id string) (Message, error) {
	s.mu.Lock()
	var m *Message
	for i := range s.msgs {
		if s.msgs[i].ID == id && s.msgs[i].Status == StatusFailed {
			s.msgs[i].Status = StatusSending
			m = &s.msgs[i]
			break
		}
	}
	if m == nil {
		s.mu.Unlock()
		return Message{}, nil
	}
	copyMsg := *m
	s.mu.Unlock()

	return s.dispatch(ctx, copyMsg)
}

func (s *Session) dispatch(ctx context.Context, m Message) (Message, error) {
	frame := protocol.ChatMessage{
		Type:          protocol.TypeMessage,
		CorrelationID: m.CorrelationID,
		Sender:        m.Sender,
		Recipient:     m.Recipient,
		Content:       m.Content,
		Timestamp:     m.Timestamp,
	}

	if s.Transport != nil && s.Transport.IsOpen() && s.Transport.Send(frame) {
		s.setStatusByCorrelation(m.CorrelationID, StatusSent)
		s.scheduleStatusProgression(m.CorrelationID)
		m.Status = StatusSent
		return m, nil
	}

	// REST fallback: the server copy carries the permanent id.
	saved, err := s.API.SendMessage(ctx, frame)
	if err != nil {
		s.setStatusByCorrelation(m.CorrelationID, StatusFailed)
		m.Status = StatusFailed
		return m, err
	}

	s.mu.Lock()
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == m.CorrelationID {
			s.msgs[i].ID = saved.ID
			s.msgs[i].Status = StatusSent
			if !saved.Timestamp.IsZero() {
				s.msgs[i].Timestamp = saved.Timestamp
			}
			m = s.msgs[i]
			break
		}
	}
	s.sortLocked()
	s.mu.Unlock()

	s.scheduleStatusProgression(m.CorrelationID)
	return m, nil
}

// Messages returns a copy of the conversation, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// HasMore reports whether older history remains to backfill.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Peer returns the open conversation partner, if any.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Close releases bus subscriptions and cancels every pending timer.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancelStatusTimersLocked()
	if s.trailingLoad != nil {
		s.trailingLoad.Stop()
		s.trailingLoad = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// onIncoming accepts only frames whose pair matches the open conversation in
// either orientation. A frame echoing one of our correlation ids reconciles
// the optimistic copy instead of appending a duplicate.
func (s *Session) onIncoming(payload interface{}) {
	f, ok := payload.(protocol.ChatMessage)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.peerID == "" {
		return
	}
	if !pairMatches(f.Sender, f.Recipient, s.selfID, s.peerID) {
		return
	}

	if f.CorrelationID != "" {
		for i := range s.msgs {
			if s.msgs[i].CorrelationID == f.CorrelationID {
				if f.ID != "" {
					s.msgs[i].ID = f.ID
				}
				if !f.Timestamp.IsZero() {
					s.msgs[i].Timestamp = f.Timestamp
				}
				if s.msgs[i].Status < StatusSent {
					s.msgs[i].Status = StatusSent
				}
				s.sortLocked()
				return
			}
		}
	}

	s.mergeLocked([]protocol.ChatMessage{f})
}

// onMessageRead upgrades our own messages to read when the peer's client
// reports having read them. This is the authoritative signal; the simulated
// progression only fills in when it never arrives.
func (s *Session) onMessageRead(payload interface{}) {
	f, ok := payload.(protocol.MessageReadFrame)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || f.SenderID != s.selfID || f.ReceiverID != s.peerID {
		return
	}
	for i := range s.msgs {
		if s.msgs[i].Sender == s.selfID && s.msgs[i].Status >= StatusSent && s.msgs[i].Status < StatusRead {
			s.msgs[i].Status = StatusRead
		}
	}
}

// mergeLocked folds fetched or inbound messages into the conversation,
// dropping duplicates by id and keeping non-decreasing timestamp order.
// Returns how many messages were actually added.
func (s *Session) mergeLocked(incoming []protocol.ChatMessage) int {
	seen := make(map[string]bool, len(s.msgs))
	for _, m := range s.msgs {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}

	added := 0
	for _, f := range incoming {
		if f.ID != "" && seen[f.ID] {
			continue
		}
		status := StatusSent
		if f.Read {
			status = StatusRead
		}
		s.msgs = append(s.msgs, Message{
			ID:            f.ID,
			CorrelationID: f.CorrelationID,
			Sender:        f.Sender,
			Recipient:     f.Recipient,
			Content:       f.Content,
			Timestamp:     f.Timestamp,
			Status:        status,
		})
		if f.ID != "" {
			seen[f.ID] = true
		}
		added++
	}
	s.sortLocked()
	return added
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.msgs, func(i, j int) bool {
		return s.msgs[i].Timestamp.Before(s.msgs[j].Timestamp)
	})
}

func (s *Session) setStatusByCorrelation(corr string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == corr {
			s.msgs[i].Status = status
			return
		}
	}
}

// scheduleStatusProgression simulates sent -> delivered -> read with
// staggered timers when the server pushes no authoritative status. Purely
// cosmetic; it never touches persisted state and never downgrades.
func (s *Session) scheduleStatusProgression(corr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.statusTimers = append(s.statusTimers,
		time.AfterFunc(s.DeliveredDelay, func() { s.upgradeStatus(corr, StatusDelivered) }),
		time.AfterFunc(s.ReadDelay, func() { s.upgradeStatus(corr, StatusRead) }),
	)
}

func (s *Session) upgradeStatus(corr string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == corr {
			if s.msgs[i].Status >= StatusSent && s.msgs[i].Status < status {
				s.msgs[i].Status = status
			}
			return
		}
	}
}

func (s *Session) cancelStatusTimersLocked() {
	for _, tm := range s.statusTimers {
		tm.Stop()
	}
	s.statusTimers = nil
}

func pairMatches(a, b, x, y string) bool {
	return (a == x && b == y) || (a == y && b == x)
}
