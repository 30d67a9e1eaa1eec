// Package notify keeps the client's notification list and unread badge in
// sync with the server and serializes toast presentation so popups never
// overlap.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/debug"
	"github.com/openline-dev/forumchat/internal/client/realtime"
	"github.com/openline-dev/forumchat/internal/client/rest"
	"github.com/openline-dev/forumchat/internal/protocol"
)

// API is the slice of the REST collaborator the pipeline needs.
type API interface {
	Notifications(ctx context.Context) (*rest.NotificationsResult, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// ToastStage is where a toast currently is in its lifecycle.
type ToastStage int

const (
	ToastMaterialize ToastStage = iota
	ToastHold
	ToastMigrate
	ToastDone
)

func (s ToastStage) String() string {
	switch s {
	case ToastMaterialize:
		return "materialize"
	case ToastHold:
		return "hold"
	case ToastMigrate:
		return "migrate"
	case ToastDone:
		return "done"
	}
	return "unknown"
}

// Toast is the payload published on bus.TopicNotificationToast, once per
// stage transition.
type Toast struct {
	Notification protocol.Notification
	Stage        ToastStage
}

// Pipeline owns the notification list, the unread count, and the toast
// queue. The count is server-authoritative: it is only ever set from a fetch
// response or a push event, never recomputed locally.
type Pipeline struct {
	Bus *bus.Bus
	API API

	// Toast stage durations with production defaults; tests shorten them.
	MaterializeDelay time.Duration
	HoldDuration     time.Duration
	MigrateDuration  time.Duration

	mu      sync.Mutex
	items   []protocol.Notification
	unread  int
	queue   []protocol.Notification
	showing bool
	stageTm *time.Timer // toasts are serialized, so one stage timer at most
	unsubs  []func()
	closed  bool
}

// New builds a pipeline and subscribes it to pushed notifications.
func New(b *bus.Bus, api API) *Pipeline {
	p := &Pipeline{
		Bus:              b,
		API:              api,
		MaterializeDelay: 10 * time.Millisecond,
		HoldDuration:     1500 * time.Millisecond,
		MigrateDuration:  800 * time.Millisecond,
	}
	p.unsubs = append(p.unsubs,
		b.Subscribe(bus.TopicNewNotification, p.onPush),
	)
	return p
}

// Fetch replaces the list and count from the server.
func (p *Pipeline) Fetch(ctx context.Context) error {
	res, err := p.API.Notifications(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.items = append([]protocol.Notification(nil), res.Notifications...)
	p.unread = res.UnreadCount
	p.mu.Unlock()

	p.Bus.Publish(bus.TopicNotificationCount, res.UnreadCount)
	return nil
}

// Unread returns the server-authoritative unread count.
func (p *Pipeline) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread
}

// Envelopes returns a copy of the list, newest first.
func (p *Pipeline) Envelopes() []protocol.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Notification, len(p.items))
	copy(out, p.items)
	return out
}

// MarkRead marks one notification read on the server and locally. The local
// count is decremented optimistically; the next fetch or push corrects any
// drift.
func (p *Pipeline) MarkRead(ctx context.Context, id string) error {
	if err := p.API.MarkNotificationRead(ctx, id); err != nil {
		return err
	}

	p.mu.Lock()
	for i := range p.items {
		if p.items[i].ID == id && !p.items[i].Read {
			p.items[i].Read = true
			if p.unread > 0 {
				p.unread--
			}
			break
		}
	}
	count := p.unread
	p.mu.Unlock()

	p.Bus.Publish(bus.TopicNotificationCount, count)
	return nil
}

// MarkAllRead marks everything read on the server and locally.
func (p *Pipeline) MarkAllRead(ctx context.Context) error {
	if err := p.API.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	for i := range p.items {
		p.items[i].Read = true
	}
	p.unread = 0
	p.mu.Unlock()

	p.Bus.Publish(bus.TopicNotificationCount, 0)
	return nil
}

// Close releases subscriptions and cancels any pending toast timer.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	if p.stageTm != nil {
		p.stageTm.Stop()
		p.stageTm = nil
	}
	p.queue = nil
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// onPush upserts the pushed notification by id. A known id updates in place
// and keeps its position; a new one goes to the front and enqueues a toast.
// The count in the event replaces the local one wholesale.
func (p *Pipeline) onPush(payload interface{}) {
	ev, ok := payload.(realtime.NotificationEvent)
	if !ok {
		return
	}
	n := ev.Notification

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.unread = ev.UnreadCount

	fresh := true
	for i := range p.items {
		if p.items[i].ID == n.ID {
			p.items[i] = n
			fresh = false
			break
		}
	}
	if fresh {
		p.items = append([]protocol.Notification{n}, p.items...)
		p.queue = append(p.queue, n)
	}
	start := fresh && !p.showing
	if start {
		p.showing = true
	}
	p.mu.Unlock()

	if start {
		p.showNext()
	}
}

// showNext pops the queue head and walks it through materialize, hold and
// migrate. The next toast starts only after the previous one finishes, so
// rapid pushes display one at a time.
func (p *Pipeline) showNext() {
	p.mu.Lock()
	if p.closed || len(p.queue) == 0 {
		p.showing = false
		p.stageTm = nil
		p.mu.Unlock()
		return
	}
	n := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	debug.Log("notify: toast for %s", n.ID)
	p.stage(n, ToastMaterialize, p.MaterializeDelay, func() {
		p.stage(n, ToastHold, p.HoldDuration, func() {
			p.stage(n, ToastMigrate, p.MigrateDuration, func() {
				p.Bus.Publish(bus.TopicNotificationToast, Toast{Notification: n, Stage: ToastDone})
				p.showNext()
			})
		})
	})
}

func (p *Pipeline) stage(n protocol.Notification, s ToastStage, d time.Duration, next func()) {
	p.Bus.Publish(bus.TopicNotificationToast, Toast{Notification: n, Stage: s})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stageTm = time.AfterFunc(d, next)
	p.mu.Unlock()
}
