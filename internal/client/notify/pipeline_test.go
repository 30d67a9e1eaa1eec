package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/realtime"
	"github.com/openline-dev/forumchat/internal/client/rest"
	"github.com/openline-dev/forumchat/internal/protocol"
)

type fakeAPI struct {
	mu        sync.Mutex
	page      rest.NotificationsResult
	fetchErr  error
	markErr   error
	marked    []string
	markedAll int
}

func (f *fakeAPI) Notifications(context.Context) (*rest.NotificationsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := f.page
	return &out, nil
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedAll++
	return nil
}

func notif(id, kind string) protocol.Notification {
	return protocol.Notification{ID: id, Kind: kind, ActorName: "someone"}
}

func fastPipeline(b *bus.Bus, api API) *Pipeline {
	p := New(b, api)
	p.MaterializeDelay = time.Millisecond
	p.HoldDuration = 5 * time.Millisecond
	p.MigrateDuration = 2 * time.Millisecond
	return p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFetchReplacesListAndCount(t *testing.T) {
	api := &fakeAPI{page: rest.NotificationsResult{
		Notifications: []protocol.Notification{notif("n-1", protocol.NotifyLike), notif("n-2", protocol.NotifyComment)},
		UnreadCount:   7,
	}}
	b := bus.New()
	var counts []int
	b.Subscribe(bus.TopicNotificationCount, func(p interface{}) { counts = append(counts, p.(int)) })

	p := New(b, api)
	defer p.Close()

	if err := p.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.Unread() != 7 {
		t.Fatalf("unread: %d", p.Unread())
	}
	if got := p.Envelopes(); len(got) != 2 || got[0].ID != "n-1" {
		t.Fatalf("envelopes: %+v", got)
	}
	if len(counts) != 1 || counts[0] != 7 {
		t.Fatalf("count events: %v", counts)
	}
}

func TestFetchErrorLeavesStateUntouched(t *testing.T) {
	api := &fakeAPI{fetchErr: errors.New("down")}
	p := New(bus.New(), api)
	defer p.Close()

	if err := p.Fetch(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if p.Unread() != 0 || len(p.Envelopes()) != 0 {
		t.Fatal("failed fetch must not mutate state")
	}
}

func TestPushPrependsAndAdoptsServerCount(t *testing.T) {
	b := bus.New()
	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{
		Notification: notif("n-1", protocol.NotifyLike),
		UnreadCount:  4,
	})
	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{
		Notification: notif("n-2", protocol.NotifyMessage),
		UnreadCount:  5,
	})

	got := p.Envelopes()
	if len(got) != 2 || got[0].ID != "n-2" || got[1].ID != "n-1" {
		t.Fatalf("newest must be first: %+v", got)
	}
	if p.Unread() != 5 {
		t.Fatalf("count must come from the event, got %d", p.Unread())
	}
}

func TestPushUpsertsByIDWithoutReordering(t *testing.T) {
	b := bus.New()
	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-1", protocol.NotifyLike), UnreadCount: 1})
	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-2", protocol.NotifyComment), UnreadCount: 2})

	updated := notif("n-1", protocol.NotifyLike)
	updated.Read = true
	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: updated, UnreadCount: 1})

	got := p.Envelopes()
	if len(got) != 2 {
		t.Fatalf("upsert duplicated the entry: %+v", got)
	}
	if got[0].ID != "n-2" || got[1].ID != "n-1" || !got[1].Read {
		t.Fatalf("update must keep position: %+v", got)
	}
}

func TestToastWalksStagesInOrder(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var stages []ToastStage
	b.Subscribe(bus.TopicNotificationToast, func(pl interface{}) {
		mu.Lock()
		stages = append(stages, pl.(Toast).Stage)
		mu.Unlock()
	})

	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-1", protocol.NotifyLike), UnreadCount: 1})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stages) == 4
	}, "toast never completed")

	mu.Lock()
	defer mu.Unlock()
	want := []ToastStage{ToastMaterialize, ToastHold, ToastMigrate, ToastDone}
	for i, s := range want {
		if stages[i] != s {
			t.Fatalf("stage %d: got %v, want %v (%v)", i, stages[i], s, stages)
		}
	}
}

func TestToastsAreSerialized(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var order []string
	b.Subscribe(bus.TopicNotificationToast, func(pl interface{}) {
		toast := pl.(Toast)
		mu.Lock()
		order = append(order, toast.Notification.ID+":"+toast.Stage.String())
		mu.Unlock()
	})

	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-1", protocol.NotifyLike), UnreadCount: 1})
	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-2", protocol.NotifyComment), UnreadCount: 2})
	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-3", protocol.NotifyMessage), UnreadCount: 3})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 12
	}, "queued toasts never drained")

	mu.Lock()
	defer mu.Unlock()
	// Each toast completes before the next starts.
	if order[3] != "n-1:done" || order[4] != "n-2:materialize" || order[7] != "n-2:done" || order[8] != "n-3:materialize" {
		t.Fatalf("toasts overlapped: %v", order)
	}
}

func TestStageTimerReleasedAfterQueueDrains(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	done := 0
	b.Subscribe(bus.TopicNotificationToast, func(pl interface{}) {
		if pl.(Toast).Stage == ToastDone {
			mu.Lock()
			done++
			mu.Unlock()
		}
	})

	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	const pushed = 20
	for i := 0; i < pushed; i++ {
		b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{
			Notification: notif("n-"+strconv.Itoa(i), protocol.NotifyLike),
			UnreadCount:  i + 1,
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == pushed
	}, "queued toasts never drained")

	// A long-lived session must not accumulate fired timers; once the queue
	// drains, nothing is left armed.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stageTm != nil {
		t.Fatal("stage timer still held after the toast queue drained")
	}
}

func TestRepushedNotificationDoesNotToastAgain(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	toasts := 0
	b.Subscribe(bus.TopicNotificationToast, func(pl interface{}) {
		if pl.(Toast).Stage == ToastMaterialize {
			mu.Lock()
			toasts++
			mu.Unlock()
		}
	})

	p := fastPipeline(b, &fakeAPI{})
	defer p.Close()

	ev := realtime.NotificationEvent{Notification: notif("n-1", protocol.NotifyLike), UnreadCount: 1}
	b.Publish(bus.TopicNewNotification, ev)
	b.Publish(bus.TopicNewNotification, ev)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if toasts != 1 {
		t.Fatalf("expected one toast for a repushed id, got %d", toasts)
	}
}

func TestMarkReadUpdatesServerAndLocalCount(t *testing.T) {
	api := &fakeAPI{page: rest.NotificationsResult{
		Notifications: []protocol.Notification{notif("n-1", protocol.NotifyLike), notif("n-2", protocol.NotifyComment)},
		UnreadCount:   2,
	}}
	b := bus.New()
	p := New(b, api)
	defer p.Close()

	if err := p.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var counts []int
	b.Subscribe(bus.TopicNotificationCount, func(pl interface{}) { counts = append(counts, pl.(int)) })

	if err := p.MarkRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("markRead: %v", err)
	}
	if p.Unread() != 1 {
		t.Fatalf("unread: %d", p.Unread())
	}
	if !p.Envelopes()[0].Read {
		t.Fatal("n-1 must be read locally")
	}
	if len(api.marked) != 1 || api.marked[0] != "n-1" {
		t.Fatalf("server not told: %v", api.marked)
	}
	if len(counts) != 1 || counts[0] != 1 {
		t.Fatalf("count events: %v", counts)
	}

	// Marking the same one again must not double-decrement.
	if err := p.MarkRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("markRead: %v", err)
	}
	if p.Unread() != 1 {
		t.Fatalf("double decrement: %d", p.Unread())
	}
}

func TestMarkReadServerErrorLeavesStateUntouched(t *testing.T) {
	api := &fakeAPI{
		page: rest.NotificationsResult{
			Notifications: []protocol.Notification{notif("n-1", protocol.NotifyLike)},
			UnreadCount:   1,
		},
		markErr: errors.New("down"),
	}
	p := New(bus.New(), api)
	defer p.Close()

	if err := p.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := p.MarkRead(context.Background(), "n-1"); err == nil {
		t.Fatal("expected error")
	}
	if p.Unread() != 1 || p.Envelopes()[0].Read {
		t.Fatal("failed mark must not mutate local state")
	}
}

func TestMarkAllReadZeroesEverything(t *testing.T) {
	api := &fakeAPI{page: rest.NotificationsResult{
		Notifications: []protocol.Notification{notif("n-1", protocol.NotifyLike), notif("n-2", protocol.NotifyComment)},
		UnreadCount:   2,
	}}
	b := bus.New()
	p := New(b, api)
	defer p.Close()

	if err := p.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := p.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("markAllRead: %v", err)
	}
	if p.Unread() != 0 {
		t.Fatalf("unread: %d", p.Unread())
	}
	for _, n := range p.Envelopes() {
		if !n.Read {
			t.Fatalf("unread envelope after markAll: %+v", n)
		}
	}
	if api.markedAll != 1 {
		t.Fatalf("server calls: %d", api.markedAll)
	}
}

func TestCloseStopsToastsAndPushes(t *testing.T) {
	b := bus.New()
	p := fastPipeline(b, &fakeAPI{})
	p.Close()

	b.Publish(bus.TopicNewNotification, realtime.NotificationEvent{Notification: notif("n-1", protocol.NotifyLike), UnreadCount: 1})

	if len(p.Envelopes()) != 0 || p.Unread() != 0 {
		t.Fatal("closed pipeline must ignore pushes")
	}
}
