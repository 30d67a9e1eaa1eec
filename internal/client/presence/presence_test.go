package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/openline-dev/forumchat/internal/client/bus"
	"github.com/openline-dev/forumchat/internal/client/realtime"
	"github.com/openline-dev/forumchat/internal/protocol"
)

func TestUnknownUserIsOffline(t *testing.T) {
	tr := New(bus.New())
	defer tr.Close()

	if tr.Online("ghost") {
		t.Fatal("unknown user must default to offline")
	}
	if tr.Typing("ghost") {
		t.Fatal("unknown user must not be typing")
	}
}

func TestUserStatusFrameUpdatesCacheAndPublishesChange(t *testing.T) {
	b := bus.New()
	tr := New(b)
	defer tr.Close()

	var mu sync.Mutex
	var changes []StatusChange
	b.Subscribe(bus.TopicUserStatusChange, func(p interface{}) {
		mu.Lock()
		changes = append(changes, p.(StatusChange))
		mu.Unlock()
	})

	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "9", IsOnline: true})

	if !tr.Online("9") {
		t.Fatal("user 9 should be online")
	}
	mu.Lock()
	if len(changes) != 1 || changes[0].UserID != "9" || !changes[0].IsOnline {
		t.Fatalf("expected one online change for 9, got %v", changes)
	}
	mu.Unlock()

	// Same status again must not re-publish.
	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "9", IsOnline: true})
	mu.Lock()
	if len(changes) != 1 {
		t.Fatalf("duplicate status published a change: %v", changes)
	}
	mu.Unlock()

	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "9", IsOnline: false})
	if tr.Online("9") {
		t.Fatal("user 9 should be offline")
	}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	b := bus.New()
	tr := New(b)
	tr.TypingTTL = 30 * time.Millisecond
	defer tr.Close()

	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", RecipientID: "1", IsTyping: true})

	if !tr.Typing("5") {
		t.Fatal("user 5 should be typing")
	}

	deadline := time.Now().Add(time.Second)
	for tr.Typing("5") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Typing("5") {
		t.Fatal("typing flag did not expire")
	}
}

func TestFreshTypingSignalResetsTimer(t *testing.T) {
	b := bus.New()
	tr := New(b)
	tr.TypingTTL = 60 * time.Millisecond
	defer tr.Close()

	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", IsTyping: true})
	time.Sleep(40 * time.Millisecond)
	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", IsTyping: true})

	// Past the first signal's deadline but within the second's.
	time.Sleep(40 * time.Millisecond)
	if !tr.Typing("5") {
		t.Fatal("typing must survive until TTL after the most recent signal")
	}

	deadline := time.Now().Add(time.Second)
	for tr.Typing("5") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Typing("5") {
		t.Fatal("typing flag did not expire after the second signal")
	}
}

func TestStopTypingClearsImmediately(t *testing.T) {
	b := bus.New()
	tr := New(b)
	defer tr.Close()

	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", IsTyping: true})
	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", IsTyping: false})

	if tr.Typing("5") {
		t.Fatal("stop_typing must clear the flag without waiting for the TTL")
	}
}

func TestSignupMarksUserOnline(t *testing.T) {
	b := bus.New()
	tr := New(b)
	defer tr.Close()

	b.Publish(bus.TopicUserSignup, protocol.User{ID: "33", Nickname: "newbie"})

	if !tr.Online("33") {
		t.Fatal("freshly signed-up user should be online")
	}
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Nickname != "newbie" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestUsersListReplacesStatuses(t *testing.T) {
	b := bus.New()
	tr := New(b)
	defer tr.Close()

	b.Publish(bus.TopicUsersListUpdate, []protocol.User{
		{ID: "1", Nickname: "ann", IsOnline: true},
		{ID: "2", Nickname: "bob", IsOnline: false},
		{ID: "3", Nickname: "cam", IsOnline: true},
	})

	if !tr.Online("1") || tr.Online("2") || !tr.Online("3") {
		t.Fatalf("statuses wrong: 1=%v 2=%v 3=%v", tr.Online("1"), tr.Online("2"), tr.Online("3"))
	}

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 users, got %d", len(snap))
	}
	// Online users sort first, then by nickname.
	if snap[0].Nickname != "ann" || snap[1].Nickname != "cam" || snap[2].Nickname != "bob" {
		t.Fatalf("snapshot order: %v, %v, %v", snap[0].Nickname, snap[1].Nickname, snap[2].Nickname)
	}
}

func TestGoingOfflineClearsTyping(t *testing.T) {
	b := bus.New()
	tr := New(b)
	defer tr.Close()

	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "5", IsOnline: true})
	b.Publish(bus.TopicUserTypingStatus, realtime.TypingEvent{UserID: "5", IsTyping: true})
	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "5", IsOnline: false})

	if tr.Typing("5") {
		t.Fatal("offline user must not remain typing")
	}
}

func TestCloseStopsReactingToEvents(t *testing.T) {
	b := bus.New()
	tr := New(b)
	tr.Close()

	b.Publish(bus.TopicUserStatus, protocol.UserStatusFrame{Type: protocol.TypeUserStatus, UserID: "9", IsOnline: true})

	if tr.Online("9") {
		t.Fatal("closed tracker must not mutate state")
	}
}
