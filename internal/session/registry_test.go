package session

import (
	"net"
	"testing"
	"time"

	"chatroom/internal/chatclock"
	"chatroom/internal/notify"
)

func testAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestUpsertUnauthIsIdempotent(t *testing.T) {
	reg := New(chatclock.NewMock(), time.Minute, nil)
	addr := testAddr(t, "127.0.0.1:9001")
	s1 := reg.UpsertUnauth(addr, [32]byte{}, nil)
	s2 := reg.UpsertUnauth(addr, [32]byte{}, nil)
	if s1 != s2 {
		t.Fatal("expected the same session for a repeated peer address")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}
}

func TestAuthenticateEvictsSameUsername(t *testing.T) {
	sink := &notify.Recording{}
	reg := New(chatclock.NewMock(), time.Minute, sink)

	first := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9001"), [32]byte{}, nil)
	if err := reg.Authenticate(first, "alice"); err != nil {
		t.Fatal(err)
	}

	second := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9002"), [32]byte{}, nil)
	if err := reg.Authenticate(second, "alice"); err != nil {
		t.Fatal(err)
	}

	if first.State() != StateUnauthConnected {
		t.Fatal("expected the first session to be demoted to unauthenticated")
	}
	if got, ok := reg.ByUsername("alice"); !ok || got != second {
		t.Fatal("expected the second session to own the username")
	}
	if _, ok := reg.ByAddr(first.PeerAddr); !ok {
		t.Fatal("expected the evicted session's address to remain registered, demoted to unauthenticated")
	}
	if first.Username() != "" {
		t.Fatal("expected the evicted session to lose its username")
	}

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected Online, Offline, Online, got %d events: %+v", len(events), events)
	}
	if events[0].Kind != notify.EventOnline || events[1].Kind != notify.EventOffline || events[2].Kind != notify.EventOnline {
		t.Fatalf("expected strict online/offline alternation, got %+v", events)
	}
}

func TestAuthenticateTwiceOnSameSessionFails(t *testing.T) {
	reg := New(chatclock.NewMock(), time.Minute, nil)
	sess := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9001"), [32]byte{}, nil)
	if err := reg.Authenticate(sess, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Authenticate(sess, "bob2"); err == nil {
		t.Fatal("expected AlreadyAuthenticated error")
	}
}

func TestTouchResetsDeadline(t *testing.T) {
	clk := chatclock.NewMock()
	reg := New(clk, time.Minute, nil)
	sess := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9001"), [32]byte{}, nil)
	if err := reg.Authenticate(sess, "carol"); err != nil {
		t.Fatal(err)
	}

	clk.Add(45 * time.Second)
	reg.Touch(sess)
	clk.Add(45 * time.Second)

	reaped := reg.Reap(clk.Now())
	if len(reaped) != 0 {
		t.Fatalf("expected Touch to stave off reaping, got %d reaped", len(reaped))
	}
}

func TestReapExpiresStaleSessions(t *testing.T) {
	sink := &notify.Recording{}
	clk := chatclock.NewMock()
	reg := New(clk, time.Minute, sink)

	sess := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9001"), [32]byte{}, nil)
	if err := reg.Authenticate(sess, "dave"); err != nil {
		t.Fatal(err)
	}

	clk.Add(2 * time.Minute)
	reaped := reg.Reap(clk.Now())
	if len(reaped) != 1 || reaped[0] != sess {
		t.Fatalf("expected dave's session to be reaped, got %+v", reaped)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected registry to be empty after reap, got %d", reg.Count())
	}

	found := false
	for _, e := range sink.Events() {
		if e.Kind == notify.EventOffline && e.Username == "dave" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an Offline event for the reaped session")
	}
}

func TestLogoutDropsUsernameButKeepsAddress(t *testing.T) {
	reg := New(chatclock.NewMock(), time.Minute, nil)
	sess := reg.UpsertUnauth(testAddr(t, "127.0.0.1:9001"), [32]byte{}, nil)
	if err := reg.Authenticate(sess, "erin"); err != nil {
		t.Fatal(err)
	}
	reg.Logout(sess)

	if _, ok := reg.ByAddr(sess.PeerAddr); !ok {
		t.Fatal("expected logout to keep the peer's address registered, demoted to unauthenticated")
	}
	if _, ok := reg.ByUsername("erin"); ok {
		t.Fatal("expected logout to drop the username index")
	}
}

func TestRecordFailureClosesAfterThreshold(t *testing.T) {
	clk := chatclock.NewMock()
	sess := &Session{errWindowFrom: clk.Now()}
	var shouldClose bool
	for i := 0; i < 32; i++ {
		shouldClose = sess.RecordFailure(clk.Now())
	}
	if !shouldClose {
		t.Fatal("expected 32 consecutive failures to signal closure")
	}
}

func TestRecordFailureWindowResets(t *testing.T) {
	clk := chatclock.NewMock()
	sess := &Session{errWindowFrom: clk.Now()}
	for i := 0; i < 10; i++ {
		sess.RecordFailure(clk.Now())
	}
	clk.Add(11 * time.Second)
	if sess.RecordFailure(clk.Now()) {
		t.Fatal("expected the failure window to have reset")
	}
}
