package endpoint

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatroom/internal/chatclock"
	"chatroom/internal/clientsession"
	"chatroom/internal/cryptobox"
	"chatroom/internal/notify"
	"chatroom/internal/protoerr"
	"chatroom/internal/userstore"
	"chatroom/internal/wire"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	store, err := userstore.Open(filepath.Join(t.TempDir(), "users.bin"))
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(conn, store, chatclock.New(), ServerConfig{HeartbeatInterval: time.Minute})
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, srv.LocalAddr().String()
}

func connectClient(t *testing.T, addr string) *clientsession.Session {
	t.Helper()
	cs := clientsession.New(chatclock.New(), &notify.Recording{}, time.Minute)
	if err := cs.Connect(addr, 2*time.Second); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { cs.Disconnect() })
	return cs
}

func TestRegisterLoginSay(t *testing.T) {
	_, addr := startServer(t)

	alice := connectClient(t, addr)
	if err := alice.Register("alice", "pw1"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Login("alice", "pw1"); err != nil {
		t.Fatal(err)
	}

	bob := connectClient(t, addr)
	if err := bob.Register("bob", "pw2"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Login("bob", "pw2"); err != nil {
		t.Fatal(err)
	}

	to := "bob"
	if err := alice.Say(&to, "hi"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond) // allow the pushed Event_NewMsg to land

	peer := "alice"
	entries, err := bob.GetChats(&peer)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Speaker != "alice" || entries[0].Text != "hi" {
		t.Fatalf("unexpected chat log: %+v", entries)
	}
}

func TestWrongPasswordFails(t *testing.T) {
	_, addr := startServer(t)
	c := connectClient(t, addr)
	if err := c.Register("u", "a"); err != nil {
		t.Fatal(err)
	}
	err := c.Login("u", "b")
	perr, ok := err.(*protoerr.Error)
	if !ok || perr.Kind != protoerr.KindCredentialInvalid {
		t.Fatalf("expected CredentialInvalid, got %v", err)
	}
}

func TestEvictionOnSameUsernameLogin(t *testing.T) {
	_, addr := startServer(t)

	first := connectClient(t, addr)
	if err := first.Register("alice", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := first.Login("alice", "pw"); err != nil {
		t.Fatal(err)
	}

	second := connectClient(t, addr)
	if err := second.Login("alice", "pw"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	// first's session was evicted server-side; its next request should
	// come back NotAuthenticated.
	err := first.Logout()
	perr, ok := err.(*protoerr.Error)
	if !ok || perr.Kind != protoerr.KindNotAuthenticated {
		t.Fatalf("expected NotAuthenticated after eviction, got %v", err)
	}
}

func TestHeartbeatExpiryReapsSession(t *testing.T) {
	mock := chatclock.NewMock()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	store, err := userstore.Open(filepath.Join(t.TempDir(), "users.bin"))
	if err != nil {
		t.Fatal(err)
	}
	heartbeat := 50 * time.Millisecond
	srv := NewServer(conn, store, mock, ServerConfig{HeartbeatInterval: heartbeat})
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	connectClient(t, srv.LocalAddr().String())
	// Connect returns as soon as HelloConfirm is sent, before the server
	// has registered the session, so wait for the registration to land.
	registered := time.Now().Add(2 * time.Second)
	for srv.registry.Count() == 0 && time.Now().Before(registered) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.registry.Count() != 1 {
		t.Fatalf("expected one registered session, got %d", srv.registry.Count())
	}

	// No client heartbeat arrives in mock time. The reaper ticks every
	// heartbeat/4 and drops a session only once now - last_heartbeat
	// exceeds the interval, so advancing the clock by two intervals
	// guarantees a tick past the threshold (spec.md §8 "Heartbeat expiry").
	mock.Add(2 * heartbeat)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.registry.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected stale session to be reaped, registry still has %d", srv.registry.Count())
}

func TestDecodeFailureThresholdClosesSession(t *testing.T) {
	srv, addr := startServer(t)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatal(err)
	}

	// Perform the handshake over a plain socket (rather than
	// clientsession.Session) so the test can keep writing raw garbage to
	// the very same peer address afterward.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	kp, err := cryptobox.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(wire.EncodeHello(wire.HelloMsg{ClientPub: kp.Pub})); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, wire.MaxFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	tag, body, ok := wire.CleartextKind(buf[:n])
	if !ok || tag != wire.TagHelloAck {
		t.Fatalf("expected HelloAck, got tag=%v ok=%v", tag, ok)
	}
	ack, err := wire.DecodeHelloAck(body)
	if err != nil {
		t.Fatal(err)
	}
	kemShared, ciphertext, err := cryptobox.ClientEncapsulate(ack.KEMEncKey[:])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cryptobox.DeriveSharedKey(kp.Priv, ack.ServerPub, kemShared); err != nil {
		t.Fatal(err)
	}
	var confirm wire.HelloConfirmMsg
	copy(confirm.KEMCiphertext[:], ciphertext)
	if _, err := conn.Write(wire.EncodeHelloConfirm(confirm)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Time{})

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.registry.ByAddr(localAddr); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := srv.registry.ByAddr(localAddr); !ok {
		t.Fatal("expected session registered after handshake")
	}

	// 32+ consecutive frames that fail to decrypt trip the
	// consecutive-failure threshold (spec.md §4.12) and close the session
	// entirely, unlike eviction/logout which only demote it.
	junk := make([]byte, 64)
	for i := range junk {
		junk[i] = byte(i + 1) // leading byte != TagSealed (0x00): always routed to the sealed-decode path
	}
	for i := 0; i < 40; i++ {
		if _, err := conn.Write(junk); err != nil {
			t.Fatal(err)
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.registry.ByAddr(localAddr); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected session to be closed after repeated decode failures")
}

func TestPublicBroadcastOrderingAcrossClients(t *testing.T) {
	_, addr := startServer(t)

	a := connectClient(t, addr)
	b := connectClient(t, addr)
	c := connectClient(t, addr)
	for i, sess := range []*clientsession.Session{a, b, c} {
		name := string(rune('a' + i))
		if err := sess.Register(name, "pw"); err != nil {
			t.Fatal(err)
		}
		if err := sess.Login(name, "pw"); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.Say(nil, "1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Say(nil, "2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	for _, sess := range []*clientsession.Session{a, b, c} {
		entries, err := sess.GetChats(nil)
		if err != nil {
			t.Fatal(err)
		}
		// The public log also holds every user's Online presence entry;
		// only the messages are compared here.
		var msgs []clientsession.Entry
		for _, e := range entries {
			if e.Kind == clientsession.EntryMessage {
				msgs = append(msgs, e)
			}
		}
		if len(msgs) != 2 || msgs[0].Text != "1" || msgs[1].Text != "2" {
			t.Fatalf("unexpected public order: %+v", entries)
		}
	}
}
