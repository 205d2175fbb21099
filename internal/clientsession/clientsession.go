// Package clientsession is the client side of spec.md §4.8: a single
// peer session targeting one server address, handling the handshake,
// login/message operations, and a local mirror of the roster and chat
// history that the UI layer can read synchronously between pushed
// updates. It is grounded in the teacher's internal/agent node runtime
// (one long-lived connection, a receive loop, heartbeats to the
// control plane) generalized from a CDN tunnel to the chat protocol's
// request/response/event framing.
package clientsession

import (
	"context"
	"net"
	"sync"
	"time"

	"chatroom/internal/chatclock"
	"chatroom/internal/cryptobox"
	"chatroom/internal/notify"
	"chatroom/internal/protoerr"
	"chatroom/internal/reqtable"
	"chatroom/internal/wire"
)

// EntryKind mirrors chatroom.EntryKind on the client side, kept as a
// distinct type so this package never imports the server's chatroom
// package (spec.md §1: the core's client half has no dependency on
// server-only state).
type EntryKind int

const (
	EntryOnline EntryKind = iota
	EntryOffline
	EntryMessage
)

// Entry is one locally-mirrored chat-log line.
type Entry struct {
	UnixNano int64
	Speaker  string
	Kind     EntryKind
	Text     string
}

// UserInfo is one locally-mirrored roster entry.
type UserInfo struct {
	Name   string
	Online bool
}

// DefaultRequestTimeout is the per-request timeout of spec.md §5
// ("per-request default 5s").
const DefaultRequestTimeout = 5 * time.Second

// DefaultHeartbeatInterval matches the server CLI default (spec.md §6).
const DefaultHeartbeatInterval = 60 * time.Second

const (
	respStatusOK  byte = 0x00
	respStatusErr byte = 0x01
)

const (
	newMsgScopePublic  byte = 0x00
	newMsgScopePrivate byte = 0x01
)

// Session is one client's connection to one server (spec.md §4.8).
type Session struct {
	clock             chatclock.Clock
	sink              notify.Sink
	heartbeatInterval time.Duration

	conn    *net.UDPConn
	table   *reqtable.Table
	env     *cryptobox.Envelope
	kp      cryptobox.Keypair

	mu       sync.Mutex
	username string
	roster   map[string]UserInfo
	history  map[string][]Entry // key: peer username, or "" for public
	lastRecv time.Time
	lostSent bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an unconnected client session. sink receives every
// server-pushed notification (spec.md §4.8).
func New(c chatclock.Clock, sink notify.Sink, heartbeatInterval time.Duration) *Session {
	if c == nil {
		c = chatclock.New()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Session{
		clock:             c,
		sink:              sink,
		heartbeatInterval: heartbeatInterval,
		roster:            make(map[string]UserInfo),
		history:           make(map[string][]Entry),
		done:              make(chan struct{}),
	}
}

// Connect dials addr, performs the three-leg handshake (spec.md §4.9
// ADDED hybrid leg), and starts the receive and heartbeat loops.
func (s *Session) Connect(addr string, timeout time.Duration) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransportError, "resolving server address", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransportError, "dialing server", err)
	}
	s.conn = conn

	kp, err := cryptobox.GenerateKeypair()
	if err != nil {
		conn.Close()
		return err
	}
	s.kp = kp

	deadline := s.clock.Now().Add(timeout)
	conn.SetReadDeadline(deadline)

	if _, err := conn.Write(wire.EncodeHello(wire.HelloMsg{ClientPub: kp.Pub})); err != nil {
		conn.Close()
		return protoerr.Wrap(protoerr.KindTransportError, "sending Hello", err)
	}

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return protoerr.Wrap(protoerr.KindTransportError, "awaiting HelloAck", err)
	}
	tag, body, ok := wire.CleartextKind(buf[:n])
	if !ok || tag != wire.TagHelloAck {
		conn.Close()
		return protoerr.New(protoerr.KindMalformedFrame, "expected HelloAck")
	}
	ack, err := wire.DecodeHelloAck(body)
	if err != nil {
		conn.Close()
		return err
	}

	kemShared, ciphertext, err := cryptobox.ClientEncapsulate(ack.KEMEncKey[:])
	if err != nil {
		conn.Close()
		return err
	}
	sharedKey, err := cryptobox.DeriveSharedKey(kp.Priv, ack.ServerPub, kemShared)
	if err != nil {
		conn.Close()
		return err
	}
	s.env = cryptobox.NewEnvelope(sharedKey, cryptobox.DirClientToServer)

	var confirm wire.HelloConfirmMsg
	copy(confirm.KEMCiphertext[:], ciphertext)
	if _, err := conn.Write(wire.EncodeHelloConfirm(confirm)); err != nil {
		conn.Close()
		return protoerr.Wrap(protoerr.KindTransportError, "sending HelloConfirm", err)
	}

	conn.SetReadDeadline(time.Time{})
	s.table = reqtable.New(s.clock)
	s.mu.Lock()
	s.lastRecv = s.clock.Now()
	s.mu.Unlock()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.receiveLoop() }()
	go func() { defer s.wg.Done(); s.heartbeatLoop() }()
	return nil
}

const maxDatagramSize = wire.MaxFrameSize

// LocalAddr reports the local UDP address of an established connection,
// mirroring endpoint.Server.LocalAddr. Returns nil before Connect succeeds.
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Disconnect tears down the session: the socket is closed, the request
// table completes every outstanding call with EndpointClosed, and the
// background loops unwind (spec.md §5: "no partially shut-down state").
func (s *Session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.table != nil {
			s.table.Shutdown()
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Session) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.sink.Deliver(notify.Event{Kind: notify.EventConnectionLost})
				return
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram)
	}
}

func (s *Session) handleDatagram(datagram []byte) {
	plaintext, err := s.env.Open(datagram)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.lastRecv = s.clock.Now()
	s.lostSent = false
	s.mu.Unlock()

	p, err := wire.DecodePlaintext(plaintext)
	if err != nil {
		return
	}
	switch p.Dir {
	case wire.DirResponse:
		s.table.Complete(p.CorrID, p.Body)
	case wire.DirEvent:
		s.handleEvent(p)
	}
}

func (s *Session) handleEvent(p wire.Plaintext) {
	switch p.Op {
	case wire.OpEventOnline, wire.OpEventOffline:
		infos, err := wire.DecodeUserInfos(p.Body)
		if err != nil || len(infos) == 0 {
			return
		}
		online := p.Op == wire.OpEventOnline
		s.mu.Lock()
		s.roster[infos[0].Name] = UserInfo{Name: infos[0].Name, Online: online}
		s.mu.Unlock()
		kind := notify.EventOffline
		if online {
			kind = notify.EventOnline
		}
		s.sink.Deliver(notify.Event{Kind: kind, Username: infos[0].Name})
	case wire.OpEventUsersUpdated:
		s.sink.Deliver(notify.Event{Kind: notify.EventUsersUpdated})
	case wire.OpEventNewMsg:
		if len(p.Body) < 1 {
			return
		}
		scope, rest := p.Body[0], p.Body[1:]
		entries, err := wire.DecodeChatEntries(rest)
		if err != nil || len(entries) == 0 {
			return
		}
		e := entries[0]
		peerKey := ""
		if scope == newMsgScopePrivate {
			peerKey = e.Speaker
		}
		s.mu.Lock()
		s.history[peerKey] = append(s.history[peerKey], Entry{UnixNano: e.UnixNano, Speaker: e.Speaker, Kind: EntryMessage, Text: e.Text})
		s.mu.Unlock()
		s.sink.Deliver(notify.Event{Kind: notify.EventNewMsg, Username: e.Speaker, Text: e.Text})
	}
}

func (s *Session) heartbeatLoop() {
	interval := s.heartbeatInterval / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sendHeartbeat()
			s.checkLiveness()
		}
	}
}

func (s *Session) sendHeartbeat() {
	pt := wire.Plaintext{Dir: wire.DirEvent, CorrID: 0, Op: wire.OpHeartbeat}
	sealed, err := s.env.Seal(wire.EncodePlaintext(pt))
	if err != nil {
		return
	}
	s.conn.Write(sealed)
}

func (s *Session) checkLiveness() {
	s.mu.Lock()
	stale := s.clock.Now().Sub(s.lastRecv) > s.heartbeatInterval
	alreadySent := s.lostSent
	if stale {
		s.lostSent = true
	}
	s.mu.Unlock()
	if stale && !alreadySent {
		s.sink.Deliver(notify.Event{Kind: notify.EventConnectionLost})
	}
}

// submit allocates a correlation id, seals and sends a request, and
// decodes its response's status byte. A status byte of respStatusErr
// reconstructs the structured error carried in the ErrBody.
func (s *Session) submit(op wire.Op, body []byte) ([]byte, error) {
	payload, err := s.table.Submit(context.Background(), DefaultRequestTimeout, func(id uint32) error {
		pt := wire.Plaintext{Dir: wire.DirRequest, CorrID: id, Op: op, Body: body}
		sealed, err := s.env.Seal(wire.EncodePlaintext(pt))
		if err != nil {
			return err
		}
		_, writeErr := s.conn.Write(sealed)
		return writeErr
	})
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 {
		return nil, protoerr.New(protoerr.KindMalformedFrame, "empty response body")
	}
	status, rest := payload[0], payload[1:]
	if status == respStatusErr {
		errBody, err := wire.DecodeErrBody(rest)
		if err != nil {
			return nil, protoerr.New(protoerr.KindMalformedFrame, "malformed error body")
		}
		return nil, protoerr.New(protoerr.Kind(errBody.Kind), errBody.Msg)
	}
	return rest, nil
}

func (s *Session) requireLoggedIn() error {
	s.mu.Lock()
	username := s.username
	s.mu.Unlock()
	if username == "" {
		s.sink.Deliver(notify.Event{Kind: notify.EventNotLogin})
		return protoerr.New(protoerr.KindNotAuthenticated, "not logged in")
	}
	return nil
}

// Register creates a new account (spec.md §4.8).
func (s *Session) Register(username, password string) error {
	_, err := s.submit(wire.OpRegister, wire.EncodeCredentialBody(wire.CredentialBody{Username: username, Password: password}))
	return err
}

// Login authenticates the session as username (spec.md §4.8).
func (s *Session) Login(username, password string) error {
	_, err := s.submit(wire.OpLogin, wire.EncodeCredentialBody(wire.CredentialBody{Username: username, Password: password}))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	return nil
}

// Logout ends the authenticated session (spec.md §4.8).
func (s *Session) Logout() error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	_, err := s.submit(wire.OpLogout, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.username = ""
	s.mu.Unlock()
	return nil
}

// ChangePassword replaces the stored credential (spec.md §4.8).
func (s *Session) ChangePassword(oldPassword, newPassword string) error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	_, err := s.submit(wire.OpChangePassword, wire.EncodeChangePasswordBody(wire.ChangePasswordBody{OldPassword: oldPassword, NewPassword: newPassword}))
	return err
}

// Say sends a message. recipient == nil broadcasts publicly (spec.md §4.8).
func (s *Session) Say(recipient *string, text string) error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	to := ""
	if recipient != nil {
		to = *recipient
	}
	_, err := s.submit(wire.OpSay, wire.EncodeSayBody(wire.SayBody{To: to, Text: text}))
	return err
}

// GetChats fetches a conversation (peer == nil for the public log),
// refreshing the local mirror, and returns it (spec.md §4.8).
func (s *Session) GetChats(peer *string) ([]Entry, error) {
	if err := s.requireLoggedIn(); err != nil {
		return nil, err
	}
	key := ""
	if peer != nil {
		key = *peer
	}
	respBody, err := s.submit(wire.OpGetChats, wire.EncodeGetChatsBody(wire.GetChatsBody{Peer: key}))
	if err != nil {
		return nil, err
	}
	wireEntries, err := wire.DecodeChatEntries(respBody)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(wireEntries))
	for i, e := range wireEntries {
		kind := EntryMessage
		switch e.Kind {
		case wire.EntryKindOnline:
			kind = EntryOnline
		case wire.EntryKindOffline:
			kind = EntryOffline
		}
		entries[i] = Entry{UnixNano: e.UnixNano, Speaker: e.Speaker, Kind: kind, Text: e.Text}
	}
	s.mu.Lock()
	s.history[key] = entries
	s.mu.Unlock()
	return entries, nil
}

// FetchChatroomStatus refreshes and returns the full user roster
// (spec.md §4.8 "fetch_chatroom_status").
func (s *Session) FetchChatroomStatus() ([]UserInfo, error) {
	return s.getUsers()
}

// getUsers refreshes and returns the full user roster (wire op GetUsers,
// which also backs get_user_info/get_server_info below — spec.md §6's
// opcode table has no dedicated codes for those, so this specification
// multiplexes them over the roster fetch).
func (s *Session) getUsers() ([]UserInfo, error) {
	if err := s.requireLoggedIn(); err != nil {
		return nil, err
	}
	respBody, err := s.submit(wire.OpGetUsers, nil)
	if err != nil {
		return nil, err
	}
	infos, err := wire.DecodeUserInfos(respBody)
	if err != nil {
		return nil, err
	}
	out := make([]UserInfo, len(infos))
	s.mu.Lock()
	for i, info := range infos {
		ui := UserInfo{Name: info.Name, Online: info.Online}
		out[i] = ui
		s.roster[info.Name] = ui
	}
	s.mu.Unlock()
	return out, nil
}

// GetPersonalInfo returns this session's own username (spec.md §4.8).
func (s *Session) GetPersonalInfo() UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UserInfo{Name: s.username, Online: s.username != ""}
}

// GetUserInfo looks up a user in the locally-mirrored roster, refetching
// from the server if it isn't cached yet (spec.md §4.8).
func (s *Session) GetUserInfo(username string) (UserInfo, error) {
	s.mu.Lock()
	info, ok := s.roster[username]
	s.mu.Unlock()
	if ok {
		return info, nil
	}
	infos, err := s.getUsers()
	if err != nil {
		return UserInfo{}, err
	}
	for _, i := range infos {
		if i.Name == username {
			return i, nil
		}
	}
	return UserInfo{}, protoerr.New(protoerr.KindUserUnknown, username)
}

// GetServerInfo reports the size of the known roster as a coarse summary
// of server state (spec.md §4.8; the base protocol carries no dedicated
// server-info payload, see getUsers doc comment above).
func (s *Session) GetServerInfo() (UserInfo, int, error) {
	infos, err := s.getUsers()
	if err != nil {
		return UserInfo{}, 0, err
	}
	return s.GetPersonalInfo(), len(infos), nil
}
