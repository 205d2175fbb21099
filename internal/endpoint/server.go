package endpoint

import (
	"net"
	"sync"
	"time"

	"chatroom/internal/audit"
	"chatroom/internal/chatclock"
	"chatroom/internal/chatlog"
	"chatroom/internal/chatroom"
	"chatroom/internal/cryptobox"
	"chatroom/internal/notify"
	"chatroom/internal/protoerr"
	"chatroom/internal/session"
	"chatroom/internal/userstore"
	"chatroom/internal/wire"
)

const (
	respStatusOK  byte = 0x00
	respStatusErr byte = 0x01
)

// newMsgScope distinguishes a public broadcast from a directed private
// message in an Event_NewMsg body, so the receiving client knows which
// local log to mirror the entry into (spec.md §4.8 ADDED wire detail:
// the base op table has no room for a scope field, so it is carried as
// the event body's leading byte rather than added to wire.ChatEntryWire
// itself).
const (
	newMsgScopePublic  byte = 0x00
	newMsgScopePrivate byte = 0x01
)

// pendingHandshake is the server's in-flight state between Hello and
// HelloConfirm (spec.md §4.9 ADDED hybrid leg): the session cannot be
// upserted into the registry until the shared key is fully derived.
type pendingHandshake struct {
	clientPub [32]byte
	serverKP  cryptobox.Keypair
	kemKP     cryptobox.KEMKeypair
}

// ServerConfig configures a Server.
type ServerConfig struct {
	HeartbeatInterval time.Duration // default 60s, spec.md §5
	ChatHistoryLen    int           // default chatroom.DefaultMaxEntries
	Sink              notify.Sink   // external observer; may be nil
	Audit             *audit.Log    // may be nil
}

// Server is the server side of the datagram endpoint: it owns the
// socket, the session registry, the chatroom state, and the user store,
// and runs the receive and timer loops of spec.md §4.4.
type Server struct {
	t        *transport
	clock    chatclock.Clock
	registry *session.Registry
	room     *chatroom.Room
	users    *userstore.Store
	audit    *audit.Log
	external notify.Sink

	heartbeatInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingHandshake

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewServer binds conn (already listening) and wires together the
// registry/chatroom/userstore for a running server.
func NewServer(conn *net.UDPConn, users *userstore.Store, c chatclock.Clock, cfg ServerConfig) *Server {
	if c == nil {
		c = chatclock.New()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.ChatHistoryLen <= 0 {
		cfg.ChatHistoryLen = chatroom.DefaultMaxEntries
	}

	s := &Server{
		t:                 newTransport(conn),
		clock:             c,
		users:             users,
		audit:             cfg.Audit,
		external:          cfg.Sink,
		heartbeatInterval: cfg.HeartbeatInterval,
		pending:           make(map[string]*pendingHandshake),
		done:              make(chan struct{}),
	}
	s.registry = session.New(c, cfg.HeartbeatInterval, s)
	s.room = chatroom.New(c, users, s.registry, cfg.ChatHistoryLen)
	return s
}

// LocalAddr reports the bound socket address.
func (s *Server) LocalAddr() net.Addr { return s.t.localAddr() }

// Deliver implements notify.Sink: it is installed as the session
// registry's sink so that every Online/Offline decision (login,
// eviction, logout, reap) drives both the chatroom's presence log and a
// wire-level broadcast to every authenticated client (the subject
// included), from one place.
func (s *Server) Deliver(e notify.Event) {
	switch e.Kind {
	case notify.EventOnline, notify.EventOffline:
		entry := s.room.PostPresence(e.Username, e.Kind == notify.EventOnline)
		s.broadcastPresence(entry, e.Kind)
	}
	if s.external != nil {
		s.external.Deliver(e)
	}
}

func (s *Server) broadcastPresence(entry chatroom.Entry, kind notify.EventKind) {
	op := wire.OpEventOffline
	if kind == notify.EventOnline {
		op = wire.OpEventOnline
	}
	body := wire.EncodeUserInfos([]wire.UserInfoWire{{Name: entry.Speaker, Online: kind == notify.EventOnline}})
	s.broadcastEvent(op, body, "")
}

// broadcastEvent pushes an event frame to every authenticated session
// except skipUsername (pass "" to exclude none).
func (s *Server) broadcastEvent(op wire.Op, body []byte, skipUsername string) {
	s.registry.Range(func(sess *session.Session) bool {
		if sess.Username() == skipUsername {
			return true
		}
		s.sendEvent(sess, op, body)
		return true
	})
}

func (s *Server) sendEvent(sess *session.Session, op wire.Op, body []byte) {
	pt := wire.Plaintext{Dir: wire.DirEvent, CorrID: 0, Op: op, Body: body}
	sealed, err := sess.Envelope.Seal(wire.EncodePlaintext(pt))
	if err != nil {
		chatlog.Warnf("server: sealing event failed: %v", err)
		return
	}
	if err := s.t.writeTo(sess.PeerAddr, sealed); err != nil {
		chatlog.Warnf("server: sending event to %s failed: %v", sess.PeerAddr, err)
	}
}

// Serve runs the receive and timer loops until Close is called.
func (s *Server) Serve() error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.timerLoop()
	}()
	s.wg.Wait()
	return nil
}

// Close shuts the server down: the socket is dropped, which unblocks the
// receive loop, and the timer loop observes the done channel.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.t.close()
	})
	return err
}

func (s *Server) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.t.readFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				chatlog.Warnf("server: read failed: %v", err)
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, addr)
	}
}

func (s *Server) timerLoop() {
	interval := s.heartbeatInterval / 4
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
			for _, sess := range s.registry.Reap(s.clock.Now()) {
				if s.audit != nil {
					s.audit.Record(audit.KindReap, "", sess.PeerAddr.String(), "heartbeat expired")
				}
			}
		}
	}
}

func (s *Server) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	if tag, body, ok := wire.CleartextKind(datagram); ok {
		switch tag {
		case wire.TagHello:
			s.handleHello(body, addr)
		case wire.TagHelloConfirm:
			s.handleHelloConfirm(body, addr)
		default:
			chatlog.Debugf("server: unknown cleartext tag from %s", addr)
		}
		return
	}

	sess, ok := s.registry.ByAddr(addr)
	if !ok {
		chatlog.Debugf("server: sealed frame from unknown peer %s", addr)
		return
	}

	plaintext, err := sess.Envelope.Open(datagram)
	if err != nil {
		if sess.RecordFailure(s.clock.Now()) {
			s.registry.Close(sess)
			if s.audit != nil {
				s.audit.Record(audit.KindSessionClosed, sess.Username(), addr.String(), "too many decode failures")
			}
		}
		return
	}
	sess.RecordSuccess()
	s.registry.Touch(sess)

	p, err := wire.DecodePlaintext(plaintext)
	if err != nil {
		return
	}
	if p.Dir != wire.DirRequest {
		return
	}
	s.dispatch(sess, p)
}

func (s *Server) handleHello(body []byte, addr *net.UDPAddr) {
	hello, err := wire.DecodeHello(body)
	if err != nil {
		return
	}
	serverKP, err := cryptobox.GenerateKeypair()
	if err != nil {
		chatlog.Errorf("server: keypair generation failed: %v", err)
		return
	}
	kemKP, err := cryptobox.GenerateKEMKeypair()
	if err != nil {
		chatlog.Errorf("server: KEM keypair generation failed: %v", err)
		return
	}

	s.mu.Lock()
	s.pending[addr.String()] = &pendingHandshake{clientPub: hello.ClientPub, serverKP: serverKP, kemKP: kemKP}
	s.mu.Unlock()

	var ack wire.HelloAckMsg
	ack.ServerPub = serverKP.Pub
	copy(ack.KEMEncKey[:], kemKP.EncKey)
	if err := s.t.writeTo(addr, wire.EncodeHelloAck(ack)); err != nil {
		chatlog.Warnf("server: sending HelloAck to %s failed: %v", addr, err)
	}
}

func (s *Server) handleHelloConfirm(body []byte, addr *net.UDPAddr) {
	confirm, err := wire.DecodeHelloConfirm(body)
	if err != nil {
		return
	}

	key := addr.String()
	s.mu.Lock()
	pending, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	kemShared, err := cryptobox.ServerDecapsulate(pending.kemKP.Decap, confirm.KEMCiphertext[:])
	if err != nil {
		chatlog.Debugf("server: KEM decapsulation failed for %s: %v", addr, err)
		return
	}
	sharedKey, err := cryptobox.DeriveSharedKey(pending.serverKP.Priv, pending.clientPub, kemShared)
	if err != nil {
		chatlog.Errorf("server: key derivation failed: %v", err)
		return
	}
	env := cryptobox.NewEnvelope(sharedKey, cryptobox.DirServerToClient)
	s.registry.UpsertUnauth(addr, pending.clientPub, env)
}

// dispatch routes an authenticated request to its opcode handler and
// seals/sends the response. Errors returned by handlers are reported to
// the caller as a structured ErrBody, never dropped: §4.12 distinguishes
// frame-level failures (dropped silently) from application-level errors
// (always propagated to the requester).
func (s *Server) dispatch(sess *session.Session, p wire.Plaintext) {
	var respBody []byte
	var handlerErr error

	switch p.Op {
	case wire.OpRegister:
		respBody, handlerErr = s.handleRegister(sess, p.Body)
	case wire.OpLogin:
		respBody, handlerErr = s.handleLogin(sess, p.Body)
	case wire.OpLogout:
		respBody, handlerErr = s.handleLogout(sess, p.Body)
	case wire.OpChangePassword:
		respBody, handlerErr = s.handleChangePassword(sess, p.Body)
	case wire.OpSay:
		respBody, handlerErr = s.handleSay(sess, p.Body)
	case wire.OpGetChats:
		respBody, handlerErr = s.handleGetChats(sess, p.Body)
	case wire.OpGetUsers, wire.OpFetchStatus:
		respBody, handlerErr = s.handleGetUsers(sess, p.Body)
	case wire.OpHeartbeat:
		return // idempotent liveness ping, already touched above; no response
	default:
		return
	}

	if handlerErr != nil {
		s.sendResponse(sess, p.CorrID, p.Op, respStatusErr, errBodyFor(handlerErr))
		return
	}
	s.sendResponse(sess, p.CorrID, p.Op, respStatusOK, respBody)
}

func errBodyFor(err error) []byte {
	kind := protoerr.KindTransportError
	if perr, ok := err.(*protoerr.Error); ok {
		kind = perr.Kind
	}
	return wire.EncodeErrBody(wire.ErrBody{Kind: string(kind), Msg: err.Error()})
}

func (s *Server) sendResponse(sess *session.Session, corrID uint32, op wire.Op, status byte, payload []byte) {
	body := make([]byte, 1+len(payload))
	body[0] = status
	copy(body[1:], payload)
	pt := wire.Plaintext{Dir: wire.DirResponse, CorrID: corrID, Op: op, Body: body}
	sealed, err := sess.Envelope.Seal(wire.EncodePlaintext(pt))
	if err != nil {
		chatlog.Warnf("server: sealing response failed: %v", err)
		return
	}
	if err := s.t.writeTo(sess.PeerAddr, sealed); err != nil {
		chatlog.Warnf("server: sending response to %s failed: %v", sess.PeerAddr, err)
	}
}

func (s *Server) handleRegister(sess *session.Session, body []byte) ([]byte, error) {
	cred, err := wire.DecodeCredentialBody(body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindMalformedFrame, "decoding register body", err)
	}
	if err := s.users.Register(cred.Username, cred.Password); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(audit.KindRegister, cred.Username, sess.PeerAddr.String(), "")
	}
	s.broadcastEvent(wire.OpEventUsersUpdated, nil, "")
	return nil, nil
}

func (s *Server) handleLogin(sess *session.Session, body []byte) ([]byte, error) {
	cred, err := wire.DecodeCredentialBody(body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindMalformedFrame, "decoding login body", err)
	}
	if sess.Username() != "" {
		return nil, protoerr.New(protoerr.KindAlreadyAuthenticated, "session already logged in")
	}
	if err := s.users.Verify(cred.Username, cred.Password); err != nil {
		if s.audit != nil {
			s.audit.Record(audit.KindLoginFailed, cred.Username, sess.PeerAddr.String(), "")
		}
		return nil, err
	}
	prior, hadPrior := s.registry.ByUsername(cred.Username)
	if err := s.registry.Authenticate(sess, cred.Username); err != nil {
		return nil, err
	}
	if s.audit != nil {
		if hadPrior && prior != sess {
			s.audit.Record(audit.KindEviction, cred.Username, prior.PeerAddr.String(), "")
		}
		s.audit.Record(audit.KindLogin, cred.Username, sess.PeerAddr.String(), "")
	}
	return nil, nil
}

func (s *Server) handleLogout(sess *session.Session, _ []byte) ([]byte, error) {
	username := sess.Username()
	if username == "" {
		return nil, protoerr.New(protoerr.KindNotAuthenticated, "session is not logged in")
	}
	s.registry.Logout(sess)
	if s.audit != nil {
		s.audit.Record(audit.KindLogout, username, sess.PeerAddr.String(), "")
	}
	return nil, nil
}

func (s *Server) handleChangePassword(sess *session.Session, body []byte) ([]byte, error) {
	username := sess.Username()
	if username == "" {
		return nil, protoerr.New(protoerr.KindNotAuthenticated, "session is not logged in")
	}
	req, err := wire.DecodeChangePasswordBody(body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindMalformedFrame, "decoding change-password body", err)
	}
	return nil, s.users.ChangePassword(username, req.OldPassword, req.NewPassword)
}

func (s *Server) handleSay(sess *session.Session, body []byte) ([]byte, error) {
	username := sess.Username()
	if username == "" {
		return nil, protoerr.New(protoerr.KindNotAuthenticated, "session is not logged in")
	}
	say, err := wire.DecodeSayBody(body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindMalformedFrame, "decoding say body", err)
	}

	if say.To == "" {
		entry, err := s.room.PostPublic(username, say.Text)
		if err != nil {
			return nil, err
		}
		s.broadcastEvent(wire.OpEventNewMsg, newMsgBody(newMsgScopePublic, entry), "")
		return nil, nil
	}

	entry, err := s.room.PostPrivate(username, say.To, say.Text)
	if err != nil {
		return nil, err
	}
	if recipient, ok := s.registry.ByUsername(say.To); ok {
		s.sendEvent(recipient, wire.OpEventNewMsg, newMsgBody(newMsgScopePrivate, entry))
	}
	return nil, nil
}

func newMsgBody(scope byte, entry chatroom.Entry) []byte {
	encoded := wire.EncodeChatEntries([]wire.ChatEntryWire{entryToWire(entry)})
	body := make([]byte, 1+len(encoded))
	body[0] = scope
	copy(body[1:], encoded)
	return body
}

func (s *Server) handleGetChats(sess *session.Session, body []byte) ([]byte, error) {
	username := sess.Username()
	if username == "" {
		return nil, protoerr.New(protoerr.KindNotAuthenticated, "session is not logged in")
	}
	req, err := wire.DecodeGetChatsBody(body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindMalformedFrame, "decoding get-chats body", err)
	}
	var peer *string
	if req.Peer != "" {
		peer = &req.Peer
	}
	entries := s.room.GetChats(username, peer)
	wireEntries := make([]wire.ChatEntryWire, len(entries))
	for i, e := range entries {
		wireEntries[i] = entryToWire(e)
	}
	return wire.EncodeChatEntries(wireEntries), nil
}

func (s *Server) handleGetUsers(sess *session.Session, _ []byte) ([]byte, error) {
	if sess.Username() == "" {
		return nil, protoerr.New(protoerr.KindNotAuthenticated, "session is not logged in")
	}
	names := s.users.Usernames()
	infos := make([]wire.UserInfoWire, len(names))
	for i, name := range names {
		_, online := s.registry.ByUsername(name)
		infos[i] = wire.UserInfoWire{Name: name, Online: online}
	}
	return wire.EncodeUserInfos(infos), nil
}

func entryToWire(e chatroom.Entry) wire.ChatEntryWire {
	kind := wire.EntryKindMessage
	switch e.Kind {
	case chatroom.EntryOnline:
		kind = wire.EntryKindOnline
	case chatroom.EntryOffline:
		kind = wire.EntryKindOffline
	}
	return wire.ChatEntryWire{
		UnixNano: e.Timestamp.UnixNano,
		Speaker:  e.Speaker,
		Kind:     kind,
		Text:     e.Text,
	}
}
