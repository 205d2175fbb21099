// Package session implements the server-side peer table described in
// spec.md §4.5: sessions indexed by peer address and by authenticated
// username, with eviction-on-relogin and heartbeat-driven reaping. It is
// grounded in the teacher's internal/store node bookkeeping (upsert by
// key, O(1) index lookups), adapted from a SQL table to an in-memory map
// guarded by one mutex per spec.md §5 ("Session registry: behind one
// mutual-exclusion guard").
package session

import (
	"net"
	"sync"
	"time"

	"chatroom/internal/chatclock"
	"chatroom/internal/cryptobox"
	"chatroom/internal/idwords"
	"chatroom/internal/notify"
	"chatroom/internal/protoerr"
)

// State is where a Session sits in its lifecycle (spec.md §4.11).
type State int

const (
	StateUnauthConnected State = iota
	StateAuthenticated
	StateClosed
)

// Session is one peer's runtime state (spec.md §3).
type Session struct {
	PeerAddr *net.UDPAddr
	PubKey   [32]byte
	Envelope *cryptobox.Envelope
	// Label is a human-readable five-word tag for the session. The
	// server's log lines and audit rows identify peers by PeerAddr, not
	// by Label.
	Label string

	mu            sync.Mutex
	username      string
	state         State
	lastHeartbeat time.Time
	errCount      int
	errWindowFrom time.Time
}

// Username reports the authenticated username, or "" if unauthenticated.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// State reports the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecordFailure increments the per-peer decode/MAC failure counter within
// a 10s window and reports whether the session has now accumulated 32
// consecutive failures and should be closed (spec.md §4.12).
func (s *Session) RecordFailure(now time.Time) (shouldClose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.errWindowFrom) > 10*time.Second {
		s.errWindowFrom = now
		s.errCount = 0
	}
	s.errCount++
	return s.errCount >= 32
}

// RecordSuccess resets the failure counter (any successfully-opened frame
// clears prior decode noise).
func (s *Session) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCount = 0
}

// Registry is the server's peer table: one mutex guards both indexes.
// The chatroom state keeps its own, separate lock.
type Registry struct {
	clock             chatclock.Clock
	heartbeatInterval time.Duration
	sink              notify.Sink

	mu     sync.Mutex
	byAddr map[string]*Session
	byUser map[string]*Session
}

// New builds a registry. sink receives Online/Offline notifications.
func New(c chatclock.Clock, heartbeatInterval time.Duration, sink notify.Sink) *Registry {
	if c == nil {
		c = chatclock.New()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Registry{
		clock:             c,
		heartbeatInterval: heartbeatInterval,
		sink:              sink,
		byAddr:            make(map[string]*Session),
		byUser:            make(map[string]*Session),
	}
}

// UpsertUnauth returns the existing session for addr, or creates a new
// unauthenticated one (spec.md §4.5).
func (r *Registry) UpsertUnauth(addr *net.UDPAddr, pubKey [32]byte, env *cryptobox.Envelope) *Session {
	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byAddr[key]; ok {
		return sess
	}
	sess := &Session{
		PeerAddr:      addr,
		PubKey:        pubKey,
		Envelope:      env,
		Label:         idwords.GenerateFiveWordID(),
		state:         StateUnauthConnected,
		lastHeartbeat: r.clock.Now(),
	}
	r.byAddr[key] = sess
	return sess
}

// ByAddr looks up the session for a peer address.
func (r *Registry) ByAddr(addr *net.UDPAddr) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byAddr[addr.String()]
	return sess, ok
}

// ByUsername looks up the authenticated session for a username.
func (r *Registry) ByUsername(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byUser[username]
	return sess, ok
}

// Authenticate marks sess authenticated as username, atomically evicting
// any prior session under that username. Emits Offline for the evictee
// then Online for the new peer, preserving the strict alternation
// guarantee of spec.md §4.5 and §8 invariant 4.
//
// Event delivery happens after r.mu is released (spec.md §5: the
// registry's guard must never be held across a suspension point), since
// the installed sink is the server itself and ends up calling back into
// Range, which re-locks r.mu on the same goroutine.
func (r *Registry) Authenticate(sess *Session, username string) error {
	r.mu.Lock()

	sess.mu.Lock()
	if sess.username != "" {
		sess.mu.Unlock()
		r.mu.Unlock()
		return protoerr.New(protoerr.KindAlreadyAuthenticated, "session already has a username")
	}
	sess.mu.Unlock()

	var events []notify.Event
	if prior, ok := r.byUser[username]; ok && prior != sess {
		events = append(events, r.evictLocked(prior, username))
	}

	sess.mu.Lock()
	sess.username = username
	sess.state = StateAuthenticated
	sess.lastHeartbeat = r.clock.Now()
	sess.mu.Unlock()

	r.byUser[username] = sess
	events = append(events, notify.Event{Kind: notify.EventOnline, Username: username})
	r.mu.Unlock()

	for _, e := range events {
		r.sink.Deliver(e)
	}
	return nil
}

// evictLocked demotes prior back to unauthenticated (eviction by a
// same-username login) and returns the Offline event to deliver once the
// caller has released r.mu. The peer address stays registered: a pending
// request already in flight on that address must still resolve to
// NotAuthenticated rather than being silently dropped as an unknown
// peer (spec.md §8 eviction scenario: "requests on addr1 after eviction
// return NotAuthenticated"). Caller must hold r.mu.
func (r *Registry) evictLocked(prior *Session, username string) notify.Event {
	prior.mu.Lock()
	prior.state = StateUnauthConnected
	prior.username = ""
	prior.mu.Unlock()
	delete(r.byUser, username)
	return notify.Event{Kind: notify.EventOffline, Username: username}
}

// Touch resets a session's heartbeat deadline (spec.md §4.5, §4.10: any
// inbound authenticated frame touches the session, not only Heartbeat).
func (r *Registry) Touch(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastHeartbeat = r.clock.Now()
}

// Logout explicitly de-authenticates sess but, like eviction, keeps the
// peer address registered (spec.md §3 Session lifecycle). Event delivery
// happens after r.mu is released, for the same reentrancy reason as
// Authenticate above.
func (r *Registry) Logout(sess *Session) {
	r.mu.Lock()
	sess.mu.Lock()
	username := sess.username
	sess.state = StateUnauthConnected
	sess.username = ""
	sess.mu.Unlock()

	emit := false
	if username != "" {
		if cur, ok := r.byUser[username]; ok && cur == sess {
			delete(r.byUser, username)
			emit = true
		}
	}
	r.mu.Unlock()

	if emit {
		r.sink.Deliver(notify.Event{Kind: notify.EventOffline, Username: username})
	}
}

// Close fully destroys sess, removing both indexes (e.g. on the
// consecutive-decode-failure threshold of spec.md §4.12): unlike
// Logout/eviction, the peer is considered gone, not merely logged out.
// Event delivery happens after r.mu is released, for the same
// reentrancy reason as Authenticate above.
func (r *Registry) Close(sess *Session) {
	r.mu.Lock()
	sess.mu.Lock()
	username := sess.username
	sess.state = StateClosed
	sess.username = ""
	sess.mu.Unlock()

	delete(r.byAddr, sess.PeerAddr.String())
	emit := false
	if username != "" {
		if cur, ok := r.byUser[username]; ok && cur == sess {
			delete(r.byUser, username)
			emit = true
		}
	}
	r.mu.Unlock()

	if emit {
		r.sink.Deliver(notify.Event{Kind: notify.EventOffline, Username: username})
	}
}

// Reap removes every session whose heartbeat has expired
// (now - last_heartbeat > heartbeat_interval), emitting Offline for each
// authenticated one removed (spec.md §4.5, §8 invariant 7). Event
// delivery happens after r.mu is released, for the same reentrancy
// reason as Authenticate above.
func (r *Registry) Reap(now time.Time) []*Session {
	r.mu.Lock()

	var reaped []*Session
	var events []notify.Event
	for key, sess := range r.byAddr {
		sess.mu.Lock()
		expired := now.Sub(sess.lastHeartbeat) > r.heartbeatInterval
		username := sess.username
		sess.mu.Unlock()
		if !expired {
			continue
		}
		sess.mu.Lock()
		sess.state = StateClosed
		sess.username = ""
		sess.mu.Unlock()
		delete(r.byAddr, key)
		if username != "" {
			if cur, ok := r.byUser[username]; ok && cur == sess {
				delete(r.byUser, username)
				events = append(events, notify.Event{Kind: notify.EventOffline, Username: username})
			}
		}
		reaped = append(reaped, sess)
	}
	r.mu.Unlock()

	for _, e := range events {
		r.sink.Deliver(e)
	}
	return reaped
}

// Range calls f for every authenticated session, stopping early if f
// returns false. Used to broadcast presence/message events to every
// connected peer (spec.md §4.8 server-pushed events).
func (r *Registry) Range(f func(*Session) bool) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byUser))
	for _, sess := range r.byUser {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		if !f(sess) {
			return
		}
	}
}

// Count reports the number of live sessions (for tests/metrics).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddr)
}
