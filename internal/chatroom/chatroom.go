// Package chatroom holds the server's message and presence history
// (spec.md §4.7): a bounded public log and, per pair of users, a bounded
// private log shared by both participants. It is grounded in the
// teacher's internal/store append-and-trim bookkeeping, generalized from
// a single CDN manifest table to the public/private fan-out this spec
// requires, and kept behind its own guard rather than sqlite since
// entries never outlive the process (spec.md Non-goals: "message history
// durability beyond process lifetime").
package chatroom

import (
	"sync"

	"chatroom/internal/chatclock"
	"chatroom/internal/protoerr"
	"chatroom/internal/session"
	"chatroom/internal/userstore"
)

// EntryKind discriminates what a ChatEntry records.
type EntryKind int

const (
	EntryOnline EntryKind = iota
	EntryOffline
	EntryMessage
)

// Entry is one line of chat or presence history (spec.md §3 ChatEntry).
type Entry struct {
	Timestamp chatclock.WallStamp
	Speaker   string
	Kind      EntryKind
	Text      string
}

// DefaultMaxEntries is the FIFO bound per log (spec.md §9 Open Questions:
// "this specification fixes 256 entries per log").
const DefaultMaxEntries = 256

// boundedLog is an append-only ring with FIFO eviction once it reaches
// its capacity.
type boundedLog struct {
	entries []Entry
	max     int
}

func newBoundedLog(max int) *boundedLog {
	return &boundedLog{max: max}
}

func (l *boundedLog) append(e Entry) {
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *boundedLog) snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// publicSentinel is the key under which the public log is addressed in
// get_chats (spec.md §3: "the public history is keyed by a sentinel
// 'public'").
const publicSentinel = ""

// Room is the server-wide chat state: one public log plus, for every
// pair of users that has ever exchanged a private message, a shared
// private log. It shares no lock with the session registry (spec.md §5
// recommends one guard for both; here the two are kept apart and
// presence posting is always driven through Room.PostPresence so
// ordering still holds under the caller's own serialization of registry
// events into chatroom posts).
type Room struct {
	clock     chatclock.Clock
	maxLen    int
	users     *userstore.Store
	registry  *session.Registry

	mu      sync.Mutex
	public  *boundedLog
	private map[string]map[string]*boundedLog // private[owner][peer]
}

// New builds an empty Room. users and registry back RecipientUnknown and
// RecipientOffline checks on private posts.
func New(c chatclock.Clock, users *userstore.Store, registry *session.Registry, maxLen int) *Room {
	if maxLen <= 0 {
		maxLen = DefaultMaxEntries
	}
	return &Room{
		clock:    c,
		maxLen:   maxLen,
		users:    users,
		registry: registry,
		public:   newBoundedLog(maxLen),
		private:  make(map[string]map[string]*boundedLog),
	}
}

func (r *Room) privateLogLocked(owner, peer string) *boundedLog {
	byPeer, ok := r.private[owner]
	if !ok {
		byPeer = make(map[string]*boundedLog)
		r.private[owner] = byPeer
	}
	log, ok := byPeer[peer]
	if !ok {
		log = newBoundedLog(r.maxLen)
		byPeer[peer] = log
	}
	return log
}

// PostPrivate appends a message to both participants' shared log
// (spec.md §4.7). Fails RecipientUnknown if to is not registered,
// RecipientOffline if registered but not currently authenticated.
func (r *Room) PostPrivate(from, to, text string) (Entry, error) {
	if text == "" {
		return Entry{}, protoerr.New(protoerr.KindEmptyMessage, "message text is empty")
	}
	if !r.users.Exists(to) {
		return Entry{}, protoerr.New(protoerr.KindRecipientUnknown, to)
	}
	if _, online := r.registry.ByUsername(to); !online {
		return Entry{}, protoerr.New(protoerr.KindRecipientOffline, to)
	}

	entry := Entry{
		Timestamp: chatclock.Stamp(r.clock),
		Speaker:   from,
		Kind:      EntryMessage,
		Text:      text,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.privateLogLocked(from, to).append(entry)
	r.privateLogLocked(to, from).append(entry)
	return entry, nil
}

// PostPublic appends a broadcast message to the shared public log
// (spec.md §4.7).
func (r *Room) PostPublic(from, text string) (Entry, error) {
	if text == "" {
		return Entry{}, protoerr.New(protoerr.KindEmptyMessage, "message text is empty")
	}
	entry := Entry{
		Timestamp: chatclock.Stamp(r.clock),
		Speaker:   from,
		Kind:      EntryMessage,
		Text:      text,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public.append(entry)
	return entry, nil
}

// PostPresence records user's Online/Offline transition into the public
// log and into every peer log that already contains a conversation with
// user (spec.md §4.7, §9 Open Questions: recipients are peers who have
// chatted with user, not every authenticated peer).
func (r *Room) PostPresence(user string, online bool) Entry {
	kind := EntryOffline
	if online {
		kind = EntryOnline
	}
	entry := Entry{
		Timestamp: chatclock.Stamp(r.clock),
		Speaker:   user,
		Kind:      kind,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.public.append(entry)
	for peer := range r.private[user] {
		r.privateLogLocked(peer, user).append(entry)
	}
	return entry
}

// GetChats returns the log for peer (or the public log if peer is nil),
// from requester's point of view.
func (r *Room) GetChats(requester string, peer *string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer == nil {
		return r.public.snapshot()
	}
	byPeer, ok := r.private[requester]
	if !ok {
		return nil
	}
	log, ok := byPeer[*peer]
	if !ok {
		return nil
	}
	return log.snapshot()
}
