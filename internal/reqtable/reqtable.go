// Package reqtable correlates outstanding requests to their responses
// over the connectionless datagram transport (spec.md §4.3).
package reqtable

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chatroom/internal/protoerr"
)

// Result is what a submitted request eventually resolves to: either a
// response payload, or a structured error (timeout, cancellation, or
// endpoint shutdown).
type Result struct {
	Payload []byte
	Err     error
}

type slot struct {
	done chan Result
}

// Table holds the correlation-id -> slot mapping for one endpoint. It is
// safe for concurrent use by the receive loop (Complete) and by any
// number of callers (Submit).
type Table struct {
	clock clock.Clock

	mu     sync.Mutex
	slots  map[uint32]*slot
	nextID uint32
	closed bool
}

// New builds an empty request table. c may be nil, in which case the real
// wall clock is used; tests inject clock.NewMock() to control timeouts
// deterministically.
func New(c clock.Clock) *Table {
	if c == nil {
		c = clock.New()
	}
	return &Table{clock: c, slots: make(map[uint32]*slot)}
}

// allocateID returns a fresh correlation id, skipping ids currently in
// use, per spec.md §4.3 ("monotonic u32 wrapping, skipping currently-in-
// use ids"). Caller must hold t.mu.
func (t *Table) allocateID() uint32 {
	for {
		id := t.nextID
		t.nextID++
		if _, busy := t.slots[id]; !busy {
			return id
		}
	}
}

// Submit allocates a correlation id, invokes send(id) to transmit the
// request, and blocks until a matching response arrives, the context is
// canceled, timeout elapses, or the table is shut down.
func (t *Table) Submit(ctx context.Context, timeout time.Duration, send func(id uint32) error) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, protoerr.New(protoerr.KindEndpointClosed, "request table is closed")
	}
	id := t.allocateID()
	sl := &slot{done: make(chan Result, 1)}
	t.slots[id] = sl
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		delete(t.slots, id)
		t.mu.Unlock()
	}

	if err := send(id); err != nil {
		release()
		return nil, protoerr.Wrap(protoerr.KindTransportError, "send failed", err)
	}

	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-sl.done:
		release()
		return res.Payload, res.Err
	case <-timer.C:
		release()
		return nil, protoerr.New(protoerr.KindRequestTimeout, "no response within timeout")
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Complete delivers a response payload to the slot awaiting correlation
// id id. It returns false (and drops the payload) if no such slot exists
// -- spec.md §4.3: "An arriving id with no slot is dropped."
func (t *Table) Complete(id uint32, payload []byte) bool {
	t.mu.Lock()
	sl, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case sl.done <- Result{Payload: payload}:
	default:
	}
	return true
}

// Shutdown completes every outstanding slot with EndpointClosed and
// prevents further submissions (spec.md §4.3 and §5: "no partially
// shut-down state").
func (t *Table) Shutdown() {
	t.mu.Lock()
	t.closed = true
	slots := t.slots
	t.slots = make(map[uint32]*slot)
	t.mu.Unlock()

	err := protoerr.New(protoerr.KindEndpointClosed, "endpoint shut down")
	for _, sl := range slots {
		select {
		case sl.done <- Result{Err: err}:
		default:
		}
	}
}

// Len reports the number of outstanding (unresolved) requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
