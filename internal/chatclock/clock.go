// Package chatclock provides the monotonic clock and wall-clock stamping
// used across the endpoint, session registry, and chatroom state
// (spec.md §2 Timekeeping). It is a thin re-export of
// github.com/benbjohnson/clock so every timer, ticker, and "now" call in
// the core can be swapped for a deterministic fake in tests.
package chatclock

import "github.com/benbjohnson/clock"

// Clock is the interface the rest of the core depends on.
type Clock = clock.Clock

// Mock is a controllable fake clock for tests.
type Mock = clock.Mock

// New returns the real wall/monotonic clock.
func New() Clock { return clock.New() }

// NewMock returns a fake clock starting at the Unix epoch.
func NewMock() *Mock { return clock.NewMock() }

// WallStamp is a point in time with its original UTC offset, used to
// stamp ChatEntry records (spec.md §3: "timestamp: wall-clock with
// offset").
type WallStamp struct {
	UnixNano int64
	OffsetSeconds int32
}

// Stamp captures the current wall-clock time (with local offset) as
// reported by c.
func Stamp(c Clock) WallStamp {
	now := c.Now()
	_, offset := now.Zone()
	return WallStamp{UnixNano: now.UnixNano(), OffsetSeconds: int32(offset)}
}
