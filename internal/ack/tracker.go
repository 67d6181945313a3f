// Package ack tracks which peer connections were sent the last frame of a
// display and waits, bounded, for them to confirm consumption.
package ack

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// notifyBuffer bounds the per-display backlog of late acknowledgments.
// Notifications beyond it are dropped; the waiter times out instead.
const notifyBuffer = 64

type notification struct {
	conn   video.ConnID
	sentAt *time.Time
}

type displayState struct {
	notify chan notification
	// expected is the set of connections sent the last frame. It is read by
	// MarkAcknowledgedByConn to route disconnect acknowledgments.
	expected map[video.ConnID]struct{}
	sentAt   time.Time
}

// Tracker holds per-display acknowledgment state. One loop owns each display
// index; acknowledgments arrive from transport goroutines.
type Tracker struct {
	mu       sync.Mutex
	displays map[int]*displayState
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		displays: make(map[int]*displayState),
	}
}

// Open registers display. Opening an already-open display keeps its channel.
func (t *Tracker) Open(display int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.displays[display]; ok {
		return
	}
	t.displays[display] = &displayState{
		notify:   make(chan notification, notifyBuffer),
		expected: make(map[video.ConnID]struct{}),
	}
}

// Remove drops the bookkeeping of display
func (t *Tracker) Remove(display int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.displays, display)
}

// Reset clears the expected set at the start of a frame slot
func (t *Tracker) Reset(display int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.displays[display]; ok {
		st.expected = make(map[video.ConnID]struct{})
	}
}

// RecordSend stores the connections that actually received a frame.
// An empty set leaves the previous state untouched.
func (t *Tracker) RecordSend(display int, conns []video.ConnID, sentAt time.Time) {
	if len(conns) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.displays[display]
	if !ok {
		return
	}
	expected := make(map[video.ConnID]struct{}, len(conns))
	for _, c := range conns {
		expected[c] = struct{}{}
	}
	st.expected = expected
	st.sentAt = sentAt
}

// Expected returns a copy of the expected set
func (t *Tracker) Expected(display int) []video.ConnID {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.displays[display]
	if !ok {
		return nil
	}
	out := make([]video.ConnID, 0, len(st.expected))
	for c := range st.expected {
		out = append(out, c)
	}
	return out
}

// MarkAcknowledged notifies the waiter of display that conn consumed a frame.
// It never blocks.
func (t *Tracker) MarkAcknowledged(display int, conn video.ConnID, sentAt *time.Time) {
	t.mu.Lock()
	st, ok := t.displays[display]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.deliver(display, st, notification{conn: conn, sentAt: sentAt})
}

// MarkAcknowledgedByConn acknowledges conn on every display currently
// expecting it. Used when the peer cannot name the display and when a
// connection closes.
func (t *Tracker) MarkAcknowledgedByConn(conn video.ConnID, sentAt *time.Time) {
	type target struct {
		display int
		st      *displayState
	}

	t.mu.Lock()
	var targets []target
	for display, st := range t.displays {
		if _, ok := st.expected[conn]; ok {
			targets = append(targets, target{display: display, st: st})
		}
	}
	t.mu.Unlock()

	for _, tg := range targets {
		t.deliver(tg.display, tg.st, notification{conn: conn, sentAt: sentAt})
	}
}

func (t *Tracker) deliver(display int, st *displayState, n notification) {
	select {
	case st.notify <- n:
	default:
		logger.WithComponent("ack").Trace().
			Int("display", display).
			Int32("conn_id", int32(n.conn)).
			Msg("Acknowledgment backlog full, dropping")
	}
}

// WaitSlice waits up to slice for acknowledgments of display, adding every
// acknowledging connection to fetched. Pending notifications are drained
// after the first one arrives. It reports whether every expected
// connection is now in fetched. With nothing expected it returns true at once.
func (t *Tracker) WaitSlice(display int, fetched map[video.ConnID]struct{}, slice time.Duration) bool {
	t.mu.Lock()
	st, ok := t.displays[display]
	var expected int
	if ok {
		expected = len(st.expected)
	}
	t.mu.Unlock()

	if !ok || expected == 0 {
		return true
	}

	timer := time.NewTimer(slice)
	defer timer.Stop()

	select {
	case n := <-st.notify:
		t.record(display, fetched, n)
	case <-timer.C:
	}

drain:
	for {
		select {
		case n := <-st.notify:
			t.record(display, fetched, n)
		default:
			break drain
		}
	}

	return t.complete(display, fetched)
}

func (t *Tracker) record(display int, fetched map[video.ConnID]struct{}, n notification) {
	if n.sentAt != nil {
		t.mu.Lock()
		var last time.Time
		if st, ok := t.displays[display]; ok {
			last = st.sentAt
		}
		t.mu.Unlock()

		// acknowledgment of an earlier frame
		if n.sentAt.Before(last) {
			return
		}
		logger.WithComponent("ack").Trace().
			Int("display", display).
			Int32("conn_id", int32(n.conn)).
			Dur("latency", time.Since(*n.sentAt)).
			Msg("Frame acknowledged")
	}
	fetched[n.conn] = struct{}{}
}

// complete reports whether fetched covers the expected set
func (t *Tracker) complete(display int, fetched map[video.ConnID]struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.displays[display]
	if !ok {
		return true
	}
	for c := range st.expected {
		if _, ok := fetched[c]; !ok {
			return false
		}
	}
	return true
}

// WaitUntilAllAcknowledged waits in slices until every expected connection
// acknowledged or timeout elapsed
func (t *Tracker) WaitUntilAllAcknowledged(display int, timeout, slice time.Duration) bool {
	fetched := make(map[video.ConnID]struct{})
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return t.complete(display, fetched)
		}
		if remaining < slice {
			slice = remaining
		}
		if t.WaitSlice(display, fetched, slice) {
			return true
		}
	}
}
