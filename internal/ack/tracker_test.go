package ack

import (
	"testing"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsEarlyWhenAllAcknowledge(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)
	tr.RecordSend(0, []video.ConnID{1, 2, 3}, time.Now())

	go func() {
		for _, c := range []video.ConnID{1, 2, 3} {
			time.Sleep(10 * time.Millisecond)
			tr.MarkAcknowledged(0, c, nil)
		}
	}()

	start := time.Now()
	ok := tr.WaitUntilAllAcknowledged(0, 3*time.Second, 300*time.Millisecond)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitTimesOutWhenSomeMissing(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)
	tr.RecordSend(0, []video.ConnID{1, 2}, time.Now())
	tr.MarkAcknowledged(0, 1, nil)

	start := time.Now()
	ok := tr.WaitUntilAllAcknowledged(0, 200*time.Millisecond, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestDisconnectCountsAsAcknowledgment(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)
	tr.Open(1)
	tr.RecordSend(0, []video.ConnID{7}, time.Now())
	tr.RecordSend(1, []video.ConnID{7, 8}, time.Now())

	tr.MarkAcknowledgedByConn(7, nil)

	assert.True(t, tr.WaitUntilAllAcknowledged(0, 100*time.Millisecond, 20*time.Millisecond))
	assert.False(t, tr.WaitUntilAllAcknowledged(1, 50*time.Millisecond, 20*time.Millisecond))
}

func TestNothingExpectedReturnsImmediately(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)

	start := time.Now()
	assert.True(t, tr.WaitUntilAllAcknowledged(0, 3*time.Second, 300*time.Millisecond))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// unknown display
	assert.True(t, tr.WaitUntilAllAcknowledged(9, 3*time.Second, 300*time.Millisecond))
}

func TestResetClearsExpected(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)
	tr.RecordSend(0, []video.ConnID{1}, time.Now())
	require.Len(t, tr.Expected(0), 1)

	tr.Reset(0)
	assert.Empty(t, tr.Expected(0))

	// empty sends keep the cleared state
	tr.RecordSend(0, nil, time.Now())
	assert.Empty(t, tr.Expected(0))
}

func TestStaleAcknowledgmentIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)

	old := time.Now()
	tr.RecordSend(0, []video.ConnID{1}, old.Add(time.Second))
	tr.MarkAcknowledged(0, 1, &old)

	fetched := make(map[video.ConnID]struct{})
	assert.False(t, tr.WaitSlice(0, fetched, 20*time.Millisecond))
	assert.Empty(t, fetched)

	fresh := old.Add(2 * time.Second)
	tr.MarkAcknowledged(0, 1, &fresh)
	assert.True(t, tr.WaitSlice(0, fetched, 20*time.Millisecond))
}

func TestMarkAcknowledgedNeverBlocks(t *testing.T) {
	tr := NewTracker()
	tr.Open(0)
	tr.RecordSend(0, []video.ConnID{1}, time.Now())

	done := make(chan struct{})
	go func() {
		for i := 0; i < notifyBuffer*4; i++ {
			tr.MarkAcknowledged(0, 2, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MarkAcknowledged blocked on a full backlog")
	}
}

func TestRemoveDropsDisplay(t *testing.T) {
	tr := NewTracker()
	tr.Open(3)
	tr.RecordSend(3, []video.ConnID{1}, time.Now())
	tr.Remove(3)

	assert.Nil(t, tr.Expected(3))
	// acknowledgments for a removed display are ignored
	tr.MarkAcknowledged(3, 1, nil)
	tr.MarkAcknowledgedByConn(1, nil)
}
