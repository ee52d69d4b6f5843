package sync

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

func newTestScheduler(t *testing.T, cfg SchedulerConfig) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	s := NewScheduler(cfg, clk)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, clk
}

// offerAndSettle submits one event and waits until the run loop has
// absorbed it. Each absorb re-arms the deadline relative to the fake
// clock, so nudging the clock first makes the new deadline observable.
func offerAndSettle(t *testing.T, s *Scheduler, clk *clockwork.FakeClock, mapping string, origin Origin, ev ChangeEvent) {
	t.Helper()
	clk.Advance(time.Millisecond)
	now := clk.Now()
	quietDeadline := now.Add(s.cfg.QuietDelay)

	s.Offer(mapping, origin, ev)
	require.Eventually(t, func() bool {
		d := s.Pending().Deadline
		return d.Equal(quietDeadline) || d.Equal(now)
	}, testWait, time.Millisecond)
}

func expectFlush(t *testing.T, s *Scheduler) *Batch {
	t.Helper()
	select {
	case b := <-s.Flushes():
		return b
	case <-time.After(testWait):
		t.Fatal("expected a batch flush")
		return nil
	}
}

func expectNoFlush(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case b := <-s.Flushes():
		t.Fatalf("unexpected flush of %d paths", b.Len())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerQuietDelayDebounce(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: 5 * time.Second,
		BatchSize:  50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a.txt", Kind: Modified, Timestamp: clk.Now(), Size: 10})

	// A second event inside the quiet window pushes the deadline out.
	clk.Advance(3 * time.Second)
	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "b.txt", Kind: Created, Timestamp: clk.Now(), Size: 20})

	clk.Advance(3 * time.Second)
	expectNoFlush(t, s)

	clk.Advance(2 * time.Second)
	b := expectFlush(t, s)

	assert.Equal(t, 2, b.Len())
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, b.Paths("code"))
	require.Eventually(t, func() bool {
		return s.Pending().Total == 0
	}, testWait, time.Millisecond, "pending cleared after accept")
}

func TestSchedulerBatchSizeFlushesImmediately(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Hour,
		BatchSize:  3,
	})

	for i, p := range []string{"a", "b", "c"} {
		offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: p, Kind: Created, Timestamp: clk.Now(), Size: int64(i)})
	}

	clk.Advance(time.Millisecond)
	b := expectFlush(t, s)
	assert.Equal(t, 3, b.Len())
}

func TestSchedulerMinIntervalFloor(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay:  time.Second,
		MinInterval: 30 * time.Second,
		BatchSize:   50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Created, Timestamp: clk.Now()})
	clk.Advance(time.Second)
	expectFlush(t, s)

	// Immediately eligible by quiet delay, but throttled by the floor.
	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "b", Kind: Created, Timestamp: clk.Now()})
	clk.Advance(time.Second)
	expectNoFlush(t, s)

	clk.Advance(29 * time.Second)
	b := expectFlush(t, s)
	assert.Equal(t, []string{"b"}, b.Paths("code"))
}

func TestSchedulerEmptyPendingNeverFlushes(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Second,
		BatchSize:  50,
	})

	clk.Advance(time.Hour)
	expectNoFlush(t, s)

	s.Kick()
	expectNoFlush(t, s)
}

func TestSchedulerCoalescesPerPath(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Second,
		BatchSize:  50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Created, Timestamp: clk.Now(), Size: 1})
	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Modified, Timestamp: clk.Now(), Size: 2})
	offerAndSettle(t, s, clk, "code", OriginRemote, ChangeEvent{Path: "a", Kind: Modified, Timestamp: clk.Now(), Size: 3})

	require.Equal(t, 1, s.Pending().Total)

	clk.Advance(time.Second)
	b := expectFlush(t, s)

	require.Len(t, b.Changes["code"], 1)
	pc := b.Changes["code"][0]
	require.NotNil(t, pc.Local)
	require.NotNil(t, pc.Remote)
	assert.Equal(t, Modified, pc.Local.Kind, "newest local event wins")
	assert.Equal(t, int64(2), pc.Local.Size)
	assert.Equal(t, int64(3), pc.Remote.Size)
}

func TestSchedulerRequeueAfterFailure(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Second,
		BatchSize:  50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Created, Timestamp: clk.Now(), Size: 1})
	clk.Advance(time.Second)
	failed := expectFlush(t, s)

	// A newer change for the same path lands while the batch is in flight.
	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Modified, Timestamp: clk.Now(), Size: 9})

	s.Requeue(failed)
	require.Eventually(t, func() bool {
		return s.Pending().Total == 1
	}, testWait, time.Millisecond)

	clk.Advance(time.Second)
	b := expectFlush(t, s)

	require.Len(t, b.Changes["code"], 1)
	require.NotNil(t, b.Changes["code"][0].Local)
	assert.Equal(t, int64(9), b.Changes["code"][0].Local.Size, "requeue must not clobber newer changes")
}

func TestSchedulerKickFlushesEarly(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Hour,
		BatchSize:  50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Created, Timestamp: clk.Now()})

	s.Kick()
	require.Eventually(t, func() bool {
		d := s.Pending().Deadline
		return !d.IsZero() && !d.After(clk.Now())
	}, testWait, time.Millisecond)

	clk.Advance(time.Millisecond)
	b := expectFlush(t, s)
	assert.Equal(t, 1, b.Len())
}

func TestSchedulerPendingPerMapping(t *testing.T) {
	s, clk := newTestScheduler(t, SchedulerConfig{
		QuietDelay: time.Hour,
		BatchSize:  50,
	})

	offerAndSettle(t, s, clk, "code", OriginLocal, ChangeEvent{Path: "a", Kind: Created, Timestamp: clk.Now()})
	offerAndSettle(t, s, clk, "docs", OriginLocal, ChangeEvent{Path: "b", Kind: Created, Timestamp: clk.Now()})
	offerAndSettle(t, s, clk, "docs", OriginLocal, ChangeEvent{Path: "c", Kind: Created, Timestamp: clk.Now()})

	st := s.Pending()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.PerMapping["code"])
	assert.Equal(t, 2, st.PerMapping["docs"])
}
