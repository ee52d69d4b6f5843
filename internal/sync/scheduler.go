package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// flushRetryDelay is how soon a ripe batch is re-offered when the
// coordinator is still busy with the previous run.
const flushRetryDelay = 100 * time.Millisecond

// SchedulerConfig holds the batching knobs.
type SchedulerConfig struct {
	// QuietDelay is the debounce window: a flush fires this long after
	// the last event, unless BatchSize forces it earlier.
	QuietDelay time.Duration
	// MinInterval is the hard floor between the start times of
	// consecutive sync runs.
	MinInterval time.Duration
	// BatchSize is the pending-change count that triggers an immediate
	// flush regardless of QuietDelay.
	BatchSize int
}

// PendingChange is the merged pending state for one path in one mapping.
// At most one entry per path; newer events overwrite their side.
type PendingChange struct {
	Path   string
	Local  *ChangeEvent
	Remote *ChangeEvent
}

// Batch is a frozen set of pending changes handed to one sync attempt.
type Batch struct {
	ID        string
	CreatedAt time.Time
	Changes   map[string][]PendingChange // mapping name -> changes
}

// Len returns the number of distinct pending paths across all mappings.
func (b *Batch) Len() int {
	n := 0
	for _, changes := range b.Changes {
		n += len(changes)
	}
	return n
}

// Paths returns the pending paths for one mapping.
func (b *Batch) Paths(mapping string) []string {
	changes := b.Changes[mapping]
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	return paths
}

// PendingStatus is a copy-on-read projection of the scheduler state.
type PendingStatus struct {
	Total         int            `json:"total"`
	PerMapping    map[string]int `json:"per_mapping,omitempty"`
	Deadline      time.Time      `json:"-"`
	LastSyncStart time.Time      `json:"-"`
}

type offer struct {
	mapping string
	origin  Origin
	event   ChangeEvent
}

type mappingPending struct {
	paths   mapset.Set[string]
	changes map[string]*PendingChange
}

func newMappingPending() *mappingPending {
	return &mappingPending{
		paths:   mapset.NewThreadUnsafeSet[string](),
		changes: make(map[string]*PendingChange),
	}
}

// Scheduler accumulates pending changes per mapping and decides when a
// batch is ripe. All pending-set mutation happens on the single run-loop
// goroutine; detectors and the coordinator talk to it over channels, so no
// lock discipline is needed across components.
//
// Two timers are folded into one monotonic deadline: events re-arm the
// quiet-period debounce (or an immediate flush once BatchSize is
// reached), and a firing deadline is pushed back to lastSyncStart +
// MinInterval when the floor is not yet satisfied.
type Scheduler struct {
	cfg   SchedulerConfig
	clock clockwork.Clock

	offers   chan offer
	requeues chan *Batch
	kicks    chan struct{}
	started  chan time.Time
	statuses chan chan PendingStatus
	flushes  chan *Batch

	done     chan struct{}
	running  atomic.Bool
	stopOnce gosync.Once
	wg       gosync.WaitGroup

	// Owned by the run loop.
	pending       map[string]*mappingPending
	deadline      time.Time
	lastSyncStart time.Time
}

func NewScheduler(cfg SchedulerConfig, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		offers:   make(chan offer, watcherBufferSize),
		requeues: make(chan *Batch, 1),
		kicks:    make(chan struct{}, 1),
		started:  make(chan time.Time, 1),
		statuses: make(chan chan PendingStatus),
		flushes:  make(chan *Batch),
		done:     make(chan struct{}),
		pending:  make(map[string]*mappingPending),
	}
}

// Start launches the scheduler worker.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop terminates the worker and waits for it to exit. Outstanding
// deadlines are discarded; stopping twice is a no-op.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Offer merges one detected change into the pending set.
func (s *Scheduler) Offer(mapping string, origin Origin, ev ChangeEvent) {
	select {
	case s.offers <- offer{mapping: mapping, origin: origin, event: ev}:
	case <-s.done:
	}
}

// Requeue re-inserts a failed batch's paths so they are eligible for the
// next flush. Changes that were superseded while the batch was in flight
// are not overwritten.
func (s *Scheduler) Requeue(b *Batch) {
	select {
	case s.requeues <- b:
	case <-s.done:
	}
}

// Kick requests an immediate flush of whatever is pending, still subject
// to the MinInterval floor.
func (s *Scheduler) Kick() {
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// MarkSyncStarted records the actual start time of a sync run for the
// MinInterval floor. One-shot syncs triggered outside the scheduler
/// (control plane, CLI) report through this too. Never blocks: a stale
// unconsumed mark is replaced by the newer one.
func (s *Scheduler) MarkSyncStarted(t time.Time) {
	for {
		select {
		case s.started <- t:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.started:
		default:
		}
	}
}

// Flushes returns the channel on which ripe batches are handed over.
// Exactly one consumer (the coordinator) receives from it.
func (s *Scheduler) Flushes() <-chan *Batch {
	return s.flushes
}

// Pending returns a copy-on-read snapshot of the scheduler state. A
// scheduler that was never started reports empty.
func (s *Scheduler) Pending() PendingStatus {
	if !s.running.Load() {
		return PendingStatus{PerMapping: map[string]int{}}
	}
	reply := make(chan PendingStatus, 1)
	select {
	case s.statuses <- reply:
		return <-reply
	case <-s.done:
		return PendingStatus{PerMapping: map[string]int{}}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()
	s.disarm(timer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case o := <-s.offers:
			s.absorb(o)
			s.armAfterEvent(timer)
		case b := <-s.requeues:
			s.reinsert(b)
			s.armAfterEvent(timer)
		case <-s.kicks:
			if s.totalPending() > 0 {
				s.deadline = s.clock.Now()
				s.rearm(timer)
			}
		case t := <-s.started:
			if t.After(s.lastSyncStart) {
				s.lastSyncStart = t
			}
		case reply := <-s.statuses:
			reply <- s.snapshot()
		case <-timer.Chan():
			s.onFire(timer)
		}
	}
}

// absorb merges one event into the pending set in arrival order. A path
// appears at most once per mapping; new events overwrite their side.
func (s *Scheduler) absorb(o offer) {
	mp := s.pending[o.mapping]
	if mp == nil {
		mp = newMappingPending()
		s.pending[o.mapping] = mp
	}

	pc := mp.changes[o.event.Path]
	if pc == nil {
		pc = &PendingChange{Path: o.event.Path}
		mp.changes[o.event.Path] = pc
		mp.paths.Add(o.event.Path)
	}

	ev := o.event
	if o.origin == OriginRemote {
		pc.Remote = &ev
	} else {
		pc.Local = &ev
	}
}

// reinsert puts a failed batch's changes back without clobbering anything
// newer that arrived while the batch was in flight.
func (s *Scheduler) reinsert(b *Batch) {
	for mapping, changes := range b.Changes {
		mp := s.pending[mapping]
		if mp == nil {
			mp = newMappingPending()
			s.pending[mapping] = mp
		}
		for _, c := range changes {
			if mp.paths.Contains(c.Path) {
				continue
			}
			requeued := c
			mp.changes[c.Path] = &requeued
			mp.paths.Add(c.Path)
		}
	}
	slog.Debug("scheduler requeue", "batch", b.ID, "pending", s.totalPending())
}

// armAfterEvent cancels the outstanding deadline and re-arms it: an
// immediate flush once the pending count reaches BatchSize, otherwise the
// quiet-period debounce.
func (s *Scheduler) armAfterEvent(timer clockwork.Timer) {
	now := s.clock.Now()
	if s.cfg.BatchSize > 0 && s.totalPending() >= s.cfg.BatchSize {
		s.deadline = now
	} else {
		s.deadline = now.Add(s.cfg.QuietDelay)
	}
	s.rearm(timer)
}

// onFire decides whether the deadline that just fired may flush. The
// MinInterval floor re-arms instead of dropping, so bursts faster than
// the floor are throttled, never lost.
func (s *Scheduler) onFire(timer clockwork.Timer) {
	now := s.clock.Now()

	if s.deadline.IsZero() {
		return // stale fire after a flush
	}
	if now.Before(s.deadline) {
		s.rearm(timer) // stale fire from a superseded deadline
		return
	}
	if s.totalPending() == 0 {
		s.deadline = time.Time{}
		return
	}

	if !s.lastSyncStart.IsZero() {
		if since := now.Sub(s.lastSyncStart); since < s.cfg.MinInterval {
			s.deadline = s.lastSyncStart.Add(s.cfg.MinInterval)
			s.rearm(timer)
			return
		}
	}

	batch := s.freeze(now)
	select {
	case s.flushes <- batch:
		// Accepted: the hand-off is the run start. Clear the pending
		// set only now.
		s.pending = make(map[string]*mappingPending)
		s.lastSyncStart = now
		s.deadline = time.Time{}
		slog.Debug("scheduler flush", "batch", batch.ID, "paths", batch.Len())
	default:
		// Previous run still in flight; a second eligible batch waits.
		s.deadline = now.Add(flushRetryDelay)
		s.rearm(timer)
	}
}

// freeze builds a Batch from the entire current pending set.
func (s *Scheduler) freeze(now time.Time) *Batch {
	b := &Batch{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Changes:   make(map[string][]PendingChange, len(s.pending)),
	}
	for mapping, mp := range s.pending {
		changes := make([]PendingChange, 0, len(mp.changes))
		for _, pc := range mp.changes {
			changes = append(changes, *pc)
		}
		b.Changes[mapping] = changes
	}
	return b
}

func (s *Scheduler) totalPending() int {
	n := 0
	for _, mp := range s.pending {
		n += mp.paths.Cardinality()
	}
	return n
}

func (s *Scheduler) snapshot() PendingStatus {
	st := PendingStatus{
		PerMapping:    make(map[string]int, len(s.pending)),
		Deadline:      s.deadline,
		LastSyncStart: s.lastSyncStart,
	}
	for mapping, mp := range s.pending {
		st.PerMapping[mapping] = mp.paths.Cardinality()
		st.Total += mp.paths.Cardinality()
	}
	return st
}

// rearm resets the timer to the current deadline. Resetting an already
// fired or stopped timer is safe: the run loop drains stale fires via the
// deadline check in onFire.
func (s *Scheduler) rearm(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
	d := s.deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (s *Scheduler) disarm(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
