package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftsync/driftsync/internal/config"
)

const (
	// runTimeout bounds one sync run end to end. Stalled transfers are
	// additionally cut short by the executor's own transport timeouts.
	runTimeout = 30 * time.Minute

	// conflictLimit bounds the manual-conflict backlog kept in memory.
	conflictLimit = 50

	// statusWriteInterval paces the periodic status-file refresh between
	// state transitions.
	statusWriteInterval = 10 * time.Second
)

// ScannerFunc adapts a closure to the Scanner interface, used for remote
// scanners that resolve the instance address per scan.
type ScannerFunc func(ctx context.Context) (Snapshot, error)

func (f ScannerFunc) Scan(ctx context.Context) (Snapshot, error) { return f(ctx) }

// RemoteScannerFactory builds a Scanner for one mapping's remote tree on
// the given host.
type RemoteScannerFactory func(host string, mapping config.Mapping, exclude *ExcludeMatcher) Scanner

// CoordinatorOptions carries the coordinator's collaborators. Executor
// and Resolver are required; RemoteScanner may be nil to disable remote
// change detection (push-only deployments and tests).
type CoordinatorOptions struct {
	Config        *config.Config
	Executor      Executor
	Resolver      HostResolver
	RemoteScanner RemoteScannerFactory
	Clock         clockwork.Clock
	StatusPath    string
}

// Coordinator wires detection, batching, conflict resolution and transfer
// into the daemon's sync loop. One coordinator runs per daemon; transfer
// execution is single flight.
type Coordinator struct {
	cfg      *config.Config
	mode     Mode
	strategy Strategy

	exec       Executor
	resolver   HostResolver
	remoteScan RemoteScannerFactory
	clock      clockwork.Clock
	statusPath string

	scheduler *Scheduler
	estimator *Estimator

	excludes map[string]*ExcludeMatcher
	watchers []*Watcher

	// muSync is the single-flight transfer lock. TryLock only; a second
	// eligible batch waits rather than queueing behind a blocked lock.
	muSync gosync.Mutex

	mu        gosync.Mutex
	syncing   bool
	stopped   bool
	host      string
	lastRun   *HistoryRecord
	conflicts []Conflict

	done     chan struct{}
	stopOnce gosync.Once
	wg       gosync.WaitGroup
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	mode, err := ParseMode(opts.Config.Sync.Mode)
	if err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(opts.Config.Sync.Strategy)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Coordinator{
		cfg:        opts.Config,
		mode:       mode,
		strategy:   strategy,
		exec:       opts.Executor,
		resolver:   opts.Resolver,
		remoteScan: opts.RemoteScanner,
		clock:      clock,
		statusPath: opts.StatusPath,
		estimator:  NewEstimator(clock),
		excludes:   make(map[string]*ExcludeMatcher),
		done:       make(chan struct{}),
	}
	c.scheduler = NewScheduler(SchedulerConfig{
		QuietDelay:  opts.Config.Sync.QuietDelay(),
		MinInterval: opts.Config.Sync.MinInterval(),
		BatchSize:   opts.Config.Sync.EffectiveBatchSize(),
	}, clock)

	for _, m := range opts.Config.EnabledMappings() {
		patterns := append([]string{}, opts.Config.Sync.ExcludePatterns...)
		patterns = append(patterns, m.ExcludePatterns...)
		matcher := NewExcludeMatcher(patterns...)
		matcher.LoadIgnoreFile(m.LocalPath)
		c.excludes[m.Name] = matcher
	}

	return c, nil
}

// Start brings up detection and the batch consumer. Detection failures on
// individual mappings degrade that mapping to poll mode instead of
// failing the daemon.
func (c *Coordinator) Start(ctx context.Context) error {
	slog.Info("coordinator start",
		"mode", string(c.mode),
		"strategy", string(c.strategy),
		"mappings", len(c.cfg.EnabledMappings()),
	)

	c.scheduler.Start(ctx)

	for _, m := range c.cfg.EnabledMappings() {
		exclude := c.excludes[m.Name]

		if c.mode != ModePull {
			if err := c.startLocalDetection(ctx, m, exclude); err != nil {
				return err
			}
		}
		if c.mode != ModePush && c.remoteScan != nil {
			mapping := m
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.pollRemote(ctx, mapping, exclude)
			}()
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeBatches(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.statusLoop(ctx)
	}()

	c.writeStatus()
	return nil
}

// startLocalDetection starts the push-mode watcher for one mapping and
// falls back to polling when the OS watch cannot be established.
func (c *Coordinator) startLocalDetection(ctx context.Context, m config.Mapping, exclude *ExcludeMatcher) error {
	w := NewWatcher(m.LocalPath, exclude, c.clock)
	if err := w.Start(ctx); err != nil {
		slog.Warn("watch failed, falling back to polling", "mapping", m.Name, "error", err)
		detector := NewPollDetector(m.Name, &LocalScanner{Root: m.LocalPath, Exclude: exclude}, c.clock)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pollLocal(ctx, m.Name, detector)
		}()
		return nil
	}

	c.watchers = append(c.watchers, w)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range w.Events() {
			c.scheduler.Offer(m.Name, OriginLocal, ev)
		}
	}()
	return nil
}

// pollLocal is the poll-mode fallback for a local root.
func (c *Coordinator) pollLocal(ctx context.Context, mapping string, detector *PollDetector) {
	if err := detector.Prime(ctx); err != nil {
		slog.Warn("poll prime failed", "mapping", mapping, "error", err)
	}

	interval := c.cfg.Sync.PollInterval()
	timer := c.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.Chan():
		}

		events, err := detector.Detect(ctx)
		if err != nil {
			slog.Warn("poll detect failed", "mapping", mapping, "error", err)
		}
		for _, ev := range events {
			c.scheduler.Offer(mapping, OriginLocal, ev)
		}
		timer.Reset(interval)
	}
}

// pollRemote polls one mapping's remote tree. The host is resolved per
// tick so an instance restart with a new address is picked up without
// daemon intervention.
func (c *Coordinator) pollRemote(ctx context.Context, m config.Mapping, exclude *ExcludeMatcher) {
	detector := NewPollDetector(m.Name, ScannerFunc(func(ctx context.Context) (Snapshot, error) {
		host, err := c.resolver.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		c.setHost(host)
		return c.remoteScan(host, m, exclude).Scan(ctx)
	}), c.clock)

	interval := c.cfg.Sync.PollInterval()
	timer := c.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.Chan():
		}

		events, err := detector.Detect(ctx)
		if err != nil {
			slog.Warn("remote poll failed", "mapping", m.Name, "error", err)
		}
		for _, ev := range events {
			c.scheduler.Offer(m.Name, OriginRemote, ev)
		}
		timer.Reset(interval)
	}
}

func (c *Coordinator) consumeBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case b := <-c.scheduler.Flushes():
			if err := c.runBatch(ctx, b); err != nil {
				slog.Error("sync run failed", "batch", b.ID, "error", err)
			}
		}
	}
}

func (c *Coordinator) statusLoop(ctx context.Context) {
	timer := c.clock.NewTimer(statusWriteInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.Chan():
			c.writeStatus()
			timer.Reset(statusWriteInterval)
		}
	}
}

// plan is the per-mapping transfer split after conflict resolution.
type plan struct {
	push []string
	pull []string
}

// resolveBatch splits a batch into per-direction path sets. Paths edited
// on both sides go through the conflict strategy; manual conflicts are
// surfaced and excluded without blocking the rest of the batch.
func (c *Coordinator) resolveBatch(b *Batch) map[string]*plan {
	plans := make(map[string]*plan, len(b.Changes))
	now := c.clock.Now()

	for mapping, changes := range b.Changes {
		p := &plan{}
		plans[mapping] = p

		for _, pc := range changes {
			switch {
			case pc.Local != nil && pc.Remote != nil:
				outcome, _, err := Resolve(*pc.Local, *pc.Remote, c.strategy)
				if err != nil {
					slog.Error("conflict resolution failed", "mapping", mapping, "path", pc.Path, "error", err)
					continue
				}
				switch outcome {
				case LocalWins:
					p.push = append(p.push, pc.Path)
				case RemoteWins:
					p.pull = append(p.pull, pc.Path)
				case ManualRequired:
					c.recordConflict(Conflict{
						Mapping:    mapping,
						Path:       pc.Path,
						Local:      *pc.Local,
						Remote:     *pc.Remote,
						DetectedAt: now,
					})
				}
			case pc.Local != nil:
				p.push = append(p.push, pc.Path)
			case pc.Remote != nil:
				p.pull = append(p.pull, pc.Path)
			}
		}

		sort.Strings(p.push)
		sort.Strings(p.pull)
	}

	return plans
}

// runBatch executes one sync attempt for a frozen batch. A failed run
// requeues the batch so no change is lost; the scheduler's floor spaces
// the retry.
func (c *Coordinator) runBatch(ctx context.Context, b *Batch) error {
	if !c.muSync.TryLock() {
		c.scheduler.Requeue(b)
		return ErrSyncAlreadyRunning
	}
	defer c.muSync.Unlock()

	c.setSyncing(true)
	defer c.setSyncing(false)

	files, bytes := c.estimator.EstimateSize(b)
	c.estimator.BeginRun(b.ID, files, bytes)
	slog.Info("sync run start",
		"batch", b.ID,
		"paths", b.Len(),
		"estimated_bytes", bytes,
		"estimated_duration", c.estimator.EstimateDuration(bytes).Round(time.Millisecond).String(),
	)
	c.writeStatus()

	// The run outlives a daemon shutdown request: in-flight transfers
	// finish rather than leaving half-synced trees.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runTimeout)
	defer cancel()

	err := c.transferBatch(runCtx, b)

	rec := c.estimator.FinishRun(b.ID, files, bytes, err)
	c.setLastRun(rec)

	if err != nil {
		c.scheduler.Requeue(b)
		c.writeStatus()
		return err
	}

	slog.Info("sync run done",
		"batch", b.ID,
		"duration", rec.Duration.Round(time.Millisecond).String(),
	)
	c.writeStatus()
	return nil
}

func (c *Coordinator) transferBatch(ctx context.Context, b *Batch) error {
	plans := c.resolveBatch(b)

	mappings := make([]string, 0, len(plans))
	for name := range plans {
		mappings = append(mappings, name)
	}
	sort.Strings(mappings)

	var host string
	var errs []error

	for _, name := range mappings {
		p := plans[name]
		if len(p.push) == 0 && len(p.pull) == 0 {
			continue
		}

		if host == "" {
			resolved, err := c.resolver.Resolve(ctx)
			if err != nil {
				return fmt.Errorf("resolve remote host: %w", err)
			}
			host = resolved
			c.setHost(host)
		}

		mapping, ok := c.mapping(name)
		if !ok {
			continue
		}

		for _, dir := range c.mode.Directions() {
			paths := p.push
			if dir == RemoteToLocal {
				paths = p.pull
			}
			if len(paths) == 0 {
				continue
			}

			_, err := c.exec.Transfer(ctx, TransferRequest{
				Mapping:   mapping,
				Host:      host,
				Direction: dir,
				Paths:     paths,
				Progress:  c.estimator.UpdateProgress,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("mapping %q %s: %w", name, dir, err))
			}
		}
	}

	return errors.Join(errs...)
}

// RunOnce performs a full-tree sync of every enabled mapping outside the
// batching pipeline. It shares the single-flight lock with batch runs and
// feeds the scheduler's floor so a daemon in the same process spaces its
// next run accordingly.
func (c *Coordinator) RunOnce(ctx context.Context, dryRun bool) error {
	if !c.muSync.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer c.muSync.Unlock()

	c.setSyncing(true)
	defer c.setSyncing(false)

	start := c.clock.Now()
	c.scheduler.MarkSyncStarted(start)
	c.estimator.BeginRun("", 0, 0)

	host, err := c.resolver.Resolve(ctx)
	if err != nil {
		c.estimator.FinishRun("", 0, 0, err)
		return fmt.Errorf("resolve remote host: %w", err)
	}
	c.setHost(host)

	var errs []error
	var files int
	var bytes int64

	for _, m := range c.cfg.EnabledMappings() {
		for _, dir := range c.mode.Directions() {
			res, err := c.exec.Transfer(ctx, TransferRequest{
				Mapping:   m,
				Host:      host,
				Direction: dir,
				DryRun:    dryRun,
				Progress:  c.estimator.UpdateProgress,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("mapping %q %s: %w", m.Name, dir, err))
				continue
			}
			files += res.Files
			bytes += res.Bytes
		}
	}

	err = errors.Join(errs...)
	rec := c.estimator.FinishRun("", files, bytes, err)
	c.setLastRun(rec)
	c.writeStatus()
	return err
}

// TriggerSync asks for an immediate flush of the pending set. The
// MinInterval floor still applies.
func (c *Coordinator) TriggerSync() {
	c.scheduler.Kick()
}

// Status assembles a copy-on-read view of the whole pipeline.
func (c *Coordinator) Status() DaemonStatus {
	pending := c.scheduler.Pending()

	c.mu.Lock()
	syncing := c.syncing
	stopped := c.stopped
	host := c.host
	lastRun := c.lastRun
	conflicts := append([]Conflict{}, c.conflicts...)
	c.mu.Unlock()

	st := DaemonStatus{
		State:     c.deriveState(syncing, stopped, pending),
		PID:       os.Getpid(),
		UpdatedAt: c.clock.Now(),
		Host:      host,
		Pending:   pending,
		Progress:  c.estimator.Progress(),
		LastRun:   lastRun,
		History:   c.estimator.History(),
		Conflicts: conflicts,
	}
	if !pending.Deadline.IsZero() {
		st.NextEligible = pending.Deadline
	}

	for _, m := range c.cfg.EnabledMappings() {
		st.Mappings = append(st.Mappings, MappingStatus{
			Name:       m.Name,
			LocalPath:  m.LocalPath,
			RemotePath: m.RemotePath,
			Pending:    pending.PerMapping[m.Name],
		})
	}

	return st
}

// deriveState projects the pipeline onto the coarse lifecycle states.
func (c *Coordinator) deriveState(syncing, stopped bool, pending PendingStatus) State {
	switch {
	case stopped:
		return StateStopped
	case syncing:
		return StateSyncing
	case pending.Total == 0:
		return StateIdle
	}

	now := c.clock.Now()
	if !pending.LastSyncStart.IsZero() {
		if now.Sub(pending.LastSyncStart) < c.cfg.Sync.MinInterval() {
			return StateCooldown
		}
	}
	if !pending.Deadline.IsZero() && !now.Before(pending.Deadline) {
		return StateEligible
	}
	return StateBatching
}

// Stop shuts the pipeline down in order: detection first so no new events
// arrive, then the scheduler, then a bounded wait for any in-flight run.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		slog.Info("coordinator stop")
		close(c.done)

		for _, w := range c.watchers {
			w.Stop()
		}
		c.scheduler.Stop()
		c.wg.Wait()

		// An in-flight run finishes; runTimeout bounds the wait.
		c.muSync.Lock()
		c.muSync.Unlock() //nolint:staticcheck // lock/unlock pair is the wait

		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.writeStatus()
	})
}

// Conflicts returns the recorded manual conflicts, oldest first.
func (c *Coordinator) Conflicts() []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conflict{}, c.conflicts...)
}

func (c *Coordinator) recordConflict(conflict Conflict) {
	slog.Warn("conflict requires manual resolution",
		"mapping", conflict.Mapping,
		"path", conflict.Path,
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	// One live entry per path; a re-detected conflict refreshes it.
	for i, existing := range c.conflicts {
		if existing.Mapping == conflict.Mapping && existing.Path == conflict.Path {
			c.conflicts[i] = conflict
			return
		}
	}
	c.conflicts = append(c.conflicts, conflict)
	if len(c.conflicts) > conflictLimit {
		c.conflicts = c.conflicts[len(c.conflicts)-conflictLimit:]
	}
}

func (c *Coordinator) mapping(name string) (config.Mapping, bool) {
	for _, m := range c.cfg.EnabledMappings() {
		if m.Name == name {
			return m, true
		}
	}
	return config.Mapping{}, false
}

func (c *Coordinator) setSyncing(v bool) {
	c.mu.Lock()
	c.syncing = v
	c.mu.Unlock()
}

func (c *Coordinator) setHost(host string) {
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
}

func (c *Coordinator) setLastRun(rec HistoryRecord) {
	c.mu.Lock()
	c.lastRun = &rec
	c.mu.Unlock()
}

func (c *Coordinator) writeStatus() {
	if c.statusPath == "" {
		return
	}
	if err := WriteStatusFile(c.statusPath, c.Status()); err != nil {
		slog.Warn("status write failed", "path", c.statusPath, "error", err)
	}
}
