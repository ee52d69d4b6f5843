package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
)

type fakeExecutor struct {
	requests []TransferRequest
	err      error
}

func (f *fakeExecutor) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return TransferResult{}, f.err
	}
	return TransferResult{Files: len(req.Paths), Bytes: 1024}, nil
}

type fakeResolver struct {
	host string
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context) (string, error) {
	return f.host, f.err
}

func testConfig(t *testing.T, mode, strategy string) *config.Config {
	t.Helper()
	return &config.Config{
		Mappings: []config.Mapping{
			{Name: "code", LocalPath: t.TempDir(), RemotePath: "/srv/code", Enabled: true},
		},
		Sync: config.Sync{Mode: mode, Strategy: strategy},
	}
}

func newTestCoordinator(t *testing.T, cfg *config.Config, exec Executor, resolver HostResolver) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorOptions{
		Config:   cfg,
		Executor: exec,
		Resolver: resolver,
	})
	require.NoError(t, err)
	return c
}

func TestNewCoordinatorRejectsBadModeAndStrategy(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{Config: testConfig(t, "sideways", "")})
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorOptions{Config: testConfig(t, "", "coinflip")})
	assert.Error(t, err)
}

func TestResolveBatchSplitsDirections(t *testing.T) {
	c := newTestCoordinator(t, testConfig(t, "bidirectional", "newer"), &fakeExecutor{}, &fakeResolver{host: "h"})

	b := &Batch{Changes: map[string][]PendingChange{
		"code": {
			{Path: "local-only", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(100, 0)}},
			{Path: "remote-only", Remote: &ChangeEvent{Kind: Created, Timestamp: time.Unix(100, 0)}},
			{Path: "both-remote-newer",
				Local:  &ChangeEvent{Kind: Modified, Timestamp: time.Unix(100, 0)},
				Remote: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(200, 0)},
			},
		},
	}}

	plans := c.resolveBatch(b)
	require.Contains(t, plans, "code")
	assert.Equal(t, []string{"local-only"}, plans["code"].push)
	assert.ElementsMatch(t, []string{"remote-only", "both-remote-newer"}, plans["code"].pull)
	assert.Empty(t, c.Conflicts())
}

func TestResolveBatchManualConflictExcluded(t *testing.T) {
	c := newTestCoordinator(t, testConfig(t, "bidirectional", "manual"), &fakeExecutor{}, &fakeResolver{host: "h"})

	b := &Batch{Changes: map[string][]PendingChange{
		"code": {
			{Path: "disputed.txt",
				Local:  &ChangeEvent{Kind: Modified, Timestamp: time.Unix(100, 0)},
				Remote: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(200, 0)},
			},
			{Path: "clean.txt", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(100, 0)}},
		},
	}}

	plans := c.resolveBatch(b)
	assert.Equal(t, []string{"clean.txt"}, plans["code"].push, "unrelated paths keep flowing")
	assert.Empty(t, plans["code"].pull)

	conflicts := c.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "disputed.txt", conflicts[0].Path)
	assert.Equal(t, "code", conflicts[0].Mapping)
}

func TestRunBatchTransfersAndRecordsHistory(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoordinator(t, testConfig(t, "bidirectional", "newer"), exec, &fakeResolver{host: "198.51.100.7"})

	b := &Batch{ID: "b1", Changes: map[string][]PendingChange{
		"code": {
			{Path: "up.txt", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0), Size: 10}},
			{Path: "down.txt", Remote: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0), Size: 20}},
		},
	}}

	require.NoError(t, c.runBatch(context.Background(), b))

	require.Len(t, exec.requests, 2)
	assert.Equal(t, LocalToRemote, exec.requests[0].Direction, "push before pull")
	assert.Equal(t, []string{"up.txt"}, exec.requests[0].Paths)
	assert.Equal(t, "198.51.100.7", exec.requests[0].Host)
	assert.Equal(t, RemoteToLocal, exec.requests[1].Direction)
	assert.Equal(t, []string{"down.txt"}, exec.requests[1].Paths)

	st := c.Status()
	require.NotNil(t, st.LastRun)
	assert.True(t, st.LastRun.Succeeded)
	assert.Equal(t, "b1", st.LastRun.BatchID)
}

func TestRunBatchFailureRequeues(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("rsync: connection refused")}
	c := newTestCoordinator(t, testConfig(t, "push", "newer"), exec, &fakeResolver{host: "h"})

	b := &Batch{ID: "b1", Changes: map[string][]PendingChange{
		"code": {{Path: "a.txt", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0)}}},
	}}

	err := c.runBatch(context.Background(), b)
	require.Error(t, err)

	select {
	case requeued := <-c.scheduler.requeues:
		assert.Equal(t, "b1", requeued.ID)
	default:
		t.Fatal("failed batch was not requeued")
	}

	st := c.Status()
	require.NotNil(t, st.LastRun)
	assert.False(t, st.LastRun.Succeeded)
}

func TestRunBatchResolverFailureRequeues(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoordinator(t, testConfig(t, "push", "newer"), exec, &fakeResolver{err: errors.New("no credentials")})

	b := &Batch{ID: "b1", Changes: map[string][]PendingChange{
		"code": {{Path: "a.txt", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0)}}},
	}}

	require.Error(t, c.runBatch(context.Background(), b))
	assert.Empty(t, exec.requests)

	select {
	case <-c.scheduler.requeues:
	default:
		t.Fatal("failed batch was not requeued")
	}
}

func TestRunBatchPushModeSkipsPulls(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoordinator(t, testConfig(t, "push", "newer"), exec, &fakeResolver{host: "h"})

	b := &Batch{ID: "b1", Changes: map[string][]PendingChange{
		"code": {
			{Path: "up.txt", Local: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0)}},
			{Path: "down.txt", Remote: &ChangeEvent{Kind: Modified, Timestamp: time.Unix(1, 0)}},
		},
	}}

	require.NoError(t, c.runBatch(context.Background(), b))
	require.Len(t, exec.requests, 1)
	assert.Equal(t, LocalToRemote, exec.requests[0].Direction)
}

func TestRunOnceFullTree(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoordinator(t, testConfig(t, "bidirectional", "newer"), exec, &fakeResolver{host: "h"})

	require.NoError(t, c.RunOnce(context.Background(), true))

	require.Len(t, exec.requests, 2)
	for _, req := range exec.requests {
		assert.Empty(t, req.Paths, "full tree transfers carry no path filter")
		assert.True(t, req.DryRun)
	}
}

func TestRunOnceSingleFlight(t *testing.T) {
	c := newTestCoordinator(t, testConfig(t, "push", "newer"), &fakeExecutor{}, &fakeResolver{host: "h"})

	c.muSync.Lock()
	defer c.muSync.Unlock()

	err := c.RunOnce(context.Background(), false)
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
}

func TestDeriveState(t *testing.T) {
	c := newTestCoordinator(t, testConfig(t, "push", "newer"), &fakeExecutor{}, &fakeResolver{host: "h"})
	now := c.clock.Now()

	tests := []struct {
		name    string
		syncing bool
		stopped bool
		pending PendingStatus
		want    State
	}{
		{"stopped", false, true, PendingStatus{}, StateStopped},
		{"syncing", true, false, PendingStatus{Total: 3}, StateSyncing},
		{"idle", false, false, PendingStatus{}, StateIdle},
		{"batching", false, false, PendingStatus{Total: 2, Deadline: now.Add(time.Second)}, StateBatching},
		{"eligible", false, false, PendingStatus{Total: 2, Deadline: now.Add(-time.Second)}, StateEligible},
		{"cooldown", false, false, PendingStatus{Total: 2, Deadline: now.Add(time.Second), LastSyncStart: now.Add(-time.Second)}, StateCooldown},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, c.deriveState(test.syncing, test.stopped, test.pending))
		})
	}
}

func TestConflictBacklogDedupesAndBounds(t *testing.T) {
	c := newTestCoordinator(t, testConfig(t, "push", "manual"), &fakeExecutor{}, &fakeResolver{host: "h"})

	for i := 0; i < 3; i++ {
		c.recordConflict(Conflict{Mapping: "code", Path: "same.txt", DetectedAt: time.Unix(int64(i), 0)})
	}
	conflicts := c.Conflicts()
	require.Len(t, conflicts, 1, "re-detected conflicts refresh, not duplicate")
	assert.Equal(t, time.Unix(2, 0), conflicts[0].DetectedAt)
}
