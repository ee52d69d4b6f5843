package sync

import (
	"context"
	"errors"

	"github.com/driftsync/driftsync/internal/config"
)

// ErrSyncAlreadyRunning is returned when a sync is requested while another
// run holds the single-flight lock.
var ErrSyncAlreadyRunning = errors.New("sync already running")

// TransferRequest describes one executor invocation for one mapping in one
// direction. Paths restricts the transfer to the listed relative paths;
// empty means the whole tree.
type TransferRequest struct {
	Mapping   config.Mapping
	Host      string
	Direction Direction
	Paths     []string
	DryRun    bool
	Progress  func(ProgressUpdate)
}

// TransferResult reports what one executor invocation moved.
type TransferResult struct {
	Files int
	Bytes int64
}

// Executor performs the actual data movement for one request. The rsync
// implementation lives in internal/transfer.
type Executor interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// HostResolver turns the configured instance identity into a reachable
// address, powering the instance on first if the config allows it. The
// EC2 implementation lives in internal/remote.
type HostResolver interface {
	Resolve(ctx context.Context) (string, error)
}
