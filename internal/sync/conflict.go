package sync

import (
	"fmt"
	"time"
)

// Strategy selects how conflicting local/remote edits are resolved.
type Strategy string

const (
	StrategyNewer  Strategy = "newer"
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyManual Strategy = "manual"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNewer, StrategyLocal, StrategyRemote, StrategyManual:
		return Strategy(s), nil
	case "":
		return StrategyNewer, nil
	default:
		return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
	}
}

// Outcome is the decision for one conflicting path.
type Outcome uint8

const (
	LocalWins Outcome = iota
	RemoteWins
	ManualRequired
)

func (o Outcome) String() string {
	switch o {
	case LocalWins:
		return "local_wins"
	case RemoteWins:
		return "remote_wins"
	case ManualRequired:
		return "manual_required"
	default:
		return "unknown"
	}
}

// Conflict records a pair of changes requiring manual resolution, surfaced
// through the daemon status and excluded from automatic transfer.
type Conflict struct {
	Mapping    string      `json:"mapping"`
	Path       string      `json:"path"`
	Local      ChangeEvent `json:"-"`
	Remote     ChangeEvent `json:"-"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Resolve decides between a local and a remote change touching the same
// logical path. Pure decision function: no I/O, no transfer side effects.
// Under StrategyNewer the later timestamp wins and local wins ties.
func Resolve(local, remote ChangeEvent, strategy Strategy) (Outcome, *ChangeEvent, error) {
	switch strategy {
	case StrategyLocal:
		return LocalWins, &local, nil
	case StrategyRemote:
		return RemoteWins, &remote, nil
	case StrategyNewer:
		if remote.Timestamp.After(local.Timestamp) {
			return RemoteWins, &remote, nil
		}
		return LocalWins, &local, nil
	case StrategyManual:
		return ManualRequired, nil, nil
	default:
		return ManualRequired, nil, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}
