package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/driftsync/driftsync/internal/utils"
)

// State is the coordinator's coarse lifecycle phase.
type State uint8

const (
	StateIdle State = iota
	StateBatching
	StateEligible
	StateSyncing
	StateCooldown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBatching:
		return "batching"
	case StateEligible:
		return "eligible"
	case StateSyncing:
		return "syncing"
	case StateCooldown:
		return "cooldown"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, candidate := range []State{StateIdle, StateBatching, StateEligible, StateSyncing, StateCooldown, StateStopped} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown daemon state %q", name)
}

// MappingStatus is the per-mapping slice of the daemon status.
type MappingStatus struct {
	Name       string `json:"name"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	Pending    int    `json:"pending"`
}

// DaemonStatus is the status surface published to the status file and the
// control plane. All fields are copies; readers never share state with the
// coordinator.
type DaemonStatus struct {
	State        State            `json:"state"`
	PID          int              `json:"pid"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Host         string           `json:"host,omitempty"`
	Pending      PendingStatus    `json:"pending"`
	Progress     ProgressSnapshot `json:"progress"`
	LastRun      *HistoryRecord   `json:"last_run,omitempty"`
	History      []HistoryRecord  `json:"history,omitempty"`
	Conflicts    []Conflict       `json:"conflicts,omitempty"`
	Mappings     []MappingStatus  `json:"mappings"`
	NextEligible time.Time        `json:"next_eligible,omitempty"`
}

// WriteStatusFile publishes the status atomically: write-to-temp then
// rename, so readers never observe a partial document.
func WriteStatusFile(path string, st DaemonStatus) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatusFile loads a previously published status document.
func ReadStatusFile(path string) (*DaemonStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st DaemonStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("status parse %q: %w", path, err)
	}
	return &st, nil
}
