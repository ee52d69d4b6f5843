package sync

import (
	"time"
)

// EventKind tags a ChangeEvent with the filesystem operation it represents.
type EventKind uint8

const (
	Created EventKind = iota
	Modified
	Deleted
	Moved
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// Origin identifies which side of a mapping produced an event.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// ChangeEvent describes one observed change to a file, keyed by its path
// relative to the watched root. Immutable once created.
type ChangeEvent struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
	// Size is the on-disk size at detection time, or -1 when unknown
	// (deletes, events without a stat).
	Size        int64
	ContentHash string
	// OldPath is set for Moved events only.
	OldPath string
}

// FileState is the per-file fingerprint recorded by a snapshot scan.
// ContentHash is empty for files above the hashing ceiling and for remote
// scans, in which case size+mtime comparison is authoritative.
type FileState struct {
	Size        int64
	ModTime     time.Time
	ContentHash string
}

// Snapshot maps root-relative paths to their state. Exactly one entry per
// existing file.
type Snapshot map[string]FileState
