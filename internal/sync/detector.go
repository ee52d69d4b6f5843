package sync

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/jonboulle/clockwork"

	"github.com/driftsync/driftsync/internal/utils"
)

// HashSizeCeiling is the largest file the scanner will content-hash.
// Bigger files rely on size+mtime comparison.
const HashSizeCeiling = 10 << 20 // 10 MiB

// Scanner produces a full snapshot of one tree. Implementations exist for
// the local filesystem (below) and for remote trees enumerated over SSH.
type Scanner interface {
	Scan(ctx context.Context) (Snapshot, error)
}

// LocalScanner walks a local root and fingerprints every regular file.
type LocalScanner struct {
	Root    string
	Exclude *ExcludeMatcher
}

func (s *LocalScanner) Scan(ctx context.Context) (Snapshot, error) {
	snap := make(Snapshot)

	if !utils.DirExists(s.Root) {
		return snap, nil
	}

	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// Unreadable entry: skip it, never fail the whole scan.
			slog.Debug("scan skip", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		relPath, relErr := filepath.Rel(s.Root, path)
		if relErr != nil || relPath == "." {
			return nil
		}

		if s.Exclude != nil && s.Exclude.ShouldIgnore(relPath) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Raced with a delete between readdir and stat.
			slog.Debug("scan stat skip", "path", path, "error", err)
			return nil
		}

		state := FileState{
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if info.Size() < HashSizeCeiling {
			if hash, err := utils.FileHash(path); err == nil {
				state.ContentHash = hash
			} else if !os.IsNotExist(err) {
				slog.Debug("scan hash skip", "path", path, "error", err)
			}
		}

		snap[filepath.ToSlash(relPath)] = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// PollDetector produces ChangeEvents by diffing consecutive snapshots of a
// tree. It is the detection mode for roots without push notifications
// (the remote side).
type PollDetector struct {
	name    string
	scanner Scanner
	clock   clockwork.Clock

	mu       gosync.Mutex
	snapshot Snapshot
	primed   bool
}

func NewPollDetector(name string, scanner Scanner, clock clockwork.Clock) *PollDetector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PollDetector{
		name:    name,
		scanner: scanner,
		clock:   clock,
	}
}

// Prime records the current tree state without emitting events, so that a
// freshly started detector does not report every existing file as created.
func (d *PollDetector) Prime(ctx context.Context) error {
	snap, err := d.scanner.Scan(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.snapshot = snap
	d.primed = true
	d.mu.Unlock()
	return nil
}

// Detect scans the tree, diffs against the previous snapshot and returns
// the observed changes. The stored snapshot is replaced atomically after
// diffing; a failed scan leaves it untouched.
func (d *PollDetector) Detect(ctx context.Context) ([]ChangeEvent, error) {
	current, err := d.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.primed {
		d.snapshot = current
		d.primed = true
		return nil, nil
	}

	now := d.clock.Now()
	var changes []ChangeEvent

	for path, state := range current {
		prev, existed := d.snapshot[path]
		if !existed {
			changes = append(changes, ChangeEvent{
				Path:        path,
				Kind:        Created,
				Timestamp:   now,
				Size:        state.Size,
				ContentHash: state.ContentHash,
			})
			continue
		}
		if stateModified(prev, state) {
			changes = append(changes, ChangeEvent{
				Path:        path,
				Kind:        Modified,
				Timestamp:   now,
				Size:        state.Size,
				ContentHash: state.ContentHash,
			})
		}
	}

	for path := range d.snapshot {
		if _, exists := current[path]; !exists {
			changes = append(changes, ChangeEvent{
				Path:      path,
				Kind:      Deleted,
				Timestamp: now,
				Size:      -1,
			})
		}
	}

	d.snapshot = current
	return changes, nil
}

// stateModified compares two fingerprints of the same path. Hashes only
// take part when both sides have one (files under the ceiling); size and
// mtime are always compared.
func stateModified(prev, curr FileState) bool {
	if prev.ContentHash != "" && curr.ContentHash != "" && prev.ContentHash != curr.ContentHash {
		return true
	}
	if prev.Size != curr.Size {
		return true
	}
	return !prev.ModTime.Equal(curr.ModTime)
}
