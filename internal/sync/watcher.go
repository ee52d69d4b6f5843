package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

const watcherBufferSize = 64

var ErrWatcherClosed = errors.New("watcher closed")

// Watcher is the push-mode change detector for a local root. It wraps the
// OS notification stream, drops directory events and excluded paths, and
// emits one ChangeEvent per surviving notification.
type Watcher struct {
	watchDir string
	exclude  *ExcludeMatcher
	clock    clockwork.Clock

	raw    chan notify.EventInfo
	events chan ChangeEvent
	done   chan struct{}
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	started bool
}

func NewWatcher(watchDir string, exclude *ExcludeMatcher, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		watchDir: watchDir,
		exclude:  exclude,
		clock:    clock,
		done:     make(chan struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	slog.Info("watcher start", "dir", w.watchDir)

	w.raw = make(chan notify.EventInfo, watcherBufferSize)
	w.events = make(chan ChangeEvent, watcherBufferSize)

	recursivePath := filepath.Join(w.watchDir, "...")
	if err := notify.Watch(recursivePath, w.raw, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.filterEvents(ctx)
	}()

	w.started = true
	return nil
}

// Events returns the filtered change stream. Closed on Stop.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}

	slog.Info("watcher stop", "dir", w.watchDir)
	close(w.done)
	notify.Stop(w.raw)
	w.wg.Wait()
	close(w.events)
	w.started = false
}

func (w *Watcher) filterEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.raw:
			if !ok {
				return
			}
			if ev, keep := w.translate(ei); keep {
				select {
				case w.events <- ev:
				default:
					slog.Warn("watcher dropped event: channel full", "path", ev.Path, "kind", ev.Kind.String())
				}
			}
		}
	}
}

// translate converts a raw notification into a ChangeEvent, dropping
// directory events and excluded paths.
func (w *Watcher) translate(ei notify.EventInfo) (ChangeEvent, bool) {
	relPath, err := filepath.Rel(w.watchDir, ei.Path())
	if err != nil {
		return ChangeEvent{}, false
	}
	relPath = filepath.ToSlash(relPath)

	if w.exclude != nil && w.exclude.ShouldIgnore(relPath) {
		return ChangeEvent{}, false
	}

	ev := ChangeEvent{
		Path:      relPath,
		Timestamp: w.clock.Now(),
		Size:      -1,
	}

	switch ei.Event() {
	case notify.Create:
		ev.Kind = Created
	case notify.Write:
		ev.Kind = Modified
	case notify.Remove:
		ev.Kind = Deleted
	case notify.Rename:
		// The notification stream reports each rename endpoint as a
		// separate event with no pairing, so a rename degrades to Deleted
		// for the vacated path or Created for the destination.
		if _, err := os.Stat(ei.Path()); err != nil {
			ev.Kind = Deleted
		} else {
			ev.Kind = Created
		}
	default:
		return ChangeEvent{}, false
	}

	// A stat also tells us whether this is a directory event; those are
	// dropped. Deletes cannot be stat'ed, so they pass through as-is.
	if ev.Kind != Deleted {
		info, err := os.Stat(ei.Path())
		if err == nil {
			if info.IsDir() {
				return ChangeEvent{}, false
			}
			ev.Size = info.Size()
		}
	}

	return ev, true
}
