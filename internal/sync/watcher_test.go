package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventInfo struct {
	event notify.Event
	path  string
}

func (f fakeEventInfo) Event() notify.Event { return f.event }
func (f fakeEventInfo) Path() string        { return f.path }
func (f fakeEventInfo) Sys() interface{}    { return nil }

func TestWatcherTranslate(t *testing.T) {
	root := t.TempDir()
	filePath := writeFile(t, root, "sub/data.txt", "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "somedir"), 0o755))

	w := NewWatcher(root, NewExcludeMatcher("*.tmp"), clockwork.NewFakeClock())

	tests := []struct {
		name string
		ei   fakeEventInfo
		keep bool
		kind EventKind
		size int64
	}{
		{"write", fakeEventInfo{notify.Write, filePath}, true, Modified, 5},
		{"create", fakeEventInfo{notify.Create, filePath}, true, Created, 5},
		{"remove", fakeEventInfo{notify.Remove, filepath.Join(root, "gone.txt")}, true, Deleted, -1},
		{"rename-destination", fakeEventInfo{notify.Rename, filePath}, true, Created, 5},
		{"rename-vacated", fakeEventInfo{notify.Rename, filepath.Join(root, "was-here.txt")}, true, Deleted, -1},
		{"excluded", fakeEventInfo{notify.Write, filepath.Join(root, "x.tmp")}, false, 0, 0},
		{"hidden", fakeEventInfo{notify.Write, filepath.Join(root, ".swapfile")}, false, 0, 0},
		{"directory", fakeEventInfo{notify.Create, filepath.Join(root, "somedir")}, false, 0, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ev, keep := w.translate(test.ei)
			assert.Equal(t, test.keep, keep)
			if !test.keep {
				return
			}
			assert.Equal(t, test.kind, ev.Kind)
			assert.Equal(t, test.size, ev.Size)
			assert.NotContains(t, ev.Path, root, "paths are relative to the root")
		})
	}
}

func TestWatcherTranslateRenameDegrades(t *testing.T) {
	root := t.TempDir()
	filePath := writeFile(t, root, "moved.txt", "x")

	w := NewWatcher(root, nil, clockwork.NewFakeClock())

	// Rename reported for a path that still exists: the destination side.
	ev, keep := w.translate(fakeEventInfo{notify.Rename, filePath})
	require.True(t, keep)
	assert.Equal(t, Created, ev.Kind)
	assert.Empty(t, ev.OldPath)

	// Rename reported for a path that is gone: the vacated side.
	ev, keep = w.translate(fakeEventInfo{notify.Rename, filepath.Join(root, "moved-away.txt")})
	require.True(t, keep)
	assert.Equal(t, Deleted, ev.Kind)
}
