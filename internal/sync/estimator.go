package sync

import (
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// historyLimit bounds the completed-run records kept for estimation.
	historyLimit = 10
	// throughputWindow is how many recent records feed the throughput
	// estimate.
	throughputWindow = 5

	// fallbackBytesPerFile sizes an unknown file when no history exists
	// to derive a mean from.
	fallbackBytesPerFile = int64(1 << 20) // 1 MiB
	// fallbackBytesPerSecond seeds the duration estimate before any run
	// has completed.
	fallbackBytesPerSecond = float64(1 << 20) // 1 MiB/s
)

// HistoryRecord is one completed sync run as the estimator remembers it.
type HistoryRecord struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Files      int           `json:"files"`
	Bytes      int64         `json:"bytes"`
	Succeeded  bool          `json:"succeeded"`
	Error      string        `json:"error,omitempty"`
	BatchID    string        `json:"batch_id,omitempty"`
	Throughput float64       `json:"throughput_bps"`
}

// ProgressSnapshot is a copy-on-read view of the run in flight. Zero
// value means no run is active.
type ProgressSnapshot struct {
	Active           bool          `json:"active"`
	BatchID          string        `json:"batch_id,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Elapsed          time.Duration `json:"elapsed"`
	BytesDone        int64         `json:"bytes_done"`
	BytesTotal       int64         `json:"bytes_total"`
	FilesTotal       int           `json:"files_total"`
	FilesCompleted   int           `json:"files_completed"`
	CurrentFile      string        `json:"current_file,omitempty"`
	Percent          float64       `json:"percent"`
	BytesPerSec      float64       `json:"bytes_per_sec,omitempty"`
	EstimatedTotal   time.Duration `json:"estimated_total"`
	RemainingSeconds float64       `json:"remaining_seconds"`
}

// ProgressUpdate is one observation from the transfer layer. Fields the
// transfer could not determine carry their "unknown" sentinel and the
// snapshot falls back to the estimator's own numbers.
type ProgressUpdate struct {
	BytesDone      int64
	Percent        float64 // -1 when unknown
	CurrentFile    string
	FilesCompleted int     // -1 when unknown
	BytesPerSec    float64 // 0 when unknown
	ETASeconds     float64 // -1 when unknown
}

// Estimator predicts run duration from recent history and tracks the
// progress of the run in flight. Safe for concurrent use: the coordinator
// writes, the status surfaces read.
type Estimator struct {
	clock clockwork.Clock

	mu      gosync.Mutex
	history []HistoryRecord

	active     bool
	batchID    string
	startedAt  time.Time
	bytesTotal int64
	filesTotal int
	estimate   time.Duration
	last       ProgressUpdate
}

func NewEstimator(clock clockwork.Clock) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Estimator{clock: clock}
}

// EstimateSize predicts the byte volume of a batch. Events carrying a
// known size contribute it; the rest substitute the mean per-file size
// of recent runs, or a flat guess before any run has completed.
func (e *Estimator) EstimateSize(b *Batch) (files int, bytes int64) {
	e.mu.Lock()
	perFile := e.meanFileSizeLocked()
	e.mu.Unlock()

	for _, changes := range b.Changes {
		for _, c := range changes {
			files++
			bytes += changeSize(c, perFile)
		}
	}
	return files, bytes
}

// meanFileSizeLocked derives bytes-per-file from the recent history
// window.
func (e *Estimator) meanFileSizeLocked() int64 {
	var files int
	var bytes int64
	for i, n := len(e.history)-1, 0; i >= 0 && n < throughputWindow; i, n = i-1, n+1 {
		rec := e.history[i]
		if !rec.Succeeded || rec.Files <= 0 || rec.Bytes <= 0 {
			continue
		}
		files += rec.Files
		bytes += rec.Bytes
	}
	if files == 0 {
		return fallbackBytesPerFile
	}
	return bytes / int64(files)
}

func changeSize(c PendingChange, unknownSize int64) int64 {
	size := int64(-1)
	if c.Local != nil && c.Local.Size >= 0 {
		size = c.Local.Size
	}
	if c.Remote != nil && c.Remote.Size > size {
		size = c.Remote.Size
	}
	if size < 0 {
		return unknownSize
	}
	return size
}

// EstimateDuration predicts how long transferring the given volume will
// take, using the aggregate throughput of the most recent runs.
func (e *Estimator) EstimateDuration(bytes int64) time.Duration {
	e.mu.Lock()
	bps := e.throughputLocked()
	e.mu.Unlock()

	if bytes <= 0 {
		bytes = fallbackBytesPerFile
	}
	return time.Duration(float64(bytes) / bps * float64(time.Second))
}

// throughputLocked is total bytes over total duration across the recent
// history window, so long runs weigh in proportionally instead of every
// run counting equally. Failed records hold the pre-run estimate rather
// than bytes actually moved, so they contribute nothing; an empty window
// means the fallback rate.
func (e *Estimator) throughputLocked() float64 {
	var bytes int64
	var secs float64
	for i, n := len(e.history)-1, 0; i >= 0 && n < throughputWindow; i, n = i-1, n+1 {
		rec := e.history[i]
		if !rec.Succeeded || rec.Bytes <= 0 || rec.Duration <= 0 {
			continue
		}
		bytes += rec.Bytes
		secs += rec.Duration.Seconds()
	}
	if bytes <= 0 || secs <= 0 {
		return fallbackBytesPerSecond
	}
	return float64(bytes) / secs
}

// BeginRun marks a run as active and freezes its volume estimate.
func (e *Estimator) BeginRun(batchID string, files int, bytes int64) {
	est := e.EstimateDuration(bytes)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = true
	e.batchID = batchID
	e.startedAt = e.clock.Now()
	e.bytesTotal = bytes
	e.filesTotal = files
	e.estimate = est
	e.last = ProgressUpdate{Percent: -1, FilesCompleted: -1, ETASeconds: -1}
}

// UpdateProgress stores the observation as reported. The transfer layer
// owns these numbers while a run is active; the estimator does not
// second-guess them.
func (e *Estimator) UpdateProgress(u ProgressUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.last = u
}

// FinishRun closes the active run and appends it to history, which is
// truncated to the most recent records.
func (e *Estimator) FinishRun(batchID string, files int, bytes int64, runErr error) HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	rec := HistoryRecord{
		StartedAt: e.startedAt,
		Duration:  now.Sub(e.startedAt),
		Files:     files,
		Bytes:     bytes,
		Succeeded: runErr == nil,
		BatchID:   batchID,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if secs := rec.Duration.Seconds(); secs > 0 && bytes > 0 {
		rec.Throughput = float64(bytes) / secs
	}

	e.history = append(e.history, rec)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}

	e.active = false
	e.batchID = ""
	e.bytesTotal = 0
	e.filesTotal = 0
	e.last = ProgressUpdate{}
	return rec
}

// Progress returns a snapshot of the run in flight.
func (e *Estimator) Progress() ProgressSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return ProgressSnapshot{}
	}

	snap := ProgressSnapshot{
		Active:         true,
		BatchID:        e.batchID,
		StartedAt:      e.startedAt,
		Elapsed:        e.clock.Now().Sub(e.startedAt),
		BytesDone:      e.last.BytesDone,
		BytesTotal:     e.bytesTotal,
		FilesTotal:     e.filesTotal,
		CurrentFile:    e.last.CurrentFile,
		BytesPerSec:    e.last.BytesPerSec,
		EstimatedTotal: e.estimate,
	}
	if e.last.FilesCompleted >= 0 {
		snap.FilesCompleted = e.last.FilesCompleted
	}

	// Reported fields pass through; the estimator only fills the gaps the
	// transfer left unknown.
	switch {
	case e.last.Percent >= 0:
		snap.Percent = e.last.Percent
	case e.bytesTotal > 0:
		snap.Percent = float64(e.last.BytesDone) / float64(e.bytesTotal) * 100
		if snap.Percent > 100 {
			snap.Percent = 100
		}
	}
	if e.last.ETASeconds >= 0 {
		snap.RemainingSeconds = e.last.ETASeconds
	} else if remaining := e.estimate - snap.Elapsed; remaining > 0 {
		snap.RemainingSeconds = remaining.Seconds()
	}
	return snap
}

// History returns a copy of the completed-run records, oldest first.
func (e *Estimator) History() []HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HistoryRecord, len(e.history))
	copy(out, e.history)
	return out
}
