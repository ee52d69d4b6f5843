package transfer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/sync"
)

// partialDir is where rsync parks interrupted transfers so a retry can
// resume instead of restarting.
const partialDir = ".rsync-partial"

const (
	ioTimeoutSeconds      = 300
	connectTimeoutSeconds = 60
)

var (
	// bytes, percent, then optionally rate, ETA and the running transfer
	// count rsync appends as "(xfr#N, to-chk=...)".
	progressRe   = regexp.MustCompile(`^\s*([\d,]+)\s+(\d+)%(?:\s+([\d.,]+[kKMGT]?B/s))?(?:\s+(\d+(?::\d{2})+))?(?:\s+\(xfr#(\d+)\b)?`)
	statsFilesRe = regexp.MustCompile(`Number of regular files transferred: ([\d,]+)`)
	statsBytesRe = regexp.MustCompile(`Total transferred file size: ([\d,]+) bytes`)
)

// RsyncExecutor shells out to rsync over SSH. It implements sync.Executor.
type RsyncExecutor struct {
	ssh    config.SSH
	syn    config.Sync
	binary string
}

func NewRsyncExecutor(cfg *config.Config) *RsyncExecutor {
	return &RsyncExecutor{
		ssh:    cfg.SSH,
		syn:    cfg.Sync,
		binary: "rsync",
	}
}

// Transfer runs one rsync invocation for the request and parses its
// stats output into a result. Progress lines stream into the request
// callback while the transfer runs.
func (e *RsyncExecutor) Transfer(ctx context.Context, req sync.TransferRequest) (sync.TransferResult, error) {
	args := e.buildArgs(req)

	slog.Debug("rsync exec",
		"mapping", req.Mapping.Name,
		"direction", req.Direction.String(),
		"paths", len(req.Paths),
		"dry_run", req.DryRun,
	)

	cmd := exec.CommandContext(ctx, e.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sync.TransferResult{}, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return sync.TransferResult{}, fmt.Errorf("rsync start: %w", err)
	}

	var res sync.TransferResult
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		// --progress emits carriage-return separated updates.
		scanner.Split(scanCRLines)

		// rsync prints the file name on its own line, then progress
		// updates for it; the name and the last seen xfr count ride along
		// on every update.
		currentFile := ""
		filesDone := -1
		for scanner.Scan() {
			line := scanner.Text()
			if update, ok := parseProgressLine(line); ok {
				if update.FilesCompleted >= 0 {
					filesDone = update.FilesCompleted
				} else {
					update.FilesCompleted = filesDone
				}
				update.CurrentFile = currentFile
				if req.Progress != nil {
					req.Progress(update)
				}
				continue
			}
			if parseStatsLine(line, &res) {
				continue
			}
			if name, ok := parseFileLine(line); ok {
				currentFile = name
			}
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return res, fmt.Errorf("rsync %s: %s", req.Direction, msg)
	}

	return res, nil
}

// buildArgs assembles the full rsync argument list: archive semantics,
// compression, resumable partials, transport timeouts, exclude rules and
// the optional per-batch path filter.
func (e *RsyncExecutor) buildArgs(req sync.TransferRequest) []string {
	args := []string{"-az", "--progress", "--stats"}

	if e.syn.Delete {
		args = append(args, "--delete")
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	if e.syn.BWLimitKBps > 0 {
		args = append(args, "--bwlimit", strconv.Itoa(e.syn.BWLimitKBps))
	}

	args = append(args,
		"--partial",
		"--partial-dir="+partialDir,
		fmt.Sprintf("--timeout=%d", ioTimeoutSeconds),
		fmt.Sprintf("--contimeout=%d", connectTimeoutSeconds),
		"-e", e.sshCommand(),
	)

	args = append(args, e.filterArgs(req)...)

	src, dst := e.endpoints(req)
	return append(args, src, dst)
}

// sshCommand builds the remote shell invocation shared with the tree
// scanner. BatchMode keeps a broken key from hanging on a password
// prompt.
func (e *RsyncExecutor) sshCommand() string {
	parts := []string{
		"ssh",
		"-i", e.ssh.KeyFile,
		"-p", strconv.Itoa(e.sshPort()),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.ssh.ConnectTimeout().Seconds())),
	}
	return strings.Join(parts, " ")
}

func (e *RsyncExecutor) sshPort() int {
	if e.ssh.Port <= 0 {
		return 22
	}
	return e.ssh.Port
}

// filterArgs turns exclude patterns and the batch path set into rsync
// filter rules. With a path set, each path and its ancestor directories
// are included and everything else excluded, so one invocation moves
// exactly the batch.
func (e *RsyncExecutor) filterArgs(req sync.TransferRequest) []string {
	var args []string

	for _, pattern := range sync.DefaultIgnorePatterns() {
		args = append(args, "--exclude", pattern)
	}
	for _, pattern := range e.syn.ExcludePatterns {
		args = append(args, "--exclude", pattern)
	}
	for _, pattern := range req.Mapping.ExcludePatterns {
		args = append(args, "--exclude", pattern)
	}

	if len(req.Paths) == 0 {
		return args
	}

	args = append(args, "--prune-empty-dirs")
	seen := map[string]bool{}
	for _, p := range req.Paths {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if !seen[dir] {
				seen[dir] = true
				args = append(args, "--include", dir+"/")
			}
		}
		args = append(args, "--include", p)
	}
	args = append(args, "--exclude", "*")

	return args
}

// endpoints returns the rsync source and destination, both with the
// trailing slash that makes rsync sync directory contents.
func (e *RsyncExecutor) endpoints(req sync.TransferRequest) (string, string) {
	local := strings.TrimSuffix(req.Mapping.LocalPath, "/") + "/"
	remote := fmt.Sprintf("%s@%s:%s/", e.ssh.User, req.Host, strings.TrimSuffix(req.Mapping.RemotePath, "/"))

	if req.Direction == sync.RemoteToLocal {
		return remote, local
	}
	return local, remote
}

// parseProgressLine extracts the live-progress fields from an rsync
// --progress update line. Fields the line does not carry keep their
// unknown sentinel.
func parseProgressLine(line string) (sync.ProgressUpdate, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return sync.ProgressUpdate{}, false
	}

	update := sync.ProgressUpdate{Percent: -1, FilesCompleted: -1, ETASeconds: -1}
	if bytes, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
		update.BytesDone = bytes
	}
	if pct, err := strconv.ParseFloat(m[2], 64); err == nil {
		update.Percent = pct
	}
	if m[3] != "" {
		update.BytesPerSec = parseRate(m[3])
	}
	if m[4] != "" {
		update.ETASeconds = parseETA(m[4])
	}
	if m[5] != "" {
		if n, err := strconv.Atoi(m[5]); err == nil {
			update.FilesCompleted = n
		}
	}
	return update, true
}

// parseRate converts rsync's human rate ("612.34kB/s") to bytes/sec.
func parseRate(s string) float64 {
	s = strings.TrimSuffix(s, "/s")
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "kB"), strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		mult = 1 << 30
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		mult = 1 << 40
		s = s[:len(s)-2]
	default:
		s = strings.TrimSuffix(s, "B")
	}

	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v * mult
}

// parseETA converts rsync's "h:mm:ss" countdown to seconds, -1 when
// malformed.
func parseETA(s string) float64 {
	var secs float64
	for _, part := range strings.Split(s, ":") {
		v, err := strconv.Atoi(part)
		if err != nil {
			return -1
		}
		secs = secs*60 + float64(v)
	}
	return secs
}

// parseFileLine reports whether line is rsync naming the file it is
// about to transfer. Progress lines are indented and directory entries
// end with a slash; the rest of rsync's prose is fenced off by prefix.
func parseFileLine(line string) (string, bool) {
	if line == "" ||
		strings.HasPrefix(line, " ") ||
		strings.HasPrefix(line, "\t") ||
		strings.HasSuffix(line, "/") {
		return "", false
	}
	switch {
	case line == "sending incremental file list",
		line == "receiving incremental file list",
		line == "building file list ...",
		strings.HasPrefix(line, "created directory "),
		strings.HasPrefix(line, "deleting "),
		strings.HasPrefix(line, "sent "),
		strings.HasPrefix(line, "total size"),
		strings.Contains(line, ": "):
		return "", false
	}
	return line, true
}

// parseStatsLine folds one --stats summary line into the result,
// reporting whether the line was a tracked stat.
func parseStatsLine(line string, res *sync.TransferResult) bool {
	if m := statsFilesRe.FindStringSubmatch(line); m != nil {
		if files, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			res.Files = files
		}
		return true
	}
	if m := statsBytesRe.FindStringSubmatch(line); m != nil {
		if bytes, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
			res.Bytes = bytes
		}
		return true
	}
	return false
}

// scanCRLines is a bufio split function that treats both \n and \r as
// line boundaries, which is how rsync redraws its progress line.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := strings.IndexAny(string(data), "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
