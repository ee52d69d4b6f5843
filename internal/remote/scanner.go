package remote

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/sync"
)

// TreeScanner enumerates a remote directory over SSH and implements
// sync.Scanner. Remote fingerprints carry size and mtime only; hashing
// the remote tree per poll would be prohibitive.
type TreeScanner struct {
	SSH     *SSHClient
	Host    string
	Root    string
	Exclude *sync.ExcludeMatcher
}

// Scan lists every regular file under the root with its size and epoch
// mtime. A missing root yields an empty snapshot, matching the local
// scanner.
func (s *TreeScanner) Scan(ctx context.Context) (sync.Snapshot, error) {
	cmd := fmt.Sprintf(`[ -d %q ] && find %q -type f -printf '%%P\t%%s\t%%T@\n' || true`, s.Root, s.Root)
	out, err := s.SSH.Run(ctx, s.Host, cmd)
	if err != nil {
		return nil, err
	}

	snap := make(sync.Snapshot)
	for _, line := range strings.Split(out, "\n") {
		path, state, ok := parseFindLine(line)
		if !ok {
			continue
		}
		if s.Exclude != nil && s.Exclude.ShouldIgnore(path) {
			continue
		}
		snap[path] = state
	}
	return snap, nil
}

// parseFindLine decodes one "path\tsize\tepoch" record. Malformed lines
// are skipped rather than failing the scan.
func parseFindLine(line string) (string, sync.FileState, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", sync.FileState{}, false
	}

	parts := strings.Split(line, "\t")
	if len(parts) != 3 {
		return "", sync.FileState{}, false
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", sync.FileState{}, false
	}
	epoch, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return "", sync.FileState{}, false
	}

	sec, frac := math.Modf(epoch)
	return parts[0], sync.FileState{
		Size:    size,
		ModTime: time.Unix(int64(sec), int64(frac*float64(time.Second))),
	}, true
}
