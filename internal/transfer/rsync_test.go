package transfer

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/sync"
)

func testExecutor(syn config.Sync) *RsyncExecutor {
	return NewRsyncExecutor(&config.Config{
		SSH:  config.SSH{User: "ubuntu", KeyFile: "/home/u/.ssh/id_ed25519", Port: 22},
		Sync: syn,
	})
}

func testRequest(dir sync.Direction, paths ...string) sync.TransferRequest {
	return sync.TransferRequest{
		Mapping: config.Mapping{
			Name:       "code",
			LocalPath:  "/home/u/projects/app",
			RemotePath: "/srv/app",
		},
		Host:      "198.51.100.7",
		Direction: dir,
		Paths:     paths,
	}
}

func TestBuildArgsBaseline(t *testing.T) {
	e := testExecutor(config.Sync{})
	args := e.buildArgs(testRequest(sync.LocalToRemote))

	assert.Contains(t, args, "-az")
	assert.Contains(t, args, "--progress")
	assert.Contains(t, args, "--stats")
	assert.Contains(t, args, "--partial")
	assert.Contains(t, args, "--partial-dir="+partialDir)
	assert.Contains(t, args, "--timeout=300")
	assert.Contains(t, args, "--contimeout=60")
	assert.NotContains(t, args, "--delete")
	assert.NotContains(t, args, "--dry-run")
	assert.NotContains(t, args, "--bwlimit")

	// Source then destination, both slash-terminated.
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "/home/u/projects/app/", args[len(args)-2])
	assert.Equal(t, "ubuntu@198.51.100.7:/srv/app/", args[len(args)-1])
}

func TestBuildArgsOptions(t *testing.T) {
	e := testExecutor(config.Sync{Delete: true, BWLimitKBps: 500})
	req := testRequest(sync.LocalToRemote)
	req.DryRun = true
	args := e.buildArgs(req)

	assert.Contains(t, args, "--delete")
	assert.Contains(t, args, "--dry-run")

	i := indexOf(args, "--bwlimit")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "500", args[i+1])
}

func TestBuildArgsPullSwapsEndpoints(t *testing.T) {
	e := testExecutor(config.Sync{})
	args := e.buildArgs(testRequest(sync.RemoteToLocal))

	assert.Equal(t, "ubuntu@198.51.100.7:/srv/app/", args[len(args)-2])
	assert.Equal(t, "/home/u/projects/app/", args[len(args)-1])
}

func TestBuildArgsSSHCommand(t *testing.T) {
	e := testExecutor(config.Sync{})
	args := e.buildArgs(testRequest(sync.LocalToRemote))

	i := indexOf(args, "-e")
	require.GreaterOrEqual(t, i, 0)
	sshCmd := args[i+1]
	assert.Contains(t, sshCmd, "-i /home/u/.ssh/id_ed25519")
	assert.Contains(t, sshCmd, "-p 22")
	assert.Contains(t, sshCmd, "BatchMode=yes")
	assert.Contains(t, sshCmd, "ConnectTimeout=10")
}

func TestFilterArgsPathSet(t *testing.T) {
	e := testExecutor(config.Sync{})
	args := e.filterArgs(testRequest(sync.LocalToRemote, "docs/readme.md", "src/a/b.go"))

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--prune-empty-dirs")
	assert.Contains(t, joined, "--include docs/")
	assert.Contains(t, joined, "--include docs/readme.md")
	assert.Contains(t, joined, "--include src/")
	assert.Contains(t, joined, "--include src/a/")
	assert.Contains(t, joined, "--include src/a/b.go")
	assert.True(t, strings.HasSuffix(joined, "--exclude *"), "catch-all exclude must come last")
}

func TestFilterArgsWholeTree(t *testing.T) {
	e := testExecutor(config.Sync{ExcludePatterns: []string{"*.iso"}})
	req := testRequest(sync.LocalToRemote)
	req.Mapping.ExcludePatterns = []string{"vendor"}
	args := e.filterArgs(req)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--exclude *.iso")
	assert.Contains(t, joined, "--exclude vendor")
	assert.Contains(t, joined, "--exclude *.tmp", "built-in defaults always apply")
	assert.NotContains(t, joined, "--include")
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		ok    bool
		bytes int64
		pct   float64
	}{
		{"typical", "     32,768  45%    1.23MB/s    0:00:12", true, 32768, 45},
		{"large", " 1,234,567,890  99%  100.00MB/s    0:00:01", true, 1234567890, 99},
		{"filename", "src/main.go", false, 0, 0},
		{"stats", "Number of files: 42", false, 0, 0},
		{"empty", "", false, 0, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			update, ok := parseProgressLine(test.line)
			assert.Equal(t, test.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, test.bytes, update.BytesDone)
			assert.Equal(t, test.pct, update.Percent)
		})
	}
}

func TestParseProgressLineFullTuple(t *testing.T) {
	update, ok := parseProgressLine("      1,024  45%  512.00kB/s    0:01:05 (xfr#3, to-chk=2/7)")
	require.True(t, ok)
	assert.Equal(t, int64(1024), update.BytesDone)
	assert.Equal(t, 45.0, update.Percent)
	assert.Equal(t, float64(512<<10), update.BytesPerSec)
	assert.Equal(t, 65.0, update.ETASeconds)
	assert.Equal(t, 3, update.FilesCompleted)
}

func TestParseProgressLineWithoutRateOrCount(t *testing.T) {
	update, ok := parseProgressLine("     32,768  45%")
	require.True(t, ok)
	assert.Equal(t, int64(32768), update.BytesDone)
	assert.Equal(t, float64(0), update.BytesPerSec)
	assert.Equal(t, -1.0, update.ETASeconds)
	assert.Equal(t, -1, update.FilesCompleted, "unknown fields keep their sentinel")
}

func TestParseRate(t *testing.T) {
	assert.Equal(t, 512.0, parseRate("512B/s"))
	assert.Equal(t, float64(2<<10), parseRate("2.00kB/s"))
	assert.InDelta(t, 1.23*float64(1<<20), parseRate("1.23MB/s"), 1)
	assert.InDelta(t, 1.5*float64(1<<30), parseRate("1.50GB/s"), 1)
	assert.Equal(t, 0.0, parseRate("fast"))
}

func TestParseETA(t *testing.T) {
	assert.Equal(t, 12.0, parseETA("0:00:12"))
	assert.Equal(t, 3723.0, parseETA("1:02:03"))
	assert.Equal(t, -1.0, parseETA("soon"))
}

func TestParseFileLine(t *testing.T) {
	tests := []struct {
		line string
		name string
		ok   bool
	}{
		{"src/main.go", "src/main.go", true},
		{"docs/read me.md", "docs/read me.md", true},
		{"src/", "", false},
		{"sending incremental file list", "", false},
		{"deleting old/file.txt", "", false},
		{"Number of files: 42", "", false},
		{"     32,768  45%", "", false},
		{"", "", false},
	}
	for _, test := range tests {
		name, ok := parseFileLine(test.line)
		assert.Equal(t, test.ok, ok, test.line)
		assert.Equal(t, test.name, name, test.line)
	}
}

func TestParseStatsLines(t *testing.T) {
	var res sync.TransferResult
	parseStatsLine("Number of regular files transferred: 1,204", &res)
	parseStatsLine("Total transferred file size: 52,428,800 bytes", &res)
	parseStatsLine("Total bytes sent: 999", &res) // not a tracked stat

	assert.Equal(t, 1204, res.Files)
	assert.Equal(t, int64(52428800), res.Bytes)
}

func TestScanCRLines(t *testing.T) {
	input := "line1\r  32,768  45%\rline3\nfinal"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanCRLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"line1", "  32,768  45%", "line3", "final"}, lines)
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
