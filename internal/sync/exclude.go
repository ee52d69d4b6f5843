package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/driftsync/driftsync/internal/utils"
)

// IgnoreFileName is picked up from the root of every local mapping and
// layered on top of the configured exclude patterns.
const IgnoreFileName = ".driftsyncignore"

var defaultIgnoreLines = []string{
	"*.tmp",
	"*.temp",
	"*~",
	"*.swp",
	"*.swo",
	"*.log",
	"__pycache__/",
	"*.pyc",
	"node_modules/",
	"dist/",
	"build/",
	"*.egg-info/",
	"Thumbs.db",
	"desktop.ini",
	".rsync-partial/",
}

// DefaultIgnorePatterns returns the built-in exclude rules. The transfer
// layer mirrors them as rsync filters so both sides agree on what is
// synced.
func DefaultIgnorePatterns() []string {
	return append([]string{}, defaultIgnoreLines...)
}

// ExcludeMatcher decides whether a path participates in sync at all.
//
// A path is ignored when (1) any configured glob pattern matches the
// relative path, any ancestor directory of it, or any single path segment
// (so "*.tmp" excludes "a/b.tmp", "node_modules" excludes everything
// beneath one and "build/cache" excludes "build/cache/x.o"), or (2) any
// path segment starts with a dot. The hidden rule applies even with no
// patterns configured. Matching is pure and cheap enough to run per
// event.
type ExcludeMatcher struct {
	patterns []string
	ignore   *gitignore.GitIgnore
}

func NewExcludeMatcher(patterns ...string) *ExcludeMatcher {
	return &ExcludeMatcher{patterns: patterns}
}

// LoadIgnoreFile compiles the default ignore rules plus the mapping's
// ignore file, if present. Safe to call on a matcher already in use is not
// required; matchers are built before detectors start.
func (m *ExcludeMatcher) LoadIgnoreFile(rootDir string) {
	ignorePath := filepath.Join(rootDir, IgnoreFileName)
	lines := append([]string{}, defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					lines = append(lines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	m.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether relPath is excluded from sync. relPath is
// relative to the watched root; separators are normalized to '/'.
func (m *ExcludeMatcher) ShouldIgnore(relPath string) bool {
	path := filepath.ToSlash(strings.TrimPrefix(relPath, "/"))
	if path == "" {
		return false
	}

	segments := strings.Split(path, "/")
	for _, pattern := range m.patterns {
		if matchesPathOrSegment(pattern, path, segments) {
			return true
		}
	}

	// Hidden rule: any dot-prefixed segment excludes the path, no matter
	// what patterns are configured.
	for _, seg := range segments {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}

	if m.ignore != nil && m.ignore.MatchesPath(path) {
		return true
	}

	return false
}

func matchesPathOrSegment(pattern, path string, segments []string) bool {
	// The path itself and every ancestor directory prefix, so a pattern
	// naming a directory also covers its descendants.
	for prefix := path; ; {
		if ok, err := doublestar.Match(pattern, prefix); err == nil && ok {
			return true
		}
		i := strings.LastIndexByte(prefix, '/')
		if i < 0 {
			break
		}
		prefix = prefix[:i]
	}
	for _, seg := range segments {
		if ok, err := doublestar.Match(pattern, seg); err == nil && ok {
			return true
		}
	}
	return false
}
