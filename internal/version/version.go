package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Overridable via -ldflags "-X ..." in release builds; dev builds fall
// back to module build info.
var (
	AppName   = "driftsync"
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func init() {
	fillFromBuildInfo()
	if Revision == "" {
		Revision = "unknown"
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}

func fillFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = strings.TrimPrefix(info.Main.Version, "v")
	}

	var revision, modified, date string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			date = s.Value
		}
	}

	if Revision == "" && revision != "" {
		Revision = revision
		if modified == "true" {
			Revision += "-dirty"
		}
	}
	if BuildDate == "" {
		BuildDate = date
	}
}

// Short is `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed adds toolchain, platform and build date.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)",
		Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}
