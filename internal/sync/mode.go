package sync

import "fmt"

// Mode is the configured sync topology for the daemon.
type Mode string

const (
	ModeBidirectional Mode = "bidirectional"
	ModePush          Mode = "push"
	ModePull          Mode = "pull"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBidirectional, ModePush, ModePull:
		return Mode(s), nil
	case "":
		return ModeBidirectional, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// Direction is the transfer direction of a single executor invocation.
type Direction uint8

const (
	LocalToRemote Direction = iota
	RemoteToLocal
)

func (d Direction) String() string {
	switch d {
	case LocalToRemote:
		return "local_to_remote"
	case RemoteToLocal:
		return "remote_to_local"
	default:
		return "unknown"
	}
}

// Directions expands a mode into its executor invocations, in order.
// Bidirectional pushes first, then pulls.
func (m Mode) Directions() []Direction {
	switch m {
	case ModePush:
		return []Direction{LocalToRemote}
	case ModePull:
		return []Direction{RemoteToLocal}
	default:
		return []Direction{LocalToRemote, RemoteToLocal}
	}
}
