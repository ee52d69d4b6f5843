package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Strategy
		err  bool
	}{
		{"newer", "newer", StrategyNewer, false},
		{"local", "local", StrategyLocal, false},
		{"remote", "remote", StrategyRemote, false},
		{"manual", "manual", StrategyManual, false},
		{"empty-defaults-to-newer", "", StrategyNewer, false},
		{"unknown", "yolo", "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseStrategy(test.in)
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestResolveNewer(t *testing.T) {
	base := time.Unix(100, 0)
	local := ChangeEvent{Path: "f", Kind: Modified, Timestamp: base}
	remote := ChangeEvent{Path: "f", Kind: Modified, Timestamp: time.Unix(200, 0)}

	outcome, winner, err := Resolve(local, remote, StrategyNewer)
	require.NoError(t, err)
	assert.Equal(t, RemoteWins, outcome)
	assert.Equal(t, remote.Timestamp, winner.Timestamp)

	// Later local edit flips it.
	local.Timestamp = time.Unix(300, 0)
	outcome, winner, err = Resolve(local, remote, StrategyNewer)
	require.NoError(t, err)
	assert.Equal(t, LocalWins, outcome)
	assert.Equal(t, local.Timestamp, winner.Timestamp)
}

func TestResolveNewerTieGoesLocal(t *testing.T) {
	ts := time.Unix(500, 0)
	local := ChangeEvent{Path: "f", Timestamp: ts}
	remote := ChangeEvent{Path: "f", Timestamp: ts}

	outcome, winner, err := Resolve(local, remote, StrategyNewer)
	require.NoError(t, err)
	assert.Equal(t, LocalWins, outcome)
	require.NotNil(t, winner)
}

func TestResolveFixedStrategies(t *testing.T) {
	local := ChangeEvent{Path: "f", Timestamp: time.Unix(100, 0)}
	remote := ChangeEvent{Path: "f", Timestamp: time.Unix(999, 0)}

	outcome, _, err := Resolve(local, remote, StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, LocalWins, outcome, "local strategy ignores timestamps")

	outcome, _, err = Resolve(local, remote, StrategyRemote)
	require.NoError(t, err)
	assert.Equal(t, RemoteWins, outcome)
}

func TestResolveManual(t *testing.T) {
	outcome, winner, err := Resolve(ChangeEvent{}, ChangeEvent{}, StrategyManual)
	require.NoError(t, err)
	assert.Equal(t, ManualRequired, outcome)
	assert.Nil(t, winner)
}
