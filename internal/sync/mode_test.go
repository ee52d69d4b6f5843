package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"bidirectional", ModeBidirectional, false},
		{"push", ModePush, false},
		{"pull", ModePull, false},
		{"", ModeBidirectional, false},
		{"both-ways", "", true},
	}
	for _, test := range tests {
		got, err := ParseMode(test.in)
		if test.err {
			assert.Error(t, err, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		assert.Equal(t, test.want, got, test.in)
	}
}

func TestModeDirections(t *testing.T) {
	assert.Equal(t, []Direction{LocalToRemote}, ModePush.Directions())
	assert.Equal(t, []Direction{RemoteToLocal}, ModePull.Directions())
	assert.Equal(t, []Direction{LocalToRemote, RemoteToLocal}, ModeBidirectional.Directions(),
		"bidirectional pushes before pulling")
}
