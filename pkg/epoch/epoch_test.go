package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochDerivation(t *testing.T) {
	cases := []struct {
		height, duration, wantIndex, wantStart uint64
	}{
		{0, 10, 0, 0},
		{9, 10, 0, 0},
		{10, 10, 1, 10},
		{25, 10, 2, 20},
		{0, 1, 0, 0},
		{7, 1, 7, 7},
	}
	for _, c := range cases {
		e := Of(c.height, c.duration)
		require.Equal(t, c.wantIndex, e.Index)
		require.Equal(t, c.wantStart, e.StartHeight())
	}
}

func TestIsBoundary(t *testing.T) {
	require.True(t, IsBoundary(0, 10))
	require.True(t, IsBoundary(10, 10))
	require.False(t, IsBoundary(11, 10))
}
