package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-s2s/errdefs"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"3.10.0", "3.9.0", 1},
		{"3.0.1", "3.0.1", 0},
		{"3.1", "3.1.0", 0},
		{"3", "3.0.1", -1},
		{"v3.2.0", "3.1.9", 1},
		{"2.9.9", "3.0.0", -1},
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.a, tt.b)
		require.NoError(t, err, "%s vs %s", tt.a, tt.b)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}

	_, err := CompareVersions("three", "3.0.0")
	assert.ErrorIs(t, err, errdefs.ErrIncompatibleVersion)
}

func TestCheckCompatible(t *testing.T) {
	assert.NoError(t, checkCompatible("3.1.0", ""))
	assert.NoError(t, checkCompatible("", "3.0.0"))
	assert.ErrorIs(t, checkCompatible("2.0.0", ""), errdefs.ErrIncompatibleVersion)
	assert.ErrorIs(t, checkCompatible("3.1.0", "3.0.10"), errdefs.ErrIncompatibleVersion)
}
