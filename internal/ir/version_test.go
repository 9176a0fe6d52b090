package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidVersion(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"1.0.0", true},
		{"v1.2.3", true},
		{"0.1.0-rc.1", true},
		{"1.2", false},
		{"1", false},
		{"", false},
		{"one.two.three", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidVersion(tt.input))
		})
	}
}

func TestBumps(t *testing.T) {
	minor, err := BumpMinor("1.4.2")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", minor)

	major, err := BumpMajor("v1.4.2")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", major)

	_, err = BumpMinor("nope")
	assert.Error(t, err)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.1.0"))
	assert.Equal(t, 0, CompareVersions("v1.0.0", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "1.9.9"))
}
