package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevelBelongsInSection(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "batch_size = 5\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "batch_size"`)
	assert.Contains(t, err.Error(), "[offline] section")
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[polling]\nactive_intervl = \"2s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "active_interval"?`)
}

func TestLoad_UnknownSection(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[polls]\nactive_interval = \"2s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section [polls], did you mean [poll")
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[network]\ncompletely_unrelated_key = true\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"batch_siz", "batch_size", 1},
		{"debounse", "debounce", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch(t *testing.T) {
	t.Parallel()

	known := knownSections["offline"]
	assert.Equal(t, "batch_size", closestMatch("batchsize", known))
	assert.Equal(t, "", closestMatch("completely_unrelated", known))
}
