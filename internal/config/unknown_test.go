package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "typo in section key",
			content: "[autosave]\ndebounc = \"1s\"\n",
			want:    []string{"unknown config key", `"autosave.debounce"`},
		},
		{
			name:    "typo in section name",
			content: "[autosav]\ndebounce = \"1s\"\n",
			want:    []string{"unknown config section", `"autosave"`},
		},
		{
			name:    "no suggestion",
			content: "[remote]\ncompletely_unrelated = true\n",
			want:    []string{`unknown config key "remote.completely_unrelated"`},
		},
		{
			name:    "top-level key",
			content: "debounce = \"1s\"\n",
			want:    []string{`unknown config section "debounce"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTestConfig(t, tt.content))
			require.Error(t, err)

			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestLoad_UnknownSectionReportedOnce(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[nonsense]\na = 1\nb = 2\n"))
	require.Error(t, err)
	assert.Equal(t, 1, strings.Count(err.Error(), `"nonsense"`))
}

func TestLoad_RuleNamesAreFree(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[validation.rules]\nany_field_name = \"gte=0\"\n"))
	require.NoError(t, err)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"debounce", "debounce", 0},
		{"debounc", "debounce", 1},
		{"kitten", "sitting", 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
