package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	t.Parallel()

	patch, err := parseAssignments([]string{
		"count=7",
		"ratio=0.25",
		"checked=true",
		"note=after delivery",
		`quoted="7"`,
		"cleared=null",
		"empty=",
		"expr=a=b",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"count", "ratio", "checked", "note", "quoted", "cleared", "empty", "expr"}, patch.Names())

	want := map[string]any{
		"count":   int64(7),
		"ratio":   0.25,
		"checked": true,
		"note":    "after delivery",
		"quoted":  "7",
		"cleared": nil,
		"empty":   "",
		"expr":    "a=b",
	}

	for name, w := range want {
		got, ok := patch.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, w, got, name)
	}
}

func TestParseAssignments_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no equals", []string{"count"}, "expected <field>=<value>"},
		{"empty name", []string{"=7"}, "expected <field>=<value>"},
		{"duplicate", []string{"count=1", "count=2"}, "more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := parseAssignments(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseValue_TrailingTextIsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "7abc", parseValue("7abc"))
	assert.Equal(t, "1 2", parseValue("1 2"))
}
