package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		require.True(t, IsValid(id), "generated id %q is not a UUID v4", id)
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"6ba7b810-9dad-41d1-80b4-00c04fd430c8", true},
		{"6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", false}, // v1
		{"6ba7b810-9dad-41d1-c0b4-00c04fd430c8", false}, // bad variant
		{"6ba7b8109dad41d180b400c04fd430c8", false},
		{"T-1-2024-05-01T10:00:00.000Z", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.in))
			if tt.want {
				assert.NoError(t, Validate(tt.in))
			} else {
				assert.Error(t, Validate(tt.in))
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("6BA7B810-9DAD-41D1-80B4-00C04FD430C8")
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower("6BA7B810-9DAD-41D1-80B4-00C04FD430C8"), got)

	_, err = Normalize("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.ErrorContains(t, err, "expected UUID v4")

	_, err = Normalize("nope")
	assert.Error(t, err)
}
