package core

import (
	"sort"
	"testing"
)

func TestNewUUIDv7_RunIDsSortInCreationOrder(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewUUIDv7()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("run ids are not ordered by creation time")
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !IsValidUUIDv7(id) {
			t.Errorf("NewUUIDv7() = %q, not a valid UUIDv7", id)
		}
		if seen[id] {
			t.Errorf("NewUUIDv7() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestIsValidUUIDv7(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"01908a9c-e4a5-7c8b-8d3e-0a1b2c3d4e5f", true},
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"01908a9ce4a57c8b8d3e0a1b2c3d4e5f", false},
		{"", false},
		{"req_01908a9c-e4a5-7c8b-8d3e-0a1b2c3d4e5f", false},
	}

	for _, tt := range tests {
		if got := IsValidUUIDv7(tt.input); got != tt.want {
			t.Errorf("IsValidUUIDv7(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
