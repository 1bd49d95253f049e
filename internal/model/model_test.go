package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestParseUID(t *testing.T) {
	tests := []struct {
		uid        string
		wantAuthor string
		wantID     string
	}{
		{"alice/solver", "alice", "solver"},
		{"solver", "", "solver"},
		{"a/b/c", "", "a"},
	}
	for _, tt := range tests {
		author, id := ParseUID(tt.uid)
		if author != tt.wantAuthor || id != tt.wantID {
			t.Errorf("ParseUID(%q) = (%q, %q), want (%q, %q)", tt.uid, author, id, tt.wantAuthor, tt.wantID)
		}
	}
}

func TestIsActive(t *testing.T) {
	for _, s := range []string{StatusQueued, StatusStarting, StatusRunning} {
		if !IsActive(s) {
			t.Errorf("IsActive(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusEnded, "", "unknown"} {
		if IsActive(s) {
			t.Errorf("IsActive(%q) = true, want false", s)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StateRunning, StateCompleted, true},
		{StateStopped, StateTerminated, true},
		{StateCompleted, StateRunning, false},
		{StateRunning, StatePending, false},
		{"bogus", StateRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestContentKindFor(t *testing.T) {
	tests := []struct {
		path string
		want ContentKind
	}{
		{"out/result.json", ContentJSON},
		{"RESULT.JSON", ContentJSON},
		{"table.csv", ContentText},
		{"log.txt", ContentText},
		{"model.bin", ContentBinary},
		{"noext", ContentBinary},
	}
	for _, tt := range tests {
		if got := ContentKindFor(tt.path); got != tt.want {
			t.Errorf("ContentKindFor(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInputIDs(t *testing.T) {
	cfg := FunctionConfig{Input: []InputSpec{{ID: "a"}, {ID: "b"}}}
	ids := cfg.InputIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("InputIDs() = %v, want [a b]", ids)
	}
}
