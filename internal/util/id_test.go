package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("agt")
	if !strings.HasPrefix(id, "agt_") {
		t.Fatalf("expected agt_ prefix, got %q", id)
	}
	if len(id) != len("agt_")+26 {
		t.Fatalf("unexpected id length %d", len(id))
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID("")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
