package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q, not a uuid: %v", id, err)
	}
	if New() == id {
		t.Error("expected distinct ids")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(EscrowPrefix)
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("missing prefix: %s", id)
	}
	if len(id) != len("esc_")+32 {
		t.Errorf("unexpected length %d", len(id))
	}
}

func TestDeterministic(t *testing.T) {
	a := Deterministic(EscrowPrefix, "alice", "bob", "nonce-1")
	b := Deterministic(EscrowPrefix, "alice", "bob", "nonce-1")
	if a != b {
		t.Errorf("same inputs gave %s and %s", a, b)
	}
	if a == Deterministic(EscrowPrefix, "alice", "bob", "nonce-2") {
		t.Error("different nonce must change id")
	}
	if Deterministic("", "ab", "c") == Deterministic("", "a", "bc") {
		t.Error("part boundaries must be significant")
	}
	if len(a) != len(EscrowPrefix)+32 {
		t.Errorf("unexpected length %d", len(a))
	}
}
