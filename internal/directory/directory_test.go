package directory

import (
	"context"
	"testing"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStatic(
		map[string][]string{"clerks": {"c1", "c2"}},
		map[string]string{"c1": "boss"},
	)

	members, err := dir.ResolveMembers(ctx, "clerks")
	if err != nil || len(members) != 2 {
		t.Fatalf("ResolveMembers = %v, %v", members, err)
	}

	// Returned slice is a copy.
	members[0] = "mutated"
	again, _ := dir.ResolveMembers(ctx, "clerks")
	if again[0] != "c1" {
		t.Fatal("caller mutation leaked into the directory")
	}

	if _, err := dir.ResolveMembers(ctx, "nobody"); err == nil {
		t.Fatal("unknown role resolved without error")
	}

	sup, err := dir.Supervisor(ctx, "c1")
	if err != nil || sup != "boss" {
		t.Fatalf("Supervisor = %q, %v", sup, err)
	}
	if sup, _ := dir.Supervisor(ctx, "c2"); sup != "" {
		t.Fatalf("expected no supervisor for c2, got %q", sup)
	}

	dir.SetMembers("clerks", []string{"c3"})
	updated, _ := dir.ResolveMembers(ctx, "clerks")
	if len(updated) != 1 || updated[0] != "c3" {
		t.Fatalf("SetMembers did not replace membership: %v", updated)
	}
}
