package concurrency

import "testing"

func TestCanStartRespectsCap(t *testing.T) {
	m := New()
	if !m.CanStart("p1", 2) {
		t.Fatal("expected CanStart true on empty project")
	}
	if _, err := m.Acquire("p1", "f1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.CanStart("p1", 2) {
		t.Fatal("expected CanStart true with 1/2 slots used")
	}
	if _, err := m.Acquire("p1", "f2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if m.CanStart("p1", 2) {
		t.Fatal("expected CanStart false at cap")
	}
}

func TestDoubleAcquireErrors(t *testing.T) {
	m := New()
	if _, err := m.Acquire("p1", "f1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.Acquire("p1", "f1"); err == nil {
		t.Fatal("expected error on double-acquire")
	}
}

func TestReleaseIsIdempotentAndCleansUpEmptyProjects(t *testing.T) {
	m := New()
	if _, err := m.Acquire("p1", "f1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release("p1", "f1")
	m.Release("p1", "f1") // idempotent

	if m.IsActive("p1", "f1") {
		t.Fatal("expected feature inactive after release")
	}
	if m.ActiveCount("p1") != 0 {
		t.Fatalf("ActiveCount = %d, want 0", m.ActiveCount("p1"))
	}

	if _, err := m.Acquire("p1", "f2"); err != nil {
		t.Fatalf("re-acquire after cleanup: %v", err)
	}
}

func TestListActiveOrdersByFeatureID(t *testing.T) {
	m := New()
	for _, f := range []string{"f3", "f1", "f2"} {
		if _, err := m.Acquire("p1", f); err != nil {
			t.Fatalf("Acquire(%s): %v", f, err)
		}
	}
	slots := m.ListActive("p1")
	if len(slots) != 3 {
		t.Fatalf("len = %d, want 3", len(slots))
	}
	want := []string{"f1", "f2", "f3"}
	for i, s := range slots {
		if s.FeatureID != want[i] {
			t.Fatalf("slots[%d].FeatureID = %s, want %s", i, s.FeatureID, want[i])
		}
	}
}
