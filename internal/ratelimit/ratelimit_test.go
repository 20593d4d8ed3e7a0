package ratelimit

import "testing"

func TestCheckConnectionCeiling(t *testing.T) {
	l := New(2, 100)
	if !l.CheckConnection("1.2.3.4") {
		t.Fatal("first connection should be allowed")
	}
	if !l.CheckConnection("1.2.3.4") {
		t.Fatal("second connection should be allowed")
	}
	if l.CheckConnection("1.2.3.4") {
		t.Fatal("third connection should exceed the ceiling")
	}
}

func TestCheckConnectionPerIPIsolated(t *testing.T) {
	l := New(1, 100)
	if !l.CheckConnection("1.1.1.1") {
		t.Fatal("first IP should be allowed")
	}
	if !l.CheckConnection("2.2.2.2") {
		t.Fatal("second IP should be independently allowed")
	}
}

func TestCheckCommandCeiling(t *testing.T) {
	l := New(100, 3)
	for i := 0; i < 3; i++ {
		if !l.CheckCommand("conn-1") {
			t.Fatalf("command %d should be allowed", i)
		}
	}
	if l.CheckCommand("conn-1") {
		t.Fatal("fourth command should exceed the ceiling")
	}
}

func TestTrackUntrack(t *testing.T) {
	l := New(100, 100)
	l.Track("c1", "1.2.3.4", "test-agent")
	if l.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", l.ActiveCount())
	}
	l.Untrack("c1")
	if l.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", l.ActiveCount())
	}
	l.Untrack("c1")
	if l.ActiveCount() != 0 {
		t.Fatal("Untrack should be idempotent")
	}
}

func TestZeroCeilingMeansUnlimited(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 50; i++ {
		if !l.CheckConnection("9.9.9.9") {
			t.Fatal("zero ceiling should never reject")
		}
	}
}
