package session

import (
	"bytes"
	"io"
	"testing"
)

type fakeStream struct {
	bytes.Buffer
	closed bool
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry()
	if r.Has("s1") {
		t.Fatal("empty registry should not have s1")
	}
	sess := New("s1", "exec-1", &fakeStream{}, nil)
	r.Insert(sess)
	if !r.Has("s1") {
		t.Fatal("registry should have s1 after insert")
	}
	if got := r.Get("s1"); got != sess {
		t.Fatal("Get returned wrong session")
	}
	removed := r.Remove("s1")
	if removed != sess {
		t.Fatal("Remove returned wrong session")
	}
	if r.Has("s1") {
		t.Fatal("s1 should be gone after Remove")
	}
	if r.Remove("s1") != nil {
		t.Fatal("Remove of absent id should return nil")
	}
}

func TestSessionTouchAccumulates(t *testing.T) {
	sess := New("s1", "exec-1", &fakeStream{}, nil)
	if total := sess.Touch(100); total != 100 {
		t.Fatalf("total = %d, want 100", total)
	}
	if total := sess.Touch(50); total != 150 {
		t.Fatalf("total = %d, want 150", total)
	}
	if sess.InputTotalBytes() != 150 {
		t.Fatalf("InputTotalBytes() = %d, want 150", sess.InputTotalBytes())
	}
}

func TestSessionCloseCancelsReaderAndClosesStream(t *testing.T) {
	stream := &fakeStream{}
	canceled := false
	sess := New("s1", "exec-1", stream, func() { canceled = true })
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !canceled {
		t.Fatal("expected cancelReader to be invoked")
	}
	if !stream.closed {
		t.Fatal("expected stream to be closed")
	}
	// Close must be safe to call again.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	s1 := New("s1", "e1", &fakeStream{}, nil)
	s2 := New("s2", "e2", &fakeStream{}, nil)
	r.Insert(s1)
	r.Insert(s2)
	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after CloseAll", r.Len())
	}
	if !s1.Stream.(*fakeStream).closed || !s2.Stream.(*fakeStream).closed {
		t.Fatal("expected both streams closed")
	}
}

var _ io.ReadWriteCloser = (*fakeStream)(nil)
