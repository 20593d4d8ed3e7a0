package ws

import (
	"strings"
	"testing"
)

func TestDecodeCreateSession(t *testing.T) {
	msg, typ, err := Decode([]byte(`{"type":"create_session","sessionId":"s1"}`), DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeCreateSession {
		t.Fatalf("type = %q, want %q", typ, TypeCreateSession)
	}
	cs, ok := msg.(CreateSession)
	if !ok {
		t.Fatalf("msg type = %T, want CreateSession", msg)
	}
	if cs.SessionID != "s1" {
		t.Fatalf("sessionId = %q, want s1", cs.SessionID)
	}
}

func TestDecodeOversize(t *testing.T) {
	big := strings.Repeat("a", DefaultMaxFrameBytes+1)
	_, _, err := Decode([]byte(big), DefaultMaxFrameBytes)
	if err != ErrOversizeFrame {
		t.Fatalf("err = %v, want ErrOversizeFrame", err)
	}
}

func TestDecodeOversizeWithConfiguredLimit(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"input","sessionId":"s1","data":"0123456789"}`), 8)
	if err != ErrOversizeFrame {
		t.Fatalf("err = %v, want ErrOversizeFrame for a caller-configured limit", err)
	}
}

func TestDecodeZeroLimitFallsBackToDefault(t *testing.T) {
	msg, _, err := Decode([]byte(`{"type":"create_session","sessionId":"s1"}`), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := msg.(CreateSession); !ok {
		t.Fatalf("msg type = %T, want CreateSession", msg)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	msg, typ, err := Decode([]byte(`{not json`), DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil || typ != "" {
		t.Fatalf("expected nil msg and empty type for malformed JSON, got msg=%v typ=%q", msg, typ)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, typ, err := Decode([]byte(`{"type":"bogus"}`), DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil msg for unknown type, got %v", msg)
	}
	if typ != "bogus" {
		t.Fatalf("typ = %q, want bogus", typ)
	}
}

func TestDecodeResize(t *testing.T) {
	msg, typ, err := Decode([]byte(`{"type":"resize","sessionId":"s1","cols":80,"rows":24}`), DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeResize {
		t.Fatalf("type = %q, want %q", typ, TypeResize)
	}
	r := msg.(Resize)
	if r.Cols != 80 || r.Rows != 24 {
		t.Fatalf("got cols=%d rows=%d, want 80x24", r.Cols, r.Rows)
	}
}
