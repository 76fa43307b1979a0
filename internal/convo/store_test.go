package convo

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "convo.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append("telegram:100", DirectionInbound, "find me go articles", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append("telegram:100", DirectionOutbound, "on it", map[string]string{"run_id": "run_1700000000_ab12cd34"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append("telegram:200", DirectionInbound, "unrelated", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	msgs, err := s.Recent("telegram:100", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Direction != DirectionInbound || msgs[0].Text != "find me go articles" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Metadata["run_id"] != "run_1700000000_ab12cd34" {
		t.Errorf("metadata lost: %+v", msgs[1].Metadata)
	}
}

func TestRecentLimitKeepsNewest(t *testing.T) {
	s := newTestStore(t)

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := s.Append("s1", DirectionInbound, text, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	msgs, err := s.Recent("s1", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "three" || msgs[1].Text != "four" {
		t.Errorf("limit should keep the newest, got %q then %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Count("s1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("empty session count = %d", n)
	}

	s.Append("s1", DirectionInbound, "hello", nil)
	s.Append("s1", DirectionOutbound, "hi", nil)

	n, err = s.Count("s1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}
