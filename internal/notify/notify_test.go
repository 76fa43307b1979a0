package notify

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string

	q := NewQueue(16, func(n Notification) error {
		mu.Lock()
		got = append(got, n.Text)
		mu.Unlock()
		return nil
	}, nil)

	q.Enqueue(Notification{SessionKey: "s1", Kind: KindMessage, Text: "first"})
	q.Enqueue(Notification{SessionKey: "s1", Kind: KindMessage, Text: "second"})
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("deliveries = %v", got)
	}
}

func TestQueueFillsInIDAndTimestamp(t *testing.T) {
	var mu sync.Mutex
	var captured Notification

	q := NewQueue(4, func(n Notification) error {
		mu.Lock()
		captured = n
		mu.Unlock()
		return nil
	}, nil)

	q.Enqueue(Notification{SessionKey: "s1", Kind: KindFile, FilePath: "/tmp/report.md"})
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if captured.ID == "" {
		t.Error("ID should be generated")
	}
	if captured.CreatedAt == "" {
		t.Error("CreatedAt should be stamped")
	}
	if _, err := time.Parse(time.RFC3339, captured.CreatedAt); err != nil {
		t.Errorf("CreatedAt not RFC3339: %v", err)
	}
}

func TestQueueNeverBlocksWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(1, func(Notification) error {
		<-block
		return nil
	}, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			q.Enqueue(Notification{Kind: KindMessage, Text: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a stuck delivery")
	}
	close(block)
	q.Close()
}

func TestQueueSwallowsDeliveryErrors(t *testing.T) {
	q := NewQueue(4, func(Notification) error {
		return errors.New("transport down")
	}, nil)
	q.Enqueue(Notification{Kind: KindMessage, Text: "doomed"})
	q.Close() // must not panic or wedge
}

func TestFileOutboxRoundTrip(t *testing.T) {
	dir := t.TempDir()
	outbox := NewFileOutbox(filepath.Join(dir, "outbox"))

	n := Notification{
		ID:         "ntc_1700000000_ab12cd34",
		SessionKey: "telegram:100",
		Kind:       KindFile,
		FilePath:   "/workspace/documents/report.md",
		Caption:    "your report",
		CreatedAt:  "2026-03-01T09:00:00Z",
	}
	if err := outbox.Deliver(n); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	got, err := outbox.Read(n.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.FilePath != n.FilePath || got.Caption != n.Caption || got.Kind != KindFile {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "outbox", n.ID+".yaml")); err != nil {
		t.Errorf("outbox file missing: %v", err)
	}
}
