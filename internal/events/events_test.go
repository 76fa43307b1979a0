package events

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	bus.Subscribe(EventRunStarted, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	bus.Publish(EventRunStarted, map[string]interface{}{"run_id": "run_1700000000_ab12cd34"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventRunStarted {
		t.Errorf("type = %s", received[0].Type)
	}
	if received[0].Data["run_id"] != "run_1700000000_ab12cd34" {
		t.Errorf("data = %v", received[0].Data)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventStepProgress, func(Event) {
		<-block
	})

	// Publishing far past the buffer must never block the publisher.
	published := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventStepProgress, nil)
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}

func TestBusSubscriberPanicContained(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	bus.Subscribe(EventJobEnqueued, func(Event) {
		panic("broken subscriber")
	})

	got := make(chan struct{})
	bus.Subscribe(EventJobEnqueued, func(Event) {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	bus.Publish(EventJobEnqueued, nil)
	bus.Publish(EventJobEnqueued, nil)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by a panicking one")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := bus.Subscribe(EventRunCompleted, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventRunCompleted, nil)
	time.Sleep(50 * time.Millisecond)
	unsubscribe()
	bus.Publish(EventRunCompleted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count)
	}
}

func TestAuditLoggerAppendsAndLiftsIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer logger.Close()

	err = logger.Log(string(EventRunStarted), map[string]interface{}{
		"run_id":      "run_1700000000_ab12cd34",
		"session_key": "telegram:100",
	})
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log(string(EventRunCompleted), map[string]interface{}{"run_id": "run_1700000000_ab12cd34"}); err != nil {
		t.Fatalf("second Log failed: %v", err)
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run_1700000000_ab12cd34" {
		t.Errorf("run_id not lifted: %q", entries[0].RunID)
	}
	if entries[0].SessionKey != "telegram:100" {
		t.Errorf("session_key not lifted: %q", entries[0].SessionKey)
	}
}

func TestAuditLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	// Tiny cap so the second entry forces a rotation.
	logger, err := NewAuditLogger(path, 150)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 3; i++ {
		if err := logger.Log("step_progress", map[string]interface{}{"step": "search"}); err != nil {
			t.Fatalf("Log %d failed: %v", i, err)
		}
	}

	archived, err := filepath.Glob(filepath.Join(dir, "archive", "audit.*.jsonl"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(archived) == 0 {
		t.Error("expected at least one archived segment")
	}
	if logger.CurrentSize() == 0 {
		t.Error("live file should hold the newest entry")
	}
}

func TestEmitterBestEffort(t *testing.T) {
	// A nil emitter and an emitter with no sinks are both safe.
	var nilEmitter *Emitter
	nilEmitter.Emit(EventTurnReceived, nil)

	empty := NewEmitter(nil, nil, nil)
	empty.Emit(EventTurnReceived, map[string]interface{}{"session_key": "s1"})

	dir := t.TempDir()
	audit, err := NewAuditLogger(filepath.Join(dir, "audit.jsonl"), 0)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	bus := NewBus(10)
	emitter := NewEmitter(bus, audit, nil)
	defer emitter.Close()

	got := make(chan Event, 1)
	emitter.Subscribe(EventApprovalCreated, func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	})
	emitter.Emit(EventApprovalCreated, map[string]interface{}{"session_key": "s1"})

	select {
	case ev := <-got:
		if ev.Data["session_key"] != "s1" {
			t.Errorf("data = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("emitter did not publish to the bus")
	}

	entries, err := ReadEntries(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
}
