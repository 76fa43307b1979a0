package events

import (
	"sync"
	"time"
)

// EventType classifies gateway events.
type EventType string

const (
	// EventTurnReceived is published when an inbound message enters the pipeline.
	EventTurnReceived EventType = "turn_received"
	// EventPhaseTransition is published at every pipeline phase boundary.
	EventPhaseTransition EventType = "phase_transition"
	// EventRunStarted is published when the ledger registers an active run.
	EventRunStarted EventType = "run_started"
	// EventRunBlocked is published when a turn collides with an active run.
	EventRunBlocked EventType = "run_blocked"
	// EventRunCompleted is published when a run reaches a terminal state.
	EventRunCompleted EventType = "run_completed"
	// EventJobEnqueued is published when a workflow or followup job is created.
	EventJobEnqueued EventType = "job_enqueued"
	// EventJobFinished is published when a worker reports a job outcome.
	EventJobFinished EventType = "job_finished"
	// EventApprovalCreated is published when an approval request is raised.
	EventApprovalCreated EventType = "approval_created"
	// EventApprovalResolved is published when an approval is granted or denied.
	EventApprovalResolved EventType = "approval_resolved"
	// EventStepProgress is published per executed workflow step.
	EventStepProgress EventType = "step_progress"
)

// Event is one published gateway event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events. Called asynchronously; must not be
// relied on for turn correctness.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Delivery is
// asynchronous through buffered channels; when a subscriber's channel
// is full the event is dropped for that subscriber so a slow consumer
// can never stall a turn.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function. The subscriber runs in its own goroutine;
// panics are swallowed so a broken subscriber cannot take the bus down.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to every subscriber of the type without
// blocking. Full channels drop the event for that subscriber.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than block.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
