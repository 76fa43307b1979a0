package events

import (
	"log"
)

// Emitter is the one place pipeline and worker code reports
// observability events. It fans out to the bus and the audit trail,
// both best-effort: an audit write failure is logged and swallowed so
// bookkeeping never fails the turn that triggered it.
type Emitter struct {
	bus    *Bus
	audit  *AuditLogger
	logger *log.Logger
}

func NewEmitter(bus *Bus, audit *AuditLogger, logger *log.Logger) *Emitter {
	return &Emitter{bus: bus, audit: audit, logger: logger}
}

// Emit publishes the event and appends it to the audit trail.
func (e *Emitter) Emit(eventType EventType, data map[string]interface{}) {
	if e == nil {
		return
	}
	if e.bus != nil {
		e.bus.Publish(eventType, data)
	}
	if e.audit != nil {
		if err := e.audit.Log(string(eventType), data); err != nil && e.logger != nil {
			e.logger.Printf("[WARN] audit_append_failed type=%s err=%v", eventType, err)
		}
	}
}

// Subscribe forwards to the underlying bus. Nil-safe.
func (e *Emitter) Subscribe(eventType EventType, fn Subscriber) func() {
	if e == nil || e.bus == nil {
		return func() {}
	}
	return e.bus.Subscribe(eventType, fn)
}

// Close shuts the bus and audit file down.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.audit != nil {
		_ = e.audit.Close()
	}
}
