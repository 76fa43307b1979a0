package ledger

import (
	"fmt"
	"sort"
	"time"

	"switchboard/internal/model"
)

// Ledger tracks every run the gateway starts and enforces the single
// active run per session rule. All state is owned by one goroutine;
// public methods hand it closures over the ops channel, so callers
// never race on the maps and no mutex covers the snapshot write.
type Ledger struct {
	ops  chan func()
	quit chan struct{}

	// Fields below are touched only from the actor goroutine.
	runs            map[string]*model.RunRecord
	order           []string          // creation order, oldest first
	activeBySession map[string]string // sessionKey -> runID
	idempotency     map[string]string // sessionKey+"\x00"+key -> runID

	snapshotPath string
	homeDir      string
	retention    time.Duration
	maxRuns      int
	ioErrors     int

	now func() time.Time
}

// StartResult reports how StartRun resolved the request.
// Acquired is true only when the returned run holds the session slot.
// Reused is true when an idempotency key matched an existing run.
type StartResult struct {
	Run      model.RunRecord
	Acquired bool
	Reused   bool
}

type Options struct {
	SnapshotPath string
	HomeDir      string
	Retention    time.Duration
	MaxRuns      int
}

func New(opts Options) (*Ledger, error) {
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = 500
	}
	l := &Ledger{
		ops:             make(chan func()),
		quit:            make(chan struct{}),
		runs:            make(map[string]*model.RunRecord),
		activeBySession: make(map[string]string),
		idempotency:     make(map[string]string),
		snapshotPath:    opts.SnapshotPath,
		homeDir:         opts.HomeDir,
		retention:       opts.Retention,
		maxRuns:         opts.MaxRuns,
		now:             time.Now,
	}
	if err := l.loadSnapshot(); err != nil {
		return nil, err
	}
	go l.loop()
	return l, nil
}

// SetClock replaces the time source. Test use only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.do(func() { l.now = now })
}

func (l *Ledger) Close() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

func (l *Ledger) loop() {
	for {
		select {
		case fn := <-l.ops:
			fn()
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) do(fn func()) {
	reply := make(chan struct{})
	select {
	case l.ops <- func() { fn(); close(reply) }:
		<-reply
	case <-l.quit:
	}
}

func idemIndexKey(sessionKey, key string) string {
	return sessionKey + "\x00" + key
}

// StartRun resolves a run slot for the session. Three outcomes:
// a matching idempotency key returns the prior run, a live run in the
// session produces a blocked record that never takes the slot, and
// otherwise a fresh running record is registered as the active run.
func (l *Ledger) StartRun(sessionKey string, mode model.QueueMode, idempotencyKey string, snap model.RunSnapshot) (StartResult, error) {
	var res StartResult
	var err error
	l.do(func() {
		res, err = l.startRunLocked(sessionKey, mode, idempotencyKey, snap)
	})
	return res, err
}

func (l *Ledger) startRunLocked(sessionKey string, mode model.QueueMode, idempotencyKey string, snap model.RunSnapshot) (StartResult, error) {
	if idempotencyKey != "" {
		if runID, ok := l.idempotency[idemIndexKey(sessionKey, idempotencyKey)]; ok {
			if run, ok := l.runs[runID]; ok {
				return StartResult{
					Run:      *run,
					Acquired: !model.IsRunTerminal(run.Status),
					Reused:   true,
				}, nil
			}
		}
	}

	ts := l.now().UTC().Format(time.RFC3339)
	snap.IdempotencyKey = idempotencyKey

	if activeID, ok := l.activeBySession[sessionKey]; ok {
		if active, live := l.runs[activeID]; live && !model.IsRunTerminal(active.Status) {
			ended := ts
			blocked := &model.RunRecord{
				ID:         model.MustGenerateID(model.IDTypeRun),
				SessionKey: sessionKey,
				QueueMode:  mode,
				Status:     model.RunStatusBlocked,
				Snapshot:   snap,
				BlockedBy:  activeID,
				Message:    fmt.Sprintf("session busy: run %s is active", activeID),
				CreatedAt:  ts,
				UpdatedAt:  ts,
				EndedAt:    &ended,
			}
			l.appendEventLocked(blocked, model.RunEventStarted, "", nil)
			l.appendEventLocked(blocked, model.RunEventNote, "blocked by "+activeID, nil)
			l.registerLocked(blocked)
			l.persistLocked()
			return StartResult{Run: *blocked, Acquired: false}, nil
		}
		// Stale slot entry pointing at a terminal or vanished run.
		delete(l.activeBySession, sessionKey)
	}

	run := &model.RunRecord{
		ID:         model.MustGenerateID(model.IDTypeRun),
		SessionKey: sessionKey,
		QueueMode:  mode,
		Status:     model.RunStatusRunning,
		Snapshot:   snap,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	l.appendEventLocked(run, model.RunEventStarted, "", nil)
	l.registerLocked(run)
	l.activeBySession[sessionKey] = run.ID
	l.persistLocked()
	return StartResult{Run: *run, Acquired: true}, nil
}

func (l *Ledger) registerLocked(run *model.RunRecord) {
	l.runs[run.ID] = run
	l.order = append(l.order, run.ID)
	if run.Snapshot.IdempotencyKey != "" {
		l.idempotency[idemIndexKey(run.SessionKey, run.Snapshot.IdempotencyKey)] = run.ID
	}
	l.pruneLocked()
}

// TransitionPhase records a phase boundary. Unknown run IDs are a
// silent no-op so late bookkeeping never fails a turn.
func (l *Ledger) TransitionPhase(runID string, phase model.Phase) {
	l.do(func() {
		run, ok := l.runs[runID]
		if !ok || model.IsRunTerminal(run.Status) {
			return
		}
		run.CurrentPhase = phase
		ev := l.appendEventLocked(run, model.RunEventPhase, string(phase), nil)
		ev.Phase = phase
		l.persistLocked()
	})
}

// AppendEvent adds an event to the run's log. Unknown run IDs are a
// silent no-op.
func (l *Ledger) AppendEvent(runID string, typ model.RunEventType, message string, payload map[string]any) {
	l.do(func() {
		run, ok := l.runs[runID]
		if !ok {
			return
		}
		l.appendEventLocked(run, typ, message, payload)
		l.persistLocked()
	})
}

func (l *Ledger) appendEventLocked(run *model.RunRecord, typ model.RunEventType, message string, payload map[string]any) *model.RunEvent {
	ts := l.now().UTC().Format(time.RFC3339)
	run.Events = append(run.Events, model.RunEvent{
		RunID:     run.ID,
		Seq:       run.LastSeq() + 1,
		Timestamp: ts,
		Type:      typ,
		Message:   message,
		Payload:   payload,
	})
	run.UpdatedAt = ts
	return &run.Events[len(run.Events)-1]
}

// CompleteRun moves the run to a terminal state and releases the
// session slot, but only when the slot still points at this run so a
// stale completion never evicts a newer run.
func (l *Ledger) CompleteRun(runID string, status model.RunStatus, message string) error {
	var err error
	l.do(func() {
		run, ok := l.runs[runID]
		if !ok {
			return
		}
		if model.IsRunTerminal(run.Status) {
			return
		}
		if terr := model.ValidateRunTransition(run.Status, status); terr != nil {
			err = terr
			return
		}
		ts := l.now().UTC().Format(time.RFC3339)
		run.Status = status
		run.Message = message
		run.UpdatedAt = ts
		run.EndedAt = &ts
		l.appendEventLocked(run, terminalEventType(status), message, nil)
		if l.activeBySession[run.SessionKey] == run.ID {
			delete(l.activeBySession, run.SessionKey)
		}
		l.persistLocked()
	})
	return err
}

func terminalEventType(status model.RunStatus) model.RunEventType {
	switch status {
	case model.RunStatusCompleted:
		return model.RunEventCompleted
	case model.RunStatusCancelled:
		return model.RunEventCancelled
	default:
		return model.RunEventFailed
	}
}

func (l *Ledger) GetRun(runID string) (model.RunRecord, bool) {
	var run model.RunRecord
	var ok bool
	l.do(func() {
		if r, found := l.runs[runID]; found {
			run = *r
			ok = true
		}
	})
	return run, ok
}

func (l *Ledger) ActiveRun(sessionKey string) (model.RunRecord, bool) {
	var run model.RunRecord
	var ok bool
	l.do(func() {
		runID, found := l.activeBySession[sessionKey]
		if !found {
			return
		}
		if r, live := l.runs[runID]; live && !model.IsRunTerminal(r.Status) {
			run = *r
			ok = true
		}
	})
	return run, ok
}

// ListRuns returns runs for a session, newest first. A sessionKey of
// "" lists every session. limit <= 0 means no limit.
func (l *Ledger) ListRuns(sessionKey string, limit int) []model.RunRecord {
	var out []model.RunRecord
	l.do(func() {
		for i := len(l.order) - 1; i >= 0; i-- {
			run, ok := l.runs[l.order[i]]
			if !ok {
				continue
			}
			if sessionKey != "" && run.SessionKey != sessionKey {
				continue
			}
			out = append(out, *run)
			if limit > 0 && len(out) >= limit {
				return
			}
		}
	})
	return out
}

func (l *Ledger) StatusCounts() map[model.RunStatus]int {
	counts := make(map[model.RunStatus]int)
	l.do(func() {
		for _, run := range l.runs {
			counts[run.Status]++
		}
	})
	return counts
}

// IOErrorCount reports how many snapshot writes have failed since
// startup.
func (l *Ledger) IOErrorCount() int {
	var n int
	l.do(func() { n = l.ioErrors })
	return n
}

// Prune drops terminal runs past the retention window and enforces
// the size cap. Called on a timer by the gateway; every mutation also
// prunes opportunistically.
func (l *Ledger) Prune() int {
	var removed int
	l.do(func() {
		before := len(l.runs)
		l.pruneLocked()
		removed = before - len(l.runs)
		if removed > 0 {
			l.persistLocked()
		}
	})
	return removed
}

func (l *Ledger) pruneLocked() {
	cutoff := l.now().UTC().Add(-l.retention)
	removed := false
	for id, run := range l.runs {
		if !model.IsRunTerminal(run.Status) {
			continue
		}
		created, err := time.Parse(time.RFC3339, run.CreatedAt)
		if err == nil && created.After(cutoff) {
			continue
		}
		l.removeLocked(id, run)
		removed = true
	}

	// Size cap: drop the oldest terminal runs until under the limit.
	if len(l.runs) > l.maxRuns {
		for _, id := range append([]string(nil), l.order...) {
			if len(l.runs) <= l.maxRuns {
				break
			}
			run, ok := l.runs[id]
			if !ok || !model.IsRunTerminal(run.Status) {
				continue
			}
			l.removeLocked(id, run)
			removed = true
		}
	}

	if removed {
		l.compactOrderLocked()
	}
}

func (l *Ledger) removeLocked(id string, run *model.RunRecord) {
	delete(l.runs, id)
	if run.Snapshot.IdempotencyKey != "" {
		key := idemIndexKey(run.SessionKey, run.Snapshot.IdempotencyKey)
		if l.idempotency[key] == id {
			delete(l.idempotency, key)
		}
	}
	if l.activeBySession[run.SessionKey] == id {
		delete(l.activeBySession, run.SessionKey)
	}
}

func (l *Ledger) compactOrderLocked() {
	kept := l.order[:0]
	for _, id := range l.order {
		if _, ok := l.runs[id]; ok {
			kept = append(kept, id)
		}
	}
	l.order = kept
}

func (l *Ledger) sortedRunsLocked() []model.RunRecord {
	out := make([]model.RunRecord, 0, len(l.runs))
	for _, id := range l.order {
		if run, ok := l.runs[id]; ok {
			out = append(out, *run)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
