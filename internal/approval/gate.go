package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one pending approval. Single-use: Consume removes it.
type Record struct {
	Token     string
	SessionID string
	Action    Action
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Gate stores pending approvals per session. Multiple concurrent
// pending approvals per session are allowed, ordered by creation; the
// "latest" operations target the most recently created non-expired
// record so a bare "yes"/"no" reply can resolve without a token.
type Gate struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*Record // keyed by token
	order   []string           // tokens in creation order
	now     func() time.Time
}

// NewGate creates a gate whose records expire after ttl.
func NewGate(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Gate{
		ttl:     ttl,
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Create registers a pending approval and returns its record.
func (g *Gate) Create(sessionID string, action Action) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	now := g.now()
	rec := &Record{
		Token:     uuid.NewString(),
		SessionID: sessionID,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	g.records[rec.Token] = rec
	g.order = append(g.order, rec.Token)
	return *rec
}

// Consume removes and returns the record for a token. Returns nil for
// an unknown or expired token or a session mismatch; "nothing
// pending" is a signal, not an error.
func (g *Gate) Consume(sessionID, token string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	rec, ok := g.records[token]
	if !ok || rec.SessionID != sessionID {
		return nil
	}
	g.removeLocked(token)
	out := *rec
	return &out
}

// PeekLatest returns the most recently created non-expired record for
// the session without consuming it.
func (g *Gate) PeekLatest(sessionID string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	if rec := g.latestLocked(sessionID); rec != nil {
		out := *rec
		return &out
	}
	return nil
}

// ConsumeLatest removes and returns the session's most recent pending
// record, or nil if none.
func (g *Gate) ConsumeLatest(sessionID string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	rec := g.latestLocked(sessionID)
	if rec == nil {
		return nil
	}
	g.removeLocked(rec.Token)
	out := *rec
	return &out
}

// DiscardLatest drops the session's most recent pending record.
// Returns true if one existed.
func (g *Gate) DiscardLatest(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	rec := g.latestLocked(sessionID)
	if rec == nil {
		return false
	}
	g.removeLocked(rec.Token)
	return true
}

// PendingCount reports the session's live pending approvals.
func (g *Gate) PendingCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	n := 0
	for _, token := range g.order {
		if g.records[token].SessionID == sessionID {
			n++
		}
	}
	return n
}

// TotalPending reports live pending approvals across all sessions.
func (g *Gate) TotalPending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.order)
}

func (g *Gate) latestLocked(sessionID string) *Record {
	for i := len(g.order) - 1; i >= 0; i-- {
		rec := g.records[g.order[i]]
		if rec.SessionID == sessionID {
			return rec
		}
	}
	return nil
}

func (g *Gate) removeLocked(token string) {
	delete(g.records, token)
	for i, t := range g.order {
		if t == token {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *Gate) pruneLocked() {
	now := g.now()
	kept := g.order[:0]
	for _, token := range g.order {
		rec := g.records[token]
		if now.After(rec.ExpiresAt) {
			delete(g.records, token)
			continue
		}
		kept = append(kept, token)
	}
	g.order = kept
}
