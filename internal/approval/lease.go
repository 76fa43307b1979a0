package approval

import (
	"sync"
	"time"
)

// LeaseSet tracks session-scoped approval leases: a granted lease
// suppresses repeated prompts for a capability until revoked or
// expired. State lives here, not in the policy engine; the engine is
// told HasLease per invocation.
type LeaseSet struct {
	mu     sync.RWMutex
	leases map[string]map[string]time.Time // sessionKey, then capability, to expiry (zero = no expiry)
	now    func() time.Time
}

func NewLeaseSet() *LeaseSet {
	return &LeaseSet{
		leases: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Grant records a lease. ttl <= 0 means the lease lives until revoked.
func (l *LeaseSet) Grant(sessionKey, capability string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	caps, ok := l.leases[sessionKey]
	if !ok {
		caps = make(map[string]time.Time)
		l.leases[sessionKey] = caps
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = l.now().Add(ttl)
	}
	caps[capability] = expiry
}

// Has reports whether the session holds a live lease for the capability.
func (l *LeaseSet) Has(sessionKey, capability string) bool {
	l.mu.RLock()
	expiry, ok := l.leases[sessionKey][capability]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if expiry.IsZero() || l.now().Before(expiry) {
		return true
	}
	// Expired: drop it so the map does not accumulate dead grants.
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.leases[sessionKey][capability]; ok && !e.IsZero() && !l.now().Before(e) {
		delete(l.leases[sessionKey], capability)
	}
	return false
}

// Revoke drops one capability's lease for the session.
func (l *LeaseSet) Revoke(sessionKey, capability string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases[sessionKey], capability)
}

// RevokeAll drops every lease the session holds.
func (l *LeaseSet) RevokeAll(sessionKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, sessionKey)
}
