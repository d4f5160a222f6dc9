package jobs

import (
	"sync"
	"time"
)

// KeyWindow enforces a short-lived exclusivity window per uniqueness key.
// A key is claimed by an owner (the event ID), so a job's own backoff
// redelivery can re-acquire the key it already holds while a concurrent
// duplicate cannot. The TTL bounds how long a crashed holder can block its
// key.
type KeyWindow struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]claim
	now    func() time.Time
}

type claim struct {
	owner   string
	expires time.Time
}

// NewKeyWindow creates a window registry with the given TTL.
func NewKeyWindow(ttl time.Duration) *KeyWindow {
	return &KeyWindow{
		ttl:    ttl,
		claims: make(map[string]claim),
		now:    time.Now,
	}
}

// Acquire claims the key for the owner, refreshing the TTL. It returns false
// when a different owner holds an unexpired claim.
func (w *KeyWindow) Acquire(key, owner string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if c, held := w.claims[key]; held && c.owner != owner && now.Before(c.expires) {
		return false
	}
	w.claims[key] = claim{owner: owner, expires: now.Add(w.ttl)}
	return true
}

// Release frees the key if the owner still holds it.
func (w *KeyWindow) Release(key, owner string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, held := w.claims[key]; held && c.owner == owner {
		delete(w.claims, key)
	}
}
