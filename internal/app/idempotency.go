package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyWindow is how long an identical request is treated as a
// duplicate.
const DefaultIdempotencyWindow = 10 * time.Second

// IdempotencyKey identifies a ledger request for deduplication.
type IdempotencyKey struct {
	AccountID uuid.UUID
	StoreID   uuid.UUID
	Amount    string
	Operation string
}

// IdempotencyGuard deduplicates repeated earn and redeem requests inside a
// short window. It is advisory and lives in process memory only: it does not
// survive a restart and it does not coordinate between server instances.
type IdempotencyGuard struct {
	mu     sync.Mutex
	window time.Duration
	clock  Clock
	seen   map[IdempotencyKey]time.Time
}

// NewIdempotencyGuard creates a guard with an empty key set.
func NewIdempotencyGuard(window time.Duration, clock Clock) *IdempotencyGuard {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	return &IdempotencyGuard{
		window: window,
		clock:  clock,
		seen:   make(map[IdempotencyKey]time.Time),
	}
}

// CheckAndRecord reports whether the request may proceed. It returns false if
// the same key was recorded within the window; otherwise it records the key.
// Expired keys are dropped on every call.
func (g *IdempotencyGuard) CheckAndRecord(key IdempotencyKey) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, recordedAt := range g.seen {
		if now.Sub(recordedAt) >= g.window {
			delete(g.seen, k)
		}
	}

	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = now
	return true
}

// Release forgets a key whose request failed before changing anything, so a
// retry is not reported as a duplicate.
func (g *IdempotencyGuard) Release(key IdempotencyKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
}

// Len returns the number of keys currently held.
func (g *IdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
