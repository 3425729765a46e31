package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

const (
	DefaultPINMaxAttempts = 5
	DefaultPINLockout     = 15 * time.Minute
)

// pinGuard locks an identity out of Submit after maxAttempts consecutive
// wrong PINs. State is in memory and resets when walletd restarts.
type pinGuard struct {
	maxAttempts int
	lockout     time.Duration

	mu       sync.Mutex
	failures map[string]*pinFailures
}

type pinFailures struct {
	count       int
	lockedUntil time.Time
}

func newPINGuard(maxAttempts int, lockout time.Duration) *pinGuard {
	return &pinGuard{
		maxAttempts: maxAttempts,
		lockout:     lockout,
		failures:    make(map[string]*pinFailures),
	}
}

// check fails while identity is locked out.
func (g *pinGuard) check(identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f := g.failures[identity]
	if f == nil || f.lockedUntil.IsZero() {
		return nil
	}
	if time.Now().Before(f.lockedUntil) {
		return fmt.Errorf("%w: %w, retry after %s",
			models.ErrAuthorization, models.ErrPINLocked, f.lockedUntil.Format(time.RFC3339))
	}
	delete(g.failures, identity)
	return nil
}

// fail counts a wrong PIN and reports whether it started a lockout.
func (g *pinGuard) fail(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	f := g.failures[identity]
	if f == nil {
		f = &pinFailures{}
		g.failures[identity] = f
	}
	f.count++
	if f.count < g.maxAttempts {
		return false
	}
	f.count = 0
	f.lockedUntil = time.Now().Add(g.lockout)
	return true
}

func (g *pinGuard) succeed(identity string) {
	g.mu.Lock()
	delete(g.failures, identity)
	g.mu.Unlock()
}
