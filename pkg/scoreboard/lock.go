// Package scoreboard implements the per-origin fetch scheduler: a
// process-local structure that gates outbound HTTP fetches by origin,
// tracking concurrency, EWMA latency, and connect-error cooldown,
// all guarded by a single non-recursive, timeout-bounded lock.
package scoreboard

import (
	"fmt"
	"sync"
	"time"
)

// LockTimeout is returned when the lock cannot be acquired within the
// configured timeout. The caller is expected to treat this as fatal:
// spec.md requires a diagnostic dump followed by process exit.
type LockTimeout struct {
	Waited time.Duration
}

func (e *LockTimeout) Error() string {
	return fmt.Sprintf("scoreboard: lock acquisition timed out after %s", e.Waited)
}

// LockHeldError is returned by assertNotHeld when the calling token
// already holds the lock — a recursive-acquisition programmer error.
type LockHeldError struct {
	Holder string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("scoreboard: lock already held by %q (recursive acquisition)", e.Holder)
}

// Lock wraps sync.Mutex with explicit owner-token tracking so
// recursive acquisition by the same logical caller can be detected —
// Go's sync.Mutex, unlike the source system's threading.Lock
// subclass, has no notion of "owner" and will simply deadlock on
// self-reentry, so the owner token is threaded through call sites
// explicitly instead of being recovered from goroutine-local storage
// (which Go does not provide).
type Lock struct {
	mu       sync.Mutex
	heldMu   sync.Mutex
	held     bool
	owner    string
	acquired time.Time
}

// NewLock constructs an unlocked Lock.
func NewLock() *Lock {
	return &Lock{}
}

func (l *Lock) currentOwner() (string, bool) {
	l.heldMu.Lock()
	defer l.heldMu.Unlock()
	return l.owner, l.held
}

// TryLockTimeout attempts to acquire the lock for token within d. It
// returns *LockHeldError immediately if token already holds the lock
// (non-recursive locking invariant), and *LockTimeout if the
// underlying mutex could not be acquired within d.
func (l *Lock) TryLockTimeout(token string, d time.Duration) error {
	if owner, held := l.currentOwner(); held && owner == token {
		return &LockHeldError{Holder: owner}
	}

	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		l.heldMu.Lock()
		l.held = true
		l.owner = token
		l.acquired = time.Now()
		l.heldMu.Unlock()
		return nil
	case <-time.After(d):
		// The goroutine above will still acquire the mutex
		// eventually and then immediately be unlocked by nothing —
		// this leaks a blocked goroutine, which mirrors the source
		// system's own fatal-and-exit behavior on lock timeout: the
		// process is expected to dump diagnostics and terminate, not
		// continue running.
		return &LockTimeout{Waited: d}
	}
}

// Unlock releases the lock. token must match the token passed to the
// corresponding TryLockTimeout call.
func (l *Lock) Unlock(token string) {
	l.heldMu.Lock()
	l.held = false
	l.owner = ""
	l.heldMu.Unlock()
	l.mu.Unlock()
	_ = token
}

// Holder returns the current owner token and whether the lock is held,
// used by the diagnostic dump on a lock timeout.
func (l *Lock) Holder() (string, bool) {
	return l.currentOwner()
}
