package scoreboard

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger is the minimal structured-logging surface ScoreBoard needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stats is the minimal gauge-reporting surface ScoreBoard needs.
type Stats interface {
	Gauge(name string, value float64)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopStats struct{}

func (noopStats) Gauge(string, float64) {}

// Config carries ScoreBoard's tunables, matching spec.md §4.5.
type Config struct {
	// MaxActive bounds total concurrent fetches across all origins.
	MaxActive int
	// TargetConcurrency is the per-origin concurrency ceiling.
	// Defaults to 2.
	TargetConcurrency int
	// ConnRetrySeconds is the cooldown after a connect failure.
	// Defaults to 600 (10 minutes).
	ConnRetrySeconds int
	// SlotRecentMinutes is the idle-slot retention window. Defaults
	// to 5.
	SlotRecentMinutes int
	// LockTimeout bounds how long Issue/Retire/Periodic will wait for
	// the scoreboard lock before treating it as a fatal programmer
	// error. Defaults to 120s.
	LockTimeout time.Duration

	Logger Logger
	Stats  Stats

	// ExitFunc is called (with status 1) on a lock-acquisition
	// timeout, after the diagnostic dump. Defaults to os.Exit; tests
	// override it to avoid killing the test binary.
	ExitFunc func(int)
}

func (c Config) withDefaults() Config {
	if c.TargetConcurrency == 0 {
		c.TargetConcurrency = 2
	}
	if c.ConnRetrySeconds == 0 {
		c.ConnRetrySeconds = 600
	}
	if c.SlotRecentMinutes == 0 {
		c.SlotRecentMinutes = 5
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	if c.ExitFunc == nil {
		c.ExitFunc = os.Exit
	}
	return c
}

type noteEntry struct {
	origin string
	note   string
	since  time.Time
}

// ScoreBoard regulates outbound HTTP fetches so that no origin is
// overwhelmed and chronically unreachable origins are skipped early.
// All slot mutation happens under a single process-wide, non-recursive
// lock with a bounded acquisition timeout.
type ScoreBoard struct {
	cfg  Config
	lock *Lock

	mu            sync.Mutex // guards the fields below together with lock ownership
	slots         map[string]*Slot
	activeFetches int
	activeSlots   int
	notes         map[string]noteEntry
}

// New constructs a ScoreBoard.
func New(cfg Config) *ScoreBoard {
	cfg = cfg.withDefaults()
	return &ScoreBoard{
		cfg:   cfg,
		lock:  NewLock(),
		slots: make(map[string]*Slot),
		notes: make(map[string]noteEntry),
	}
}

func (sb *ScoreBoard) fatalLockTimeout(timeout *LockTimeout) {
	sb.cfg.Logger.Error("scoreboard: lock acquisition timed out, dumping diagnostics and exiting",
		"waited", timeout.Waited)
	for _, line := range sb.debugInfoNoLock() {
		sb.cfg.Logger.Error("scoreboard: " + line)
	}
	sb.cfg.ExitFunc(1)
}

// Issue attempts to admit one fetch against origin. token identifies
// the calling goroutine/attempt and must be passed unchanged to the
// matching Retire call. note is a free-form diagnostic string (the
// URL being fetched) recorded for the debug dump.
func (sb *ScoreBoard) Issue(token, origin, note string) (IssueStatus, error) {
	if err := sb.lock.TryLockTimeout(token, sb.cfg.LockTimeout); err != nil {
		var timeout *LockTimeout
		if errors.As(err, &timeout) {
			sb.fatalLockTimeout(timeout)
		}
		return Busy, err
	}
	defer sb.lock.Unlock(token)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.activeFetches >= sb.cfg.MaxActive {
		return Busy, nil
	}

	slot, ok := sb.slots[origin]
	if !ok {
		slot = newSlot(sb.cfg.TargetConcurrency, time.Duration(sb.cfg.ConnRetrySeconds)*time.Second)
		sb.slots[origin] = slot
	}

	wasIdle := slot.ActiveCount() == 0
	status := slot.issue(token)
	if status == OK {
		if wasIdle {
			sb.activeSlots++
		}
		sb.activeFetches++
		sb.notes[token] = noteEntry{origin: origin, note: note, since: time.Now()}
	}
	return status, nil
}

// Retire releases a slot previously obtained via a successful Issue.
// It MUST be called exactly once per OK Issue, on every exit path
// (including error paths), to keep activeFetches/activeSlots accurate.
func (sb *ScoreBoard) Retire(token, origin string, status ConnStatus, elapsed time.Duration) error {
	if err := sb.lock.TryLockTimeout(token, sb.cfg.LockTimeout); err != nil {
		var timeout *LockTimeout
		if errors.As(err, &timeout) {
			sb.fatalLockTimeout(timeout)
		}
		return err
	}
	defer sb.lock.Unlock(token)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	slot, ok := sb.slots[origin]
	if !ok {
		return fmt.Errorf("scoreboard: retire: unknown origin %q", origin)
	}

	wasActive := slot.ActiveCount() > 0
	slot.retire(token, status, elapsed)
	sb.activeFetches--
	if sb.activeFetches < 0 {
		sb.activeFetches = 0
	}
	if wasActive && slot.ActiveCount() == 0 {
		sb.activeSlots--
	}
	delete(sb.notes, token)
	return nil
}

// Periodic removes idle, expired slots and reports the three gauges
// spec.md names. Logging and stats emission happen outside the lock.
func (sb *ScoreBoard) Periodic(dumpSlots bool) {
	token := fmt.Sprintf("periodic-%d", time.Now().UnixNano())
	if err := sb.lock.TryLockTimeout(token, sb.cfg.LockTimeout); err != nil {
		var timeout *LockTimeout
		if errors.As(err, &timeout) {
			sb.fatalLockTimeout(timeout)
		}
		return
	}

	var recent, fetches, slotsActive int
	var dump []string
	func() {
		defer sb.lock.Unlock(token)
		sb.mu.Lock()
		defer sb.mu.Unlock()

		retention := time.Duration(sb.cfg.SlotRecentMinutes) * time.Minute
		for origin, slot := range sb.slots {
			if slot.removable(retention) {
				delete(sb.slots, origin)
			}
		}
		recent = len(sb.slots)
		fetches = sb.activeFetches
		slotsActive = sb.activeSlots
		if dumpSlots {
			dump = sb.debugInfoLocked()
		}
	}()

	for _, line := range dump {
		sb.cfg.Logger.Info("scoreboard: " + line)
	}
	sb.cfg.Stats.Gauge("active.recent", float64(recent))
	sb.cfg.Stats.Gauge("active.fetches", float64(fetches))
	sb.cfg.Stats.Gauge("active.slots", float64(slotsActive))
}

// DebugInfo returns the same diagnostic dump Periodic(true) logs,
// for the debug server's /debug/scoreboard endpoint.
func (sb *ScoreBoard) DebugInfo() []string {
	token := fmt.Sprintf("debug-%d", time.Now().UnixNano())
	if err := sb.lock.TryLockTimeout(token, sb.cfg.LockTimeout); err != nil {
		var timeout *LockTimeout
		if errors.As(err, &timeout) {
			sb.fatalLockTimeout(timeout)
		}
		return nil
	}
	defer sb.lock.Unlock(token)

	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.debugInfoLocked()
}

// debugInfoLocked formats a diagnostic dump; callers must hold
// sb.mu (and normally sb.lock) already.
func (sb *ScoreBoard) debugInfoLocked() []string {
	lines := make([]string, 0, len(sb.slots)+1)
	lines = append(lines, fmt.Sprintf("active_fetches=%d active_slots=%d slots=%d",
		sb.activeFetches, sb.activeSlots, len(sb.slots)))
	for origin, slot := range sb.slots {
		lines = append(lines, fmt.Sprintf("slot %s: active=%d avg=%.3fs interval=%s holders=%v",
			origin, slot.activeCount, slot.avgSeconds, slot.issueInterval, slot.holders))
	}
	for token, n := range sb.notes {
		lines = append(lines, fmt.Sprintf("in-flight token=%s origin=%s note=%s since=%s",
			token, n.origin, n.note, n.since.Format(time.RFC3339)))
	}
	return lines
}

// debugInfoNoLock dumps diagnostics WITHOUT acquiring the lock — it is
// only ever called from fatalLockTimeout, i.e. precisely when the lock
// could not be acquired, so waiting for it here would simply hang.
// This is an intentional, narrow exception to "never touch shared
// state without the lock", matching the source system's own
// debug_info_nolock.
func (sb *ScoreBoard) debugInfoNoLock() []string {
	owner, held := sb.lock.Holder()
	lines := []string{fmt.Sprintf("lock held=%v owner=%q", held, owner)}
	lines = append(lines, sb.debugInfoLocked()...)
	return lines
}
