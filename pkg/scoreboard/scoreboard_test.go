package scoreboard

import (
	"fmt"
	"testing"
	"time"
)

// TestFairnessConcurrencyCeiling covers Property 5 (scheduler fairness)
// and scenario S5: with slot-requests (target concurrency) of 2, the
// first two fetches against the same origin are admitted and the rest
// are Busy, regardless of arrival order.
func TestFairnessConcurrencyCeiling(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 2})

	var ok, busy int
	for i := 0; i < 10; i++ {
		status, err := sb.Issue(fmt.Sprintf("tok-%d", i), "example.com", "story")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		switch status {
		case OK:
			ok++
		case Busy:
			busy++
		default:
			t.Fatalf("unexpected status %v", status)
		}
	}
	if ok != 2 || busy != 8 {
		t.Fatalf("expected 2 OK and 8 Busy, got ok=%d busy=%d", ok, busy)
	}
}

// TestFairnessIndependentOrigins covers Property 5: one origin at its
// concurrency ceiling must not affect admission for a different
// origin.
func TestFairnessIndependentOrigins(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 1})

	status, err := sb.Issue("a1", "a.example", "")
	if err != nil || status != OK {
		t.Fatalf("expected OK for a.example, got %v/%v", status, err)
	}
	status, err = sb.Issue("a2", "a.example", "")
	if err != nil || status != Busy {
		t.Fatalf("expected Busy for a second a.example fetch, got %v/%v", status, err)
	}
	status, err = sb.Issue("b1", "b.example", "")
	if err != nil || status != OK {
		t.Fatalf("a.example being at ceiling must not block b.example, got %v/%v", status, err)
	}
}

// TestGlobalCeilingOverridesPerOrigin ensures the global active-fetch
// cap is enforced even when individual origins have room.
func TestGlobalCeilingOverridesPerOrigin(t *testing.T) {
	sb := New(Config{MaxActive: 1, TargetConcurrency: 5})

	status, err := sb.Issue("t1", "a.example", "")
	if err != nil || status != OK {
		t.Fatalf("expected first issue OK, got %v/%v", status, err)
	}
	status, err = sb.Issue("t2", "b.example", "")
	if err != nil || status != Busy {
		t.Fatalf("expected global ceiling to force Busy on a different origin, got %v/%v", status, err)
	}
}

// TestHealthConnectErrorCooldown covers Property 6 (scheduler health):
// an origin that just failed to connect must not receive OK again
// until ConnRetrySeconds has elapsed, even though it is otherwise idle.
func TestHealthConnectErrorCooldown(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 5, ConnRetrySeconds: 600})

	status, err := sb.Issue("t1", "flaky.example", "")
	if err != nil || status != OK {
		t.Fatalf("expected initial OK, got %v/%v", status, err)
	}
	if err := sb.Retire("t1", "flaky.example", NoConn, 0); err != nil {
		t.Fatalf("retire: %v", err)
	}

	status, err = sb.Issue("t2", "flaky.example", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if status != Skipped {
		t.Fatalf("expected Skipped right after a connect failure, got %v", status)
	}
}

// TestHealthRecoversAfterCooldown checks that once ConnRetrySeconds
// has elapsed the origin is eligible again.
func TestHealthRecoversAfterCooldown(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 5, ConnRetrySeconds: 0})

	status, err := sb.Issue("t1", "flaky.example", "")
	if err != nil || status != OK {
		t.Fatalf("expected initial OK, got %v/%v", status, err)
	}
	_ = sb.Retire("t1", "flaky.example", NoConn, 0)

	// ConnRetrySeconds of 0 collapses to the default (600s) via
	// withDefaults, so emulate "already expired" directly on the slot
	// instead of sleeping in a unit test.
	sb.slots["flaky.example"].lastConnError = Timer{}

	status, err = sb.Issue("t2", "flaky.example", "")
	if err != nil || status != OK {
		t.Fatalf("expected OK once the cooldown timer is cleared, got %v/%v", status, err)
	}
}

// TestRemovableUsesConnRetryNotIdleRetention covers Property 6 at the
// Slot level: a slot that just failed to connect must stay un-removable
// until its own connect-retry cooldown elapses, even once the (much
// shorter) idle-retention window has already passed. Removing it early
// would let the next Issue create a fresh Slot with no cooldown memory
// at all, granting an immediate OK inside the real cooldown period.
func TestRemovableUsesConnRetryNotIdleRetention(t *testing.T) {
	s := newSlot(2, 10*time.Minute)

	if status := s.issue("t1"); status != OK {
		t.Fatalf("expected OK, got %v", status)
	}
	s.retire("t1", NoConn, 0)

	if s.removable(time.Second) {
		t.Fatalf("a slot with a fresh connect failure must not be removable just because the idle-retention window elapsed")
	}

	s.lastIssue = Timer{last: time.Now().Add(-time.Hour), set: true}
	s.lastConnError = Timer{}
	if !s.removable(time.Second) {
		t.Fatalf("expected the slot to be removable once its connect-retry cooldown has actually cleared")
	}
}

// TestIdlenessSlotRemovedWhenExpired covers Property 7 (scheduler
// idleness) at the Slot level: an idle slot whose timers have expired
// the retention window is removable, and one that is still active or
// recent is not.
func TestIdlenessSlotRemovedWhenExpired(t *testing.T) {
	s := newSlot(2, time.Minute)

	if status := s.issue("t1"); status != OK {
		t.Fatalf("expected OK, got %v", status)
	}
	if s.removable(0) {
		t.Fatalf("an active slot must never be removable")
	}
	s.retire("t1", Data, 10*time.Millisecond)

	if !s.removable(0) {
		t.Fatalf("an idle slot must be removable once the retention window is zero")
	}
	if s.removable(time.Hour) {
		t.Fatalf("a just-retired slot must not be removable against a long retention window")
	}
}

// TestPeriodicKeepsRecentSlots covers Property 7 at the ScoreBoard
// level: Periodic must not drop a slot that was only just retired.
func TestPeriodicKeepsRecentSlots(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 1, SlotRecentMinutes: 5})

	_, err := sb.Issue("t1", "example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := sb.Retire("t1", "example.com", Data, time.Millisecond); err != nil {
		t.Fatalf("retire: %v", err)
	}

	sb.Periodic(false)

	if _, ok := sb.slots["example.com"]; !ok {
		t.Fatalf("a recently idle slot must survive Periodic")
	}
}

// TestPeriodicRemovesExpiredSlots confirms Periodic actually reclaims
// a slot once its timers are old enough.
func TestPeriodicRemovesExpiredSlots(t *testing.T) {
	sb := New(Config{MaxActive: 100, TargetConcurrency: 1, SlotRecentMinutes: 5})

	_, err := sb.Issue("t1", "example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := sb.Retire("t1", "example.com", Data, time.Millisecond); err != nil {
		t.Fatalf("retire: %v", err)
	}

	slot := sb.slots["example.com"]
	past := time.Now().Add(-time.Hour)
	slot.lastIssue = Timer{last: past, set: true}
	slot.lastConnError = Timer{last: past, set: true}

	sb.Periodic(false)

	if _, ok := sb.slots["example.com"]; ok {
		t.Fatalf("an expired idle slot must be reclaimed by Periodic")
	}
}

// TestLockTimeoutIsFatal confirms a lock acquisition timeout triggers
// the diagnostic dump and ExitFunc rather than hanging or silently
// succeeding.
func TestLockTimeoutIsFatal(t *testing.T) {
	sb := New(Config{MaxActive: 1, LockTimeout: 20 * time.Millisecond})

	var exited int
	sb.cfg.ExitFunc = func(code int) { exited = code }

	release := make(chan struct{})
	go func() {
		_ = sb.lock.TryLockTimeout("holder", time.Second)
		<-release
		sb.lock.Unlock("holder")
	}()
	time.Sleep(5 * time.Millisecond)

	_, _ = sb.Issue("contender", "example.com", "")
	close(release)

	if exited != 1 {
		t.Fatalf("expected ExitFunc to be called with status 1, got %d", exited)
	}
}

// TestRetireUnknownOriginErrors ensures Retire fails loudly instead of
// silently no-op'ing when called for an origin that was never issued.
func TestRetireUnknownOriginErrors(t *testing.T) {
	sb := New(Config{MaxActive: 10})
	if err := sb.Retire("t1", "never-issued.example", Data, time.Millisecond); err == nil {
		t.Fatalf("expected an error retiring an unknown origin")
	}
}
