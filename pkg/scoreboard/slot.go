package scoreboard

import "time"

// IssueStatus is the result of attempting to issue a fetch slot for an
// origin.
type IssueStatus int

const (
	// OK: the caller has reserved a slot and MUST later call Retire.
	OK IssueStatus = iota
	// Busy: per-origin interval not reached, per-origin concurrency
	// at ceiling, or total concurrency at ceiling.
	Busy
	// Skipped: this origin recently failed to connect and is in
	// cooldown.
	Skipped
)

func (s IssueStatus) String() string {
	switch s {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ConnStatus classifies how a retired fetch actually went, driving the
// EWMA and cooldown bookkeeping in Slot.Retire.
type ConnStatus int

const (
	// NoConn: never connected (DNS/TCP/TLS failure).
	NoConn ConnStatus = iota - 2 // -2, matching the source system's enum values
	// BadURL: malformed or unsupported URL; no connection attempted.
	BadURL // -1
	// NoData: connected, got headers, but no body (e.g. non-2xx discard).
	NoData // 0
	// Data: connected and read a response body.
	Data // 1
)

// alpha is the EWMA smoothing factor for Slot.avgSeconds.
const alpha = 0.25

// Slot is one per-origin entry: in-flight count, issue spacing,
// connect-error cooldown, and measured latency.
type Slot struct {
	targetConcurrency int
	connRetry         time.Duration

	activeCount   int
	lastIssue     Timer
	lastConnError Timer
	avgSeconds    float64
	issueInterval time.Duration
	holders       []string
}

func newSlot(targetConcurrency int, connRetry time.Duration) *Slot {
	return &Slot{targetConcurrency: targetConcurrency, connRetry: connRetry}
}

// ActiveCount returns the number of in-flight requests for this
// origin. Must be called while the owning ScoreBoard's lock is held.
func (s *Slot) ActiveCount() int { return s.activeCount }

// issue attempts to admit one more request against this slot. Callers
// must already hold the ScoreBoard lock.
func (s *Slot) issue(holder string) IssueStatus {
	if s.avgSeconds == 0 {
		if s.activeCount >= s.targetConcurrency {
			return Busy
		}
	} else if s.lastIssue.Elapsed() < s.issueInterval {
		return Busy
	}

	if !s.lastConnError.Expired(s.connRetry) {
		return Skipped
	}

	s.activeCount++
	s.lastIssue.Reset()
	s.holders = append(s.holders, holder)
	return OK
}

// retire releases a previously issued slot, updating EWMA latency and
// cooldown state per conn status. Callers must already hold the
// ScoreBoard lock.
func (s *Slot) retire(holder string, status ConnStatus, elapsed time.Duration) {
	s.activeCount--
	if s.activeCount < 0 {
		s.activeCount = 0
	}
	for i, h := range s.holders {
		if h == holder {
			s.holders = append(s.holders[:i], s.holders[i+1:]...)
			break
		}
	}

	switch status {
	case NoConn:
		s.lastConnError.Reset()
	case Data:
		sec := elapsed.Seconds()
		if s.avgSeconds == 0 {
			s.avgSeconds = sec
		} else {
			s.avgSeconds += (sec - s.avgSeconds) * alpha
		}
		s.recomputeIssueInterval()
	case NoData:
		if s.avgSeconds == 0 {
			s.avgSeconds = elapsed.Seconds()
			s.recomputeIssueInterval()
		}
	case BadURL:
		// no scheduler bookkeeping: the request never consulted the
		// network layer at all.
	}
}

func (s *Slot) recomputeIssueInterval() {
	if s.targetConcurrency <= 0 {
		return
	}
	s.issueInterval = time.Duration(s.avgSeconds / float64(s.targetConcurrency) * float64(time.Second))
}

// removable reports whether this slot is idle, its last issue is
// older than the idle-retention window, and its last connect error (if
// any) has cleared its own cooldown (s.connRetry) — not the idle
// window, which is usually much shorter — i.e. it can be dropped from
// the ScoreBoard by the next periodic() call.
func (s *Slot) removable(retention time.Duration) bool {
	return s.activeCount == 0 && s.lastIssue.Expired(retention) && s.lastConnError.Expired(s.connRetry)
}
