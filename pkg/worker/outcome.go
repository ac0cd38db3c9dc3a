// Package worker implements the base runtime shared by every pipeline
// stage: two cooperating activities per process (a broker I/O activity
// and one or more processing activities), input queue consumption,
// outbound publish on the same transaction as the input ack, and the
// retry/quarantine/requeue state machine built on the transport
// layer's dead-letter semantics.
package worker

import (
	"context"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// OutcomeKind is the tagged result of processing one InputMessage,
// replacing the source system's exception-as-control-flow pattern
// (QuarantineException / RequeueException / any other Exception /
// return) with an explicit value. An unrecovered panic in a Handler is
// mapped to Transient by the processing activity, plus a structured
// log event.
type OutcomeKind int

const (
	// Success: publish Outputs (if any), ack the input, commit.
	Success OutcomeKind = iota
	// Quarantine: a "do not retry" failure. The input body (with
	// diagnostic headers) is republished directly to the quarantine
	// queue and the input is acked.
	Quarantine
	// Requeue: a "retry fast" failure. The input is republished to
	// the fast queue with a short TTL, headers preserved, retry count
	// NOT incremented, and acked.
	Requeue
	// Transient: any other failure. The retries header is read; below
	// MaxRetries it is incremented and the message is republished to
	// the delay queue; at or above MaxRetries it is quarantined unless
	// its error matches the stage's NoQuarantine predicate, in which
	// case it is dropped (acked, not republished anywhere).
	Transient
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Quarantine:
		return "quarantine"
	case Requeue:
		return "requeue"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// OutboundMessage is one message a Handler wants published downstream
// on a Success outcome.
type OutboundMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]any
}

// Outcome is the tagged value a Handler returns.
type Outcome struct {
	Kind    OutcomeKind
	Outputs []OutboundMessage
	Err     error // diagnostic, required for Quarantine/Requeue/Transient
}

// SuccessOutcome builds a Success outcome publishing outputs.
func SuccessOutcome(outputs ...OutboundMessage) Outcome {
	return Outcome{Kind: Success, Outputs: outputs}
}

// QuarantineOutcome builds a Quarantine outcome.
func QuarantineOutcome(err error) Outcome {
	return Outcome{Kind: Quarantine, Err: err}
}

// RequeueOutcome builds a Requeue outcome.
func RequeueOutcome(err error) Outcome {
	return Outcome{Kind: Requeue, Err: err}
}

// TransientOutcome builds a Transient outcome.
func TransientOutcome(err error) Outcome {
	return Outcome{Kind: Transient, Err: err}
}

// Handler is the per-stage processing function. It must not block
// indefinitely; ctx is the context passed to Worker.Run, with no
// per-message deadline added.
type Handler func(ctx context.Context, msg transport.InputMessage) Outcome
