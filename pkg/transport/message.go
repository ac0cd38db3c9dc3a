package transport

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names the core reads and writes on every message, per the
// external interfaces contract.
const (
	HeaderRetries = "x-mc-retries"
	HeaderWhat    = "x-mc-what"
	HeaderWho     = "x-mc-who"
	HeaderWhen    = "x-mc-when"
	HeaderWhere   = "x-mc-where"
	HeaderName    = "x-mc-name"
)

// InputMessage is the in-process tuple handed off from the broker I/O
// activity to a processing activity: the broker delivery plus the
// moment it was received (used by the batch worker to compute its
// flush deadline).
type InputMessage struct {
	Delivery   amqp.Delivery
	Body       []byte
	ReceivedAt time.Time
}

// Retries returns the x-mc-retries header value, defaulting to 0 if
// absent or malformed.
func (m InputMessage) Retries() int {
	v, ok := m.Delivery.Headers[HeaderRetries]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func (m InputMessage) header(name string) string {
	v, ok := m.Delivery.Headers[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// What returns the truncated description of the last exception, if any.
func (m InputMessage) What() string { return m.header(HeaderWhat) }

// Who returns the process diagnostic breadcrumb for the last failure.
func (m InputMessage) Who() string { return m.header(HeaderWho) }

// When returns the wall-clock diagnostic breadcrumb for the last
// failure.
func (m InputMessage) When() string { return m.header(HeaderWhen) }

// Where returns the source-location diagnostic breadcrumb for the last
// failure.
func (m InputMessage) Where() string { return m.header(HeaderWhere) }

// Name returns the function-name diagnostic breadcrumb for the last
// failure.
func (m InputMessage) Name() string { return m.header(HeaderName) }

// MaxWhatLen bounds the x-mc-what header, matching the source system's
// truncated-repr convention.
const MaxWhatLen = 100

// ExceptionHeaders builds the diagnostic header set the framework
// attaches when retrying, requeuing, or quarantining a message because
// of a handler error.
func ExceptionHeaders(who, where, name string, err error) amqp.Table {
	what := err.Error()
	if len(what) > MaxWhatLen {
		what = what[:MaxWhatLen]
	}
	return amqp.Table{
		HeaderWhat:  what,
		HeaderWho:   who,
		HeaderWhen:  time.Now().UTC().Format(time.RFC3339),
		HeaderWhere: where,
		HeaderName:  name,
	}
}

// MergeHeaders returns a copy of base with overlay's keys applied on
// top, used to preserve existing headers while adding/incrementing
// retry bookkeeping.
func MergeHeaders(base amqp.Table, overlay amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
