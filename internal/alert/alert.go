package alert

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders alerts by urgency. The zero value means "unspecified" and is
// resolved to PriorityMedium when an alert is created.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Priorities lists every valid priority, lowest first.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority accepts low|medium|high|critical in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DeliveryState is the per-channel status of one alert.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Ledger maps channel name to delivery state.
type Ledger map[string]DeliveryState

func (l Ledger) Clone() Ledger {
	if l == nil {
		return nil
	}
	out := make(Ledger, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// AllDelivered reports whether every channel in the ledger was delivered.
// An empty ledger is not considered delivered.
func (l Ledger) AllDelivered() bool {
	if len(l) == 0 {
		return false
	}
	for _, st := range l {
		if st != StateDelivered {
			return false
		}
	}
	return true
}

func (l Ledger) Delivered() int { return l.count(StateDelivered) }
func (l Ledger) Failed() int    { return l.count(StateFailed) }

func (l Ledger) count(want DeliveryState) int {
	n := 0
	for _, st := range l {
		if st == want {
			n++
		}
	}
	return n
}

// Alert is one notification moving through the engine.
//
// After it is enqueued an Alert is owned by exactly one worker (or a pending
// retry timer) at a time; History holds clones.
type Alert struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Priority   Priority       `json:"priority"`
	Symbol     string         `json:"symbol,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Channels   []string       `json:"channels"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RetryCount int            `json:"retry_count"`
	Ledger     Ledger         `json:"ledger"`
}

// DedupKey joins symbol, title and message with a NUL separator, so moving
// text from one field to the next yields a different key.
func (a *Alert) DedupKey() string {
	return a.Symbol + dedupSep + a.Title + dedupSep + a.Message
}

const dedupSep = "\x00"

// Clone deep-copies channels, ledger and the top level of metadata.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Channels = append([]string(nil), a.Channels...)
	cp.Ledger = a.Ledger.Clone()
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Undelivered returns target channels whose state is not delivered, in order.
func (a *Alert) Undelivered() []string {
	out := make([]string, 0, len(a.Channels))
	for _, ch := range a.Channels {
		if a.Ledger[ch] != StateDelivered {
			out = append(out, ch)
		}
	}
	return out
}

// Outcome is the terminal result recorded in history.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
)

// Record is a terminal history entry.
type Record struct {
	Alert      *Alert    `json:"alert"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Fields are what a trigger contributes when it fires.
type Fields struct {
	Title    string
	Message  string
	Symbol   string
	Priority Priority
	Channels []string
	Metadata map[string]any
}
