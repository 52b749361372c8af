package engine

import (
	"time"

	"alertd/internal/alert"
	"alertd/internal/eventbus"
)

// Event types published on the bus.
const (
	EventQueued         = "alert.queued"
	EventSuppressed     = "alert.suppressed"
	EventDelivery       = "alert.delivery"
	EventRetryScheduled = "alert.retry_scheduled"
	EventCompleted      = "alert.completed"
	EventRejected       = "alert.rejected"
)

// AlertEvent is the payload of every engine event. Keep it small; subscribers
// may log or serialize it.
type AlertEvent struct {
	AlertID    string         `json:"alert_id"`
	Priority   alert.Priority `json:"priority"`
	Symbol     string         `json:"symbol,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Outcome    alert.Outcome  `json:"outcome,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	Delay      time.Duration  `json:"delay,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// publish reads a, so callers must still own it.
func (e *Engine) publish(typ string, a *alert.Alert, fill func(ev *AlertEvent)) {
	if e.bus == nil {
		return
	}
	ev := eventFor(a)
	if fill != nil {
		fill(&ev)
	}
	e.emit(typ, ev)
}

// eventFor copies the fields events carry. Take it before handing a to the
// queue or the retry timer; the new owner mutates the alert.
func eventFor(a *alert.Alert) AlertEvent {
	if a == nil {
		return AlertEvent{}
	}
	return AlertEvent{
		AlertID:    a.ID,
		Priority:   a.Priority,
		Symbol:     a.Symbol,
		RetryCount: a.RetryCount,
	}
}

func (e *Engine) emit(typ string, ev AlertEvent) {
	if e.bus == nil {
		return
	}
	now := e.now()
	ev.At = now
	e.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
