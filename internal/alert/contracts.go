package alert

import (
	"context"

	"alertd/internal/market"
)

// Channel delivers alerts to one destination. Send must be safe for concurrent use.
type Channel interface {
	Name() string
	Initialize(ctx context.Context) error
	Send(ctx context.Context, a *Alert) error
	Cleanup(ctx context.Context) error
	Status() map[string]any
}

// Trigger inspects a market snapshot and reports whether an alert should fire.
type Trigger interface {
	Name() string
	Check(ctx context.Context, snap market.Snapshot) (Fields, bool, error)
}
