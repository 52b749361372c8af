package market

import (
	"context"
	"math"
	"sort"
	"time"
)

// Quote is the latest market view of one symbol.
type Quote struct {
	Price     float64            `json:"price"`
	Change24h float64            `json:"change_24h"` // percent
	Volume24h float64            `json:"volume_24h"`
	Extra     map[string]float64 `json:"extra,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Valid reports whether the numeric fields are finite.
func (q Quote) Valid() bool {
	return finite(q.Price) && finite(q.Change24h) && finite(q.Volume24h)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Snapshot is keyed by symbol.
type Snapshot map[string]Quote

// Symbols returns the snapshot keys sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Source produces market snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Static always returns a copy of the same snapshot.
type Static struct {
	snap Snapshot
}

func NewStatic(snap Snapshot) *Static {
	return &Static{snap: snap}
}

func (s *Static) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(Snapshot, len(s.snap))
	for k, q := range s.snap {
		if q.Extra != nil {
			extra := make(map[string]float64, len(q.Extra))
			for ek, ev := range q.Extra {
				extra[ek] = ev
			}
			q.Extra = extra
		}
		out[k] = q
	}
	return out, nil
}
