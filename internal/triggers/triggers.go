package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"alertd/internal/alert"
	"alertd/internal/market"
)

// ---- price ----

type PriceConfig struct {
	Common
	Above *float64 `json:"above,omitempty"`
	Below *float64 `json:"below,omitempty"`
}

// Price fires when the price is at or above Above, or at or below Below.
type Price struct {
	base
	above, below *float64
}

func newPriceFromRaw(name string, raw json.RawMessage) (alert.Trigger, error) {
	var cfg PriceConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewPrice(name, cfg)
}

func NewPrice(name string, cfg PriceConfig) (*Price, error) {
	b, err := newBase(name, cfg.Common, alert.PriorityHigh)
	if err != nil {
		return nil, err
	}
	if cfg.Above == nil && cfg.Below == nil {
		return nil, errors.New("price trigger needs above or below")
	}
	return &Price{base: b, above: cfg.Above, below: cfg.Below}, nil
}

func (t *Price) Check(ctx context.Context, snap market.Snapshot) (alert.Fields, bool, error) {
	q, ok, err := t.quote(snap)
	if err != nil || !ok {
		return alert.Fields{}, false, err
	}
	meta := map[string]any{"price": q.Price}
	switch {
	case t.above != nil && q.Price >= *t.above:
		meta["threshold"] = *t.above
		return t.fields(
			fmt.Sprintf("%s above %s", t.symbol, fmtNum(*t.above)),
			fmt.Sprintf("%s trades at %s (threshold %s)", t.symbol, fmtNum(q.Price), fmtNum(*t.above)),
			meta,
		), true, nil
	case t.below != nil && q.Price <= *t.below:
		meta["threshold"] = *t.below
		return t.fields(
			fmt.Sprintf("%s below %s", t.symbol, fmtNum(*t.below)),
			fmt.Sprintf("%s trades at %s (threshold %s)", t.symbol, fmtNum(q.Price), fmtNum(*t.below)),
			meta,
		), true, nil
	}
	return alert.Fields{}, false, nil
}

// ---- change ----

type ChangeConfig struct {
	Common
	ThresholdPct float64 `json:"threshold_pct"`
}

// Change fires when the absolute 24h change reaches ThresholdPct.
type Change struct {
	base
	threshold float64
}

func newChangeFromRaw(name string, raw json.RawMessage) (alert.Trigger, error) {
	var cfg ChangeConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewChange(name, cfg)
}

func NewChange(name string, cfg ChangeConfig) (*Change, error) {
	b, err := newBase(name, cfg.Common, alert.PriorityMedium)
	if err != nil {
		return nil, err
	}
	if cfg.ThresholdPct <= 0 {
		return nil, errors.New("threshold_pct must be > 0")
	}
	return &Change{base: b, threshold: cfg.ThresholdPct}, nil
}

func (t *Change) Check(ctx context.Context, snap market.Snapshot) (alert.Fields, bool, error) {
	q, ok, err := t.quote(snap)
	if err != nil || !ok {
		return alert.Fields{}, false, err
	}
	if math.Abs(q.Change24h) < t.threshold {
		return alert.Fields{}, false, nil
	}
	dir := "up"
	if q.Change24h < 0 {
		dir = "down"
	}
	return t.fields(
		fmt.Sprintf("%s %s %.2f%% in 24h", t.symbol, dir, math.Abs(q.Change24h)),
		fmt.Sprintf("%s moved %+.2f%% to %s (threshold %.2f%%)", t.symbol, q.Change24h, fmtNum(q.Price), t.threshold),
		map[string]any{"change_24h": q.Change24h, "price": q.Price},
	), true, nil
}

// ---- signal ----

type SignalConfig struct {
	Common
	MinStrength float64 `json:"min_strength"`
}

// Signal fires when |Extra["signal"]| reaches MinStrength; the sign picks
// buy or sell.
type Signal struct {
	base
	min float64
}

func newSignalFromRaw(name string, raw json.RawMessage) (alert.Trigger, error) {
	var cfg SignalConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewSignal(name, cfg)
}

func NewSignal(name string, cfg SignalConfig) (*Signal, error) {
	b, err := newBase(name, cfg.Common, alert.PriorityMedium)
	if err != nil {
		return nil, err
	}
	if cfg.MinStrength <= 0 || cfg.MinStrength > 1 {
		return nil, errors.New("min_strength must be in (0, 1]")
	}
	return &Signal{base: b, min: cfg.MinStrength}, nil
}

func (t *Signal) Check(ctx context.Context, snap market.Snapshot) (alert.Fields, bool, error) {
	q, ok, err := t.quote(snap)
	if err != nil || !ok {
		return alert.Fields{}, false, err
	}
	s, ok := q.Extra["signal"]
	if !ok {
		return alert.Fields{}, false, nil
	}
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return alert.Fields{}, false, fmt.Errorf("%s: non-finite signal", t.symbol)
	}
	if math.Abs(s) < t.min {
		return alert.Fields{}, false, nil
	}
	side := "BUY"
	if s < 0 {
		side = "SELL"
	}
	return t.fields(
		fmt.Sprintf("%s %s signal", t.symbol, side),
		fmt.Sprintf("%s signal strength %.2f at %s", side, math.Abs(s), fmtNum(q.Price)),
		map[string]any{"signal": s, "side": side, "price": q.Price},
	), true, nil
}

// ---- risk ----

type RiskConfig struct {
	Common
	MaxDrawdown float64 `json:"max_drawdown"` // fraction, e.g. 0.15
}

// Risk fires CRITICAL when Extra["drawdown"] reaches MaxDrawdown.
type Risk struct {
	base
	max float64
}

func newRiskFromRaw(name string, raw json.RawMessage) (alert.Trigger, error) {
	var cfg RiskConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewRisk(name, cfg)
}

func NewRisk(name string, cfg RiskConfig) (*Risk, error) {
	b, err := newBase(name, cfg.Common, alert.PriorityCritical)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDrawdown <= 0 {
		return nil, errors.New("max_drawdown must be > 0")
	}
	// Risk alerts are always critical.
	b.priority = alert.PriorityCritical
	return &Risk{base: b, max: cfg.MaxDrawdown}, nil
}

func (t *Risk) Check(ctx context.Context, snap market.Snapshot) (alert.Fields, bool, error) {
	q, ok, err := t.quote(snap)
	if err != nil || !ok {
		return alert.Fields{}, false, err
	}
	dd, ok := q.Extra["drawdown"]
	if !ok {
		return alert.Fields{}, false, nil
	}
	if math.IsNaN(dd) || math.IsInf(dd, 0) {
		return alert.Fields{}, false, fmt.Errorf("%s: non-finite drawdown", t.symbol)
	}
	if dd < t.max {
		return alert.Fields{}, false, nil
	}
	return t.fields(
		fmt.Sprintf("%s drawdown limit breached", t.symbol),
		fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", dd*100, t.max*100),
		map[string]any{"drawdown": dd, "max_drawdown": t.max},
	), true, nil
}

func fmtNum(f float64) string {
	if math.Abs(f) >= 1 {
		return fmt.Sprintf("%.2f", f)
	}
	return fmt.Sprintf("%.6g", f)
}
