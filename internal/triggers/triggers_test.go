package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"alertd/internal/alert"
	"alertd/internal/market"
)

func f64(v float64) *float64 { return &v }

func TestPriceTrigger(t *testing.T) {
	t.Parallel()
	tr, err := NewPrice("btc_band", PriceConfig{Common: Common{Symbol: "BTC"}, Above: f64(70000), Below: f64(50000)})
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	cases := []struct {
		price float64
		fire  bool
		title string
	}{
		{69999, false, ""},
		{70000, true, "above"},
		{50000, true, "below"},
		{60000, false, ""},
	}
	for _, tc := range cases {
		f, fired, err := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: tc.price}})
		if err != nil {
			t.Fatalf("price %v: %v", tc.price, err)
		}
		if fired != tc.fire {
			t.Fatalf("price %v: fired = %v, want %v", tc.price, fired, tc.fire)
		}
		if fired && !strings.Contains(f.Title, tc.title) {
			t.Fatalf("price %v: title = %q", tc.price, f.Title)
		}
		if fired && (f.Symbol != "BTC" || f.Priority != alert.PriorityHigh) {
			t.Fatalf("fields = %+v", f)
		}
	}
}

func TestPriceTriggerRejectsNonFinite(t *testing.T) {
	t.Parallel()
	tr, _ := NewPrice("p", PriceConfig{Common: Common{Symbol: "BTC"}, Above: f64(1)})
	if _, _, err := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: math.NaN()}}); err == nil {
		t.Fatal("expected error for NaN price")
	}
	if _, fired, err := tr.Check(context.Background(), market.Snapshot{"ETH": {Price: 5}}); err != nil || fired {
		t.Fatalf("missing symbol: fired=%v err=%v", fired, err)
	}
}

func TestChangeTrigger(t *testing.T) {
	t.Parallel()
	tr, err := NewChange("btc_move", ChangeConfig{Common: Common{Symbol: "BTC", Priority: "high", Channels: []string{"telegram"}}, ThresholdPct: 5})
	if err != nil {
		t.Fatalf("NewChange: %v", err)
	}
	if _, fired, _ := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: 1, Change24h: 4.9}}); fired {
		t.Fatal("4.9% should not fire")
	}
	f, fired, _ := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: 1, Change24h: -7}})
	if !fired || !strings.Contains(f.Title, "down") {
		t.Fatalf("fired=%v title=%q", fired, f.Title)
	}
	if f.Priority != alert.PriorityHigh || len(f.Channels) != 1 || f.Channels[0] != "telegram" {
		t.Fatalf("fields = %+v", f)
	}
}

func TestSignalTrigger(t *testing.T) {
	t.Parallel()
	tr, err := NewSignal("btc_signal", SignalConfig{Common: Common{Symbol: "BTC"}, MinStrength: 0.7})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if _, fired, _ := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: 1}}); fired {
		t.Fatal("no signal must not fire")
	}
	f, fired, _ := tr.Check(context.Background(), market.Snapshot{"BTC": {Price: 1, Extra: map[string]float64{"signal": -0.8}}})
	if !fired || f.Metadata["side"] != "SELL" {
		t.Fatalf("fired=%v meta=%v", fired, f.Metadata)
	}
	if _, err := NewSignal("bad", SignalConfig{Common: Common{Symbol: "BTC"}, MinStrength: 2}); err == nil {
		t.Fatal("expected min_strength range error")
	}
}

func TestRiskTriggerIsCritical(t *testing.T) {
	t.Parallel()
	tr, err := NewRisk("dd", RiskConfig{Common: Common{Symbol: "PORTFOLIO", Priority: "low"}, MaxDrawdown: 0.15})
	if err != nil {
		t.Fatalf("NewRisk: %v", err)
	}
	f, fired, err := tr.Check(context.Background(), market.Snapshot{"PORTFOLIO": {Extra: map[string]float64{"drawdown": 0.2}}})
	if err != nil || !fired {
		t.Fatalf("fired=%v err=%v", fired, err)
	}
	if f.Priority != alert.PriorityCritical {
		t.Fatalf("priority = %v, want critical", f.Priority)
	}
}

func TestBuildFromSpecs(t *testing.T) {
	t.Parallel()
	specs := []Spec{
		{Name: "btc_above", Type: "price", Enabled: true, Raw: json.RawMessage(`{"type":"price","symbol":"BTC","above":70000,"priority":"critical"}`)},
		{Name: "moon", Type: "lunar", Enabled: true, Raw: json.RawMessage(`{"type":"lunar"}`)},
		{Name: "no_symbol", Type: "change", Enabled: true, Raw: json.RawMessage(`{"type":"change","threshold_pct":5}`)},
		{Name: "off", Type: "risk", Enabled: false},
	}
	trs, errs := Build(specs)
	if len(trs) != 1 || trs[0].Name() != "btc_above" {
		t.Fatalf("built %d triggers, want btc_above only", len(trs))
	}
	if len(errs) != 2 {
		t.Fatalf("errs = %v, want 2", errs)
	}
	var ce *alert.ConfigurationError
	if !errors.As(errs[0], &ce) || ce.Name != "moon" {
		t.Fatalf("first error = %v", errs[0])
	}
	f, fired, _ := trs[0].Check(context.Background(), market.Snapshot{"BTC": {Price: 71000}})
	if !fired || f.Priority != alert.PriorityCritical {
		t.Fatalf("fired=%v fields=%+v", fired, f)
	}
}
