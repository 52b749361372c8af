package engine

import (
	"errors"
	"testing"
	"time"

	"alertd/internal/alert"
)

func rejectedReason(err error) string {
	var rej *alert.AdmissionRejected
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

func TestAdmissionDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DedupWindow = 5 * time.Minute
	adm := newAdmission(cfg)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := &alert.Alert{Symbol: "BTC", Title: "t", Message: "m", Priority: alert.PriorityMedium, Channels: []string{"log"}}

	if err := adm.admit(a, base); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if got := rejectedReason(adm.admit(a, base.Add(4*time.Minute))); got != alert.ReasonDuplicate {
		t.Fatalf("within window reason = %q, want duplicate", got)
	}
	if err := adm.admit(a, base.Add(5*time.Minute+time.Second)); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestAdmissionEvictsExpiredKeys(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DedupWindow = time.Minute
	adm := newAdmission(cfg)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, msg := range []string{"a", "b", "c"} {
		_ = adm.admit(&alert.Alert{Message: msg}, base.Add(time.Duration(i)*time.Second))
	}
	if got := adm.dedupSize(); got != 3 {
		t.Fatalf("dedupSize = %d, want 3", got)
	}
	_ = adm.admit(&alert.Alert{Message: "d"}, base.Add(2*time.Minute))
	if got := adm.dedupSize(); got != 1 {
		t.Fatalf("dedupSize after expiry = %d, want 1", got)
	}
}

func TestAdmissionRateLimits(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RateLimits = map[string]map[alert.Priority]RateLimit{
		"telegram": {alert.PriorityHigh: {MaxPerHour: 3, MaxPerMinute: 2}},
	}
	adm := newAdmission(cfg)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mk := func(msg string) *alert.Alert {
		return &alert.Alert{Message: msg, Priority: alert.PriorityHigh, Channels: []string{"email", "telegram"}}
	}

	if err := adm.admit(mk("1"), base); err != nil {
		t.Fatalf("1: %v", err)
	}
	if err := adm.admit(mk("2"), base.Add(time.Second)); err != nil {
		t.Fatalf("2: %v", err)
	}
	if got := rejectedReason(adm.admit(mk("3"), base.Add(2*time.Second))); got != alert.ReasonRateLimited {
		t.Fatalf("3rd in minute reason = %q, want rate_limited", got)
	}
	// The rate-limited alert left no dedup key behind.
	if err := adm.admit(mk("3"), base.Add(2*time.Minute)); err != nil {
		t.Fatalf("3 after minute: %v", err)
	}
	if got := rejectedReason(adm.admit(mk("4"), base.Add(3*time.Minute))); got != alert.ReasonRateLimited {
		t.Fatalf("4th in hour reason = %q, want rate_limited", got)
	}
	if err := adm.admit(mk("5"), base.Add(61*time.Minute)); err != nil {
		t.Fatalf("after hour: %v", err)
	}
	// Other priorities are not limited.
	low := &alert.Alert{Message: "low", Priority: alert.PriorityLow, Channels: []string{"telegram"}}
	if err := adm.admit(low, base.Add(61*time.Minute)); err != nil {
		t.Fatalf("low priority: %v", err)
	}
}

func TestAdmissionApplyDisablesDedup(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	adm := newAdmission(cfg)
	now := time.Now()
	a := &alert.Alert{Message: "same"}
	_ = adm.admit(a, now)

	cfg.DedupWindow = 0
	adm.apply(cfg)
	if err := adm.admit(a, now); err != nil {
		t.Fatalf("dedup disabled: %v", err)
	}
}

func TestHistoryResizeKeepsNewest(t *testing.T) {
	t.Parallel()
	h := newHistory(4)
	for i := 0; i < 6; i++ {
		h.add(alert.Record{Alert: &alert.Alert{ID: string(rune('a' + i))}})
	}
	h.resize(2)
	got := h.snapshot()
	if len(got) != 2 || got[0].Alert.ID != "e" || got[1].Alert.ID != "f" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.Alert.ID
		}
		t.Fatalf("after resize = %v, want [e f]", ids)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := cfg.retryDelay(i + 1); got != want {
			t.Fatalf("retryDelay(%d) = %s, want %s", i+1, got, want)
		}
	}
}
