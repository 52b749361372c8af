package engine

import (
	"sync"
	"time"

	"alertd/internal/alert"
)

type rateKey struct {
	channel  string
	priority alert.Priority
}

type seenEntry struct {
	key string
	at  time.Time
}

// admission owns rate windows and the duplicate store. Check and record happen
// under one lock so concurrent workers cannot both pass a limit only one should.
type admission struct {
	mu sync.Mutex

	limits  map[string]map[alert.Priority]RateLimit
	window  time.Duration
	maxKeys int

	sends map[rateKey][]time.Time // ascending
	seen  map[string]time.Time
	order []seenEntry // insertion order, oldest first
}

func newAdmission(cfg Config) *admission {
	a := &admission{
		sends: map[rateKey][]time.Time{},
		seen:  map[string]time.Time{},
	}
	a.apply(cfg)
	return a
}

func (a *admission) apply(cfg Config) {
	limits := make(map[string]map[alert.Priority]RateLimit, len(cfg.RateLimits))
	for ch, byPrio := range cfg.RateLimits {
		m := make(map[alert.Priority]RateLimit, len(byPrio))
		for p, l := range byPrio {
			m[p] = l
		}
		limits[ch] = m
	}
	a.mu.Lock()
	a.limits = limits
	a.window = cfg.DedupWindow
	a.maxKeys = cfg.DedupMaxEntries
	a.mu.Unlock()
}

// admit returns nil and records the alert, or *alert.AdmissionRejected.
// Rate limits are checked first; a rate-limited alert leaves no dedup key.
func (a *admission) admit(al *alert.Alert, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	limited := make([]rateKey, 0, len(al.Channels))
	for _, ch := range al.Channels {
		lim, ok := a.limits[ch][al.Priority]
		if !ok || lim.IsZero() {
			continue
		}
		k := rateKey{channel: ch, priority: al.Priority}
		ts := pruneBefore(a.sends[k], hourAgo)
		if len(ts) == 0 {
			delete(a.sends, k)
		} else {
			a.sends[k] = ts
		}
		if lim.MaxPerHour > 0 && len(ts) >= lim.MaxPerHour {
			return &alert.AdmissionRejected{Reason: alert.ReasonRateLimited, Channel: ch}
		}
		if lim.MaxPerMinute > 0 && countAfter(ts, minuteAgo) >= lim.MaxPerMinute {
			return &alert.AdmissionRejected{Reason: alert.ReasonRateLimited, Channel: ch}
		}
		limited = append(limited, k)
	}

	a.evictExpiredLocked(now)
	if a.window > 0 {
		key := al.DedupKey()
		if at, ok := a.seen[key]; ok && now.Sub(at) < a.window {
			return &alert.AdmissionRejected{Reason: alert.ReasonDuplicate}
		}
		a.seen[key] = now
		a.order = append(a.order, seenEntry{key: key, at: now})
		for a.maxKeys > 0 && len(a.seen) > a.maxKeys && len(a.order) > 0 {
			a.dropOldestLocked()
		}
	}

	for _, k := range limited {
		a.sends[k] = append(a.sends[k], now)
	}
	return nil
}

func (a *admission) evictExpiredLocked(now time.Time) {
	if a.window <= 0 {
		a.seen = map[string]time.Time{}
		a.order = nil
		return
	}
	cutoff := now.Add(-a.window)
	for len(a.order) > 0 && !a.order[0].at.After(cutoff) {
		a.dropOldestLocked()
	}
}

func (a *admission) dropOldestLocked() {
	e := a.order[0]
	a.order[0] = seenEntry{}
	a.order = a.order[1:]
	// A key re-recorded later has a newer entry further back in order.
	if at, ok := a.seen[e.key]; ok && at.Equal(e.at) {
		delete(a.seen, e.key)
	}
}

// dedupSize reports the number of live duplicate keys.
func (a *admission) dedupSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for j := len(ts) - 1; j >= 0 && ts[j].After(cutoff); j-- {
		n++
	}
	return n
}
