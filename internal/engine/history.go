package engine

import (
	"sync"
	"time"

	"alertd/internal/alert"
)

// history is a bounded ring of terminal records, oldest evicted first.
type history struct {
	mu    sync.Mutex
	buf   []alert.Record
	start int
	n     int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	return &history{buf: make([]alert.Record, size)}
}

func (h *history) add(r alert.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = r
		h.n++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// resize keeps the newest records that fit.
func (h *history) resize(size int) {
	if size <= 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == len(h.buf) {
		return
	}
	recs := h.snapshotLocked()
	if len(recs) > size {
		recs = recs[len(recs)-size:]
	}
	h.buf = make([]alert.Record, size)
	copy(h.buf, recs)
	h.start = 0
	h.n = len(recs)
}

func (h *history) snapshot() []alert.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *history) snapshotLocked() []alert.Record {
	out := make([]alert.Record, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

type historyCounts struct {
	total, lastHour, last24h int
}

func (h *history) counts(now time.Time) historyCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	hour := now.Add(-time.Hour)
	day := now.Add(-24 * time.Hour)
	c := historyCounts{total: h.n}
	for i := 0; i < h.n; i++ {
		at := h.buf[(h.start+i)%len(h.buf)].Alert.CreatedAt
		if at.After(hour) {
			c.lastHour++
		}
		if at.After(day) {
			c.last24h++
		}
	}
	return c
}
