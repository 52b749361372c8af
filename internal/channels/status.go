package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"alertd/internal/alert"
)

// health tracks the counters every channel reports through Status.
type health struct {
	mu          sync.Mutex
	kind        Kind
	initialized bool
	sent        uint64
	failed      uint64
	lastErr     string
	lastSentAt  time.Time
}

func (h *health) setInitialized(v bool) {
	h.mu.Lock()
	h.initialized = v
	h.mu.Unlock()
}

func (h *health) isInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

func (h *health) record(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.failed++
		h.lastErr = err.Error()
		return
	}
	h.sent++
	h.lastSentAt = time.Now()
}

func (h *health) status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := map[string]any{
		"type":        string(h.kind),
		"initialized": h.initialized,
		"sent":        h.sent,
		"failed":      h.failed,
		"last_error":  h.lastErr,
	}
	if !h.lastSentAt.IsZero() {
		st["last_sent_at"] = h.lastSentAt
	} else {
		st["last_sent_at"] = nil
	}
	return st
}

func priorityLabel(p alert.Priority) string {
	return "[" + strings.ToUpper(p.String()) + "]"
}

// formatText renders an alert as plain multi-line text.
func formatText(a *alert.Alert) string {
	var b strings.Builder
	b.WriteString(priorityLabel(a.Priority))
	b.WriteByte(' ')
	b.WriteString(a.Title)
	if a.Message != "" {
		b.WriteByte('\n')
		b.WriteString(a.Message)
	}
	if a.Symbol != "" {
		fmt.Fprintf(&b, "\nsymbol: %s", a.Symbol)
	}
	if a.RetryCount > 0 {
		fmt.Fprintf(&b, "\nretry: %d", a.RetryCount)
	}
	fmt.Fprintf(&b, "\n%s", a.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}
