package storage

import (
	"errors"
	"time"

	"alertd/internal/alert"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeadLetter is the persisted form of a dropped CRITICAL alert.
// Keep it compact and schema-stable.
type DeadLetter struct {
	At         time.Time         `json:"at"`
	AlertID    string            `json:"alert_id"`
	Title      string            `json:"title"`
	Message    string            `json:"message,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Priority   string            `json:"priority"`
	Channels   []string          `json:"channels"`
	Ledger     map[string]string `json:"ledger"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FromRecord converts a terminal history record.
func FromRecord(rec alert.Record) DeadLetter {
	dl := DeadLetter{At: rec.FinishedAt, Error: rec.Error}
	if rec.FinishedAt.IsZero() {
		dl.At = time.Now()
	}
	a := rec.Alert
	if a == nil {
		return dl
	}
	dl.AlertID = a.ID
	dl.Title = a.Title
	dl.Message = a.Message
	dl.Symbol = a.Symbol
	dl.Priority = a.Priority.String()
	dl.Channels = append([]string(nil), a.Channels...)
	dl.Ledger = make(map[string]string, len(a.Ledger))
	for ch, st := range a.Ledger {
		dl.Ledger[ch] = string(st)
	}
	dl.RetryCount = a.RetryCount
	dl.CreatedAt = a.CreatedAt
	return dl
}
