package storage

import (
	"context"
	"errors"
	"strings"

	logx "alertd/pkg/logx"
)

// Store is the persistence API used by the app's dead-letter sink.
type Store interface {
	AppendDeadLetter(ctx context.Context, d DeadLetter) error
	// DeadLetters returns up to limit entries, newest first. limit <= 0 means all.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
