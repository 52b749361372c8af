package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "alertd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, d DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	channels, err := json.Marshal(d.Channels)
	if err != nil {
		return err
	}
	ledger, err := json.Marshal(d.Ledger)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(at, alert_id, title, message, symbol, priority, channels, ledger, retry_count, err, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.At.UTC().Format(time.RFC3339Nano), d.AlertID, d.Title, nullStr(d.Message), nullStr(d.Symbol), d.Priority,
		string(channels), string(ledger), d.RetryCount, nullStr(d.Error), d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, alert_id, title, message, symbol, priority, channels, ledger, retry_count, err, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d                   DeadLetter
			at, created         string
			msg, sym, errText   sql.NullString
			channels, ledgerRaw string
		)
		if err := rows.Scan(&at, &d.AlertID, &d.Title, &msg, &sym, &d.Priority, &channels, &ledgerRaw, &d.RetryCount, &errText, &created); err != nil {
			return nil, err
		}
		d.At, _ = time.Parse(time.RFC3339Nano, at)
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		d.Message, d.Symbol, d.Error = msg.String, sym.String, errText.String
		if err := json.Unmarshal([]byte(channels), &d.Channels); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
		if err := json.Unmarshal([]byte(ledgerRaw), &d.Ledger); err != nil {
			return nil, fmt.Errorf("decode ledger: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
