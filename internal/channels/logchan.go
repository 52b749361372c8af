package channels

import (
	"context"
	"encoding/json"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"
)

type LogConfig struct {
	entryBase
	Level string `json:"level,omitempty"` // info (default) or warn
}

// Log writes alerts to the process log.
type Log struct {
	name   string
	warn   bool
	log    logx.Logger
	health health
}

func newLogFromRaw(name string, raw json.RawMessage, log logx.Logger) (alert.Channel, error) {
	var cfg LogConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewLog(name, cfg, log), nil
}

func NewLog(name string, cfg LogConfig, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{
		name:   name,
		warn:   logx.ParseLevel(cfg.Level, logx.LevelInfo) >= logx.LevelWarn,
		log:    log,
		health: health{kind: KindLog},
	}
}

func (l *Log) Name() string { return l.name }

func (l *Log) Initialize(ctx context.Context) error {
	l.health.setInitialized(true)
	return nil
}

func (l *Log) Send(ctx context.Context, a *alert.Alert) error {
	if err := ctx.Err(); err != nil {
		l.health.record(err)
		return err
	}
	fields := []logx.Field{
		logx.String("id", a.ID),
		logx.String("priority", a.Priority.String()),
		logx.String("symbol", a.Symbol),
		logx.String("body", a.Message),
		logx.Int("retry", a.RetryCount),
	}
	if l.warn {
		l.log.Warn(a.Title, fields...)
	} else {
		l.log.Info(a.Title, fields...)
	}
	l.health.record(nil)
	return nil
}

func (l *Log) Cleanup(ctx context.Context) error {
	l.health.setInitialized(false)
	return nil
}

func (l *Log) Status() map[string]any { return l.health.status() }
