package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alertd/internal/alert"
)

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Alerts  AlertsConfig   `json:"alerts"`
	Market  *MarketConfig  `json:"market,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig controls the dispatch engine, its channels and triggers.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - alert_workers: 3
//   - queue_size: 1024
//   - duplicate_window_minutes: 5 (explicit 0 disables dedup)
//   - max_history_size: 1000
//   - send_timeout: "10s"
//   - retry_max: 3 (explicit 0 disables CRITICAL retries)
//   - retry_base: "1s"
//   - drain_on_stop: true
//   - stop_timeout: "10s"
type AlertsConfig struct {
	Workers   int `json:"alert_workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DuplicateWindowMinutes *float64 `json:"duplicate_window_minutes,omitempty"`
	DedupMaxEntries        int      `json:"dedup_max_entries,omitempty"`
	MaxHistorySize         int      `json:"max_history_size,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    *int   `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`

	DrainOnStop *bool  `json:"drain_on_stop,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`

	// DeadLetter writes exhausted CRITICAL alerts to storage.
	DeadLetter bool `json:"dead_letter,omitempty"`

	Channels map[string]EntryConfig `json:"channels,omitempty"`
	Triggers map[string]EntryConfig `json:"triggers,omitempty"`

	// RateLimits is channel -> priority name -> limit.
	RateLimits map[string]map[string]RateLimitConfig `json:"rate_limits,omitempty"`
	// DefaultChannels is priority name -> channel names.
	DefaultChannels map[string][]string `json:"default_channels,omitempty"`
}

type RateLimitConfig struct {
	MaxPerHour   int `json:"max_per_hour,omitempty"`
	MaxPerMinute int `json:"max_per_minute,omitempty"`
}

// EntryConfig is one named channel or trigger. Type-specific fields stay in
// Raw and are decoded strictly by the owning registry.
type EntryConfig struct {
	Type    string
	Enabled *bool
	Raw     json.RawMessage
}

// IsEnabled defaults to true when "enabled" is omitted.
func (e EntryConfig) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

func (e *EntryConfig) UnmarshalJSON(b []byte) error {
	var head struct {
		Type    string `json:"type"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if strings.TrimSpace(head.Type) == "" {
		return errors.New("type is required")
	}
	*e = EntryConfig{
		Type:    strings.ToLower(strings.TrimSpace(head.Type)),
		Enabled: head.Enabled,
		Raw:     append(json.RawMessage(nil), bytes.TrimSpace(b)...),
	}
	return nil
}

func (e EntryConfig) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		Enabled *bool  `json:"enabled,omitempty"`
	}{e.Type, e.Enabled})
}

// MarketConfig selects the snapshot source for scheduled trigger checks.
//
// Example:
//
//	"market": { "source": "coinpaprika", "schedule": "@every 1m", "coins": ["btc-bitcoin"] }
type MarketConfig struct {
	Source   string                       `json:"source"`
	Schedule string                       `json:"schedule,omitempty"` // robfig/cron spec; default "@every 1m"
	Timezone string                       `json:"timezone,omitempty"`
	Coins    []string                     `json:"coins,omitempty"`
	Symbols  map[string]string            `json:"symbols,omitempty"` // coin id -> symbol
	APIKey   string                       `json:"api_key,omitempty"` // do not log
	Static   map[string]StaticQuoteConfig `json:"static,omitempty"`  // symbol -> quote
}

type StaticQuoteConfig struct {
	Price     float64            `json:"price"`
	Change24h float64            `json:"change_24h,omitempty"`
	Volume24h float64            `json:"volume_24h,omitempty"`
	Extra     map[string]float64 `json:"extra,omitempty"`
}

// StorageConfig controls the optional dead-letter store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./alertd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the Prometheus endpoint.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9090").
//   - Non-loopback binds need a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Path          string `json:"path,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks cross-field rules that strict decoding cannot express.
// Channel and trigger bodies are validated by their registries at build time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	a := c.Alerts
	if a.Workers < 0 {
		errs = append(errs, errors.New("alerts.alert_workers must be >= 0"))
	}
	if a.QueueSize < 0 {
		errs = append(errs, errors.New("alerts.queue_size must be >= 0"))
	}
	if a.DuplicateWindowMinutes != nil && *a.DuplicateWindowMinutes < 0 {
		errs = append(errs, errors.New("alerts.duplicate_window_minutes must be >= 0"))
	}
	if a.RetryMax != nil && *a.RetryMax < 0 {
		errs = append(errs, errors.New("alerts.retry_max must be >= 0"))
	}
	for _, d := range []struct{ path, raw string }{
		{"alerts.send_timeout", a.SendTimeout},
		{"alerts.retry_base", a.RetryBase},
		{"alerts.stop_timeout", a.StopTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	for ch, byPrio := range a.RateLimits {
		for p, rl := range byPrio {
			if _, err := alert.ParsePriority(p); err != nil {
				errs = append(errs, fmt.Errorf("alerts.rate_limits.%s: %w", ch, err))
			}
			if rl.MaxPerHour < 0 || rl.MaxPerMinute < 0 {
				errs = append(errs, fmt.Errorf("alerts.rate_limits.%s.%s: limits must be >= 0", ch, p))
			}
		}
	}
	for p := range a.DefaultChannels {
		if _, err := alert.ParsePriority(p); err != nil {
			errs = append(errs, fmt.Errorf("alerts.default_channels: %w", err))
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if m := c.Metrics; m != nil {
		for _, d := range []struct{ path, raw string }{
			{"metrics.read_timeout", m.ReadTimeout},
			{"metrics.write_timeout", m.WriteTimeout},
			{"metrics.idle_timeout", m.IdleTimeout},
		} {
			if _, err := ParseDurationField(d.path, d.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
