package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"alertd/internal/alert"
	"alertd/internal/channels"
	"alertd/internal/config"
	"alertd/internal/engine"
	"alertd/internal/market"
	"alertd/internal/metrics"
	"alertd/internal/storage"
	"alertd/internal/triggers"
	logx "alertd/pkg/logx"
)

const defaultSchedule = "@every 1m"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	a := cfg.Alerts
	def := engine.DefaultConfig()
	out := engine.Config{
		Workers:         a.Workers,
		QueueSize:       a.QueueSize,
		DedupWindow:     config.MinutesOrDefault(a.DuplicateWindowMinutes, def.DedupWindow),
		DedupMaxEntries: a.DedupMaxEntries,
		MaxHistory:      a.MaxHistorySize,
		RetryMax:        def.RetryMax,
		DrainOnStop:     def.DrainOnStop,
	}
	if a.RetryMax != nil {
		out.RetryMax = *a.RetryMax
	}
	if a.DrainOnStop != nil {
		out.DrainOnStop = *a.DrainOnStop
	}

	var err error
	if out.SendTimeout, err = config.ParseDurationOrDefault("alerts.send_timeout", a.SendTimeout, def.SendTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("alerts.retry_base", a.RetryBase, def.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.StopTimeout, err = config.ParseDurationOrDefault("alerts.stop_timeout", a.StopTimeout, def.StopTimeout); err != nil {
		return engine.Config{}, err
	}

	if len(a.RateLimits) > 0 {
		out.RateLimits = make(map[string]map[alert.Priority]engine.RateLimit, len(a.RateLimits))
		for ch, byPrio := range a.RateLimits {
			m := make(map[alert.Priority]engine.RateLimit, len(byPrio))
			for p, rl := range byPrio {
				prio, err := alert.ParsePriority(p)
				if err != nil {
					return engine.Config{}, fmt.Errorf("alerts.rate_limits.%s: %w", ch, err)
				}
				m[prio] = engine.RateLimit{MaxPerHour: rl.MaxPerHour, MaxPerMinute: rl.MaxPerMinute}
			}
			out.RateLimits[ch] = m
		}
	}
	if len(a.DefaultChannels) > 0 {
		out.DefaultChannels = make(map[alert.Priority][]string, len(a.DefaultChannels))
		for p, names := range a.DefaultChannels {
			prio, err := alert.ParsePriority(p)
			if err != nil {
				return engine.Config{}, fmt.Errorf("alerts.default_channels: %w", err)
			}
			out.DefaultChannels[prio] = append([]string(nil), names...)
		}
	}
	return out, nil
}

func sortedNames(m map[string]config.EntryConfig) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func channelSpecs(cfg *config.Config) []channels.Spec {
	out := make([]channels.Spec, 0, len(cfg.Alerts.Channels))
	for _, name := range sortedNames(cfg.Alerts.Channels) {
		e := cfg.Alerts.Channels[name]
		out = append(out, channels.Spec{Name: name, Type: e.Type, Enabled: e.IsEnabled(), Raw: e.Raw})
	}
	return out
}

func triggerSpecs(cfg *config.Config) []triggers.Spec {
	out := make([]triggers.Spec, 0, len(cfg.Alerts.Triggers))
	for _, name := range sortedNames(cfg.Alerts.Triggers) {
		e := cfg.Alerts.Triggers[name]
		out = append(out, triggers.Spec{Name: name, Type: e.Type, Enabled: e.IsEnabled(), Raw: e.Raw})
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	if cfg.Metrics == nil {
		return metrics.ServerConfig{}, nil
	}
	m := cfg.Metrics
	out := metrics.ServerConfig{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Path:          strings.TrimSpace(m.Path),
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 10*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	// Zero keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("metrics.write_timeout", m.WriteTimeout); err != nil {
		return metrics.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	return out, nil
}

// marketSchedule returns the cron spec and location for trigger checks.
func marketSchedule(cfg *config.Config) (string, *time.Location, error) {
	m := cfg.Market
	if m == nil {
		return "", nil, nil
	}
	spec := strings.TrimSpace(m.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	loc := time.Local
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", nil, fmt.Errorf("market.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	return spec, loc, nil
}

// buildSource returns nil when no market source is configured.
func buildSource(cfg *config.Config, log logx.Logger) (market.Source, error) {
	m := cfg.Market
	if m == nil {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(m.Source)) {
	case "", "none":
		return nil, nil
	case "static":
		snap := make(market.Snapshot, len(m.Static))
		now := time.Now()
		for sym, q := range m.Static {
			snap[sym] = market.Quote{
				Price:     q.Price,
				Change24h: q.Change24h,
				Volume24h: q.Volume24h,
				Extra:     q.Extra,
				UpdatedAt: now,
			}
		}
		return market.NewStatic(snap), nil
	case "coinpaprika":
		if len(m.Coins) == 0 {
			return nil, fmt.Errorf("market.coins is required when market.source=coinpaprika")
		}
		return market.NewPaprika(market.PaprikaConfig{
			APIKey:  m.APIKey,
			Coins:   m.Coins,
			Symbols: m.Symbols,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown market.source: %s", m.Source)
	}
}
