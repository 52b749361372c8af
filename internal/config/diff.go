package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertd/pkg/logx"
)

// Sections reported by SummarizeConfigChange.
const (
	SectionLogging  = "logging"
	SectionAlerts   = "alerts"
	SectionChannels = "channels"
	SectionTriggers = "triggers"
	SectionMarket   = "market"
	SectionStorage  = "storage"
	SectionMetrics  = "metrics"
)

// RestartRequired reports sections that hot reload cannot apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionLogging, SectionAlerts:
		default:
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured fields for logging (never tokens, passwords or API keys),
// and (3) the names of channel/trigger entries that changed, prefixed with
// "channels." or "triggers.".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(engineKnobs(oldCfg.Alerts), engineKnobs(newCfg.Alerts)) {
		changed = append(changed, SectionAlerts)
		a := newCfg.Alerts
		attrs = append(attrs,
			logx.Int("alerts.workers", a.Workers),
			logx.Int("alerts.max_history_size", a.MaxHistorySize),
			logx.String("alerts.send_timeout", strings.TrimSpace(a.SendTimeout)),
			logx.String("alerts.retry_base", strings.TrimSpace(a.RetryBase)),
			logx.Int("alerts.rate_limit_channels", len(a.RateLimits)),
			logx.Bool("alerts.dead_letter", a.DeadLetter),
		)
	}

	entries := diffEntries("channels.", oldCfg.Alerts.Channels, newCfg.Alerts.Channels)
	if len(entries) > 0 {
		changed = append(changed, SectionChannels)
		attrs = append(attrs, logx.Int("channels.changed_count", len(entries)))
	}
	trig := diffEntries("triggers.", oldCfg.Alerts.Triggers, newCfg.Alerts.Triggers)
	if len(trig) > 0 {
		changed = append(changed, SectionTriggers)
		attrs = append(attrs, logx.Int("triggers.changed_count", len(trig)))
	}
	entries = append(entries, trig...)

	if !reflect.DeepEqual(derefMarket(oldCfg.Market), derefMarket(newCfg.Market)) {
		changed = append(changed, SectionMarket)
		m := derefMarket(newCfg.Market)
		attrs = append(attrs,
			logx.String("market.source", m.Source),
			logx.String("market.schedule", m.Schedule),
			logx.Int("market.coins", len(m.Coins)),
			logx.Bool("market.api_key_set", strings.TrimSpace(m.APIKey) != ""),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oM, nM MetricsConfig
	if oldCfg.Metrics != nil {
		oM = *oldCfg.Metrics
	}
	if newCfg.Metrics != nil {
		nM = *newCfg.Metrics
	}
	if oM != nM {
		changed = append(changed, SectionMetrics)
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nM.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, entries
}

// engineKnobs strips the channel and trigger maps, which are diffed separately.
func engineKnobs(a AlertsConfig) AlertsConfig {
	a.Channels = nil
	a.Triggers = nil
	return a
}

// derefMarket treats an omitted section as the zero value.
func derefMarket(m *MarketConfig) MarketConfig {
	if m == nil {
		return MarketConfig{}
	}
	return *m
}

func diffEntries(prefix string, oldM, newM map[string]EntryConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o.IsEnabled() != n.IsEnabled() || canonicalHashJSON(o.Raw) != canonicalHashJSON(n.Raw) {
			out = append(out, prefix+name)
		}
	}
	sort.Strings(out)
	return out
}
