package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "alertd/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
alerts:
  alert_workers: 4
  duplicate_window_minutes: 0
  retry_base: 500ms
  channels:
    telegram:
      type: Telegram
      token: "123:abc"
      chat_id: -100
    email:
      type: email
      enabled: false
      smtp_host: smtp.example.com
  triggers:
    btc_price:
      type: price
      symbol: BTCUSDT
      above: 70000
  rate_limits:
    telegram:
      critical: { max_per_minute: 2 }
  default_channels:
    high: [telegram]
market:
  source: static
  schedule: "@every 30s"
  static:
    BTCUSDT: { price: 65000, change_24h: 1.5 }
storage:
  driver: file
  path: ./data/alertd.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("alertd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a := cfg.Alerts
	if a.Workers != 4 {
		t.Fatalf("workers = %d, want 4", a.Workers)
	}
	if a.DuplicateWindowMinutes == nil || *a.DuplicateWindowMinutes != 0 {
		t.Fatalf("duplicate window = %v, want explicit 0", a.DuplicateWindowMinutes)
	}
	tg := a.Channels["telegram"]
	if tg.Type != "telegram" || !tg.IsEnabled() || !strings.Contains(string(tg.Raw), `"chat_id"`) {
		t.Fatalf("telegram entry = %+v", tg)
	}
	if a.Channels["email"].IsEnabled() {
		t.Fatal("email entry should be disabled")
	}
	if got := a.RateLimits["telegram"]["critical"].MaxPerMinute; got != 2 {
		t.Fatalf("rate limit = %d, want 2", got)
	}
	if cfg.Market == nil || cfg.Market.Static["BTCUSDT"].Price != 65000 {
		t.Fatalf("market = %+v", cfg.Market)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body, want string
	}{
		{"unknown field", "c.json", `{"alerts":{},"bogus":1}`, "unknown field"},
		{"trailing data", "c.json", `{"alerts":{}} {}`, "trailing data"},
		{"entry without type", "c.json", `{"alerts":{"channels":{"x":{"url":"u"}}}}`, "type is required"},
		{"bad priority", "c.json", `{"alerts":{"default_channels":{"urgent":["x"]}}}`, "urgent"},
		{"bad duration", "c.yml", "alerts:\n  send_timeout: soon\n", "alerts.send_timeout"},
		{"negative retry", "c.json", `{"alerts":{"retry_max":-1}}`, "retry_max"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Decode err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	zero, half := 0.0, 0.5
	if got := MinutesOrDefault(nil, 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("nil minutes = %v", got)
	}
	if got := MinutesOrDefault(&zero, 5*time.Minute); got != 0 {
		t.Fatalf("zero minutes = %v", got)
	}
	if got := MinutesOrDefault(&half, 5*time.Minute); got != 30*time.Second {
		t.Fatalf("half minute = %v", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	body := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	body = strings.Replace(body, "above: 70000", "above: 71000", 1)
	body = strings.Replace(body, `token: "123:abc"`, `token: "123:rotated"`, 1)
	newCfg, err := Decode("b.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	changed, attrs, entries := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{SectionChannels, SectionLogging, SectionTriggers}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if strings.Join(entries, ",") != "channels.telegram,triggers.btc_price" {
		t.Fatalf("entries = %v", entries)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if out := buf.String(); strings.Contains(out, "rotated") || strings.Contains(out, "123:") {
		t.Fatalf("secret leaked into log fields: %s", out)
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "channels,triggers" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "alertd.json", `{"logging":{"level":"info"},"alerts":{}}`)

	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Alerts.Workers == 99 {
			return os.ErrInvalid
		}
		return nil
	})

	sub := m.Subscribe(1)
	t.Cleanup(func() { m.Unsubscribe(sub) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "alertd.json", `{"logging":{"level":"info"},"alerts":{"alert_workers":99}}`)
	time.Sleep(150 * time.Millisecond)
	writeFile(t, dir, "alertd.json", `{"logging":{"level":"warn"},"alerts":{}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" || cfg.Alerts.Workers == 99 {
			t.Fatalf("published config = %+v", cfg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Logging.Level; got != "warn" {
		t.Fatalf("Get().Logging.Level = %q, want warn", got)
	}
}
