package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"

	"golang.org/x/time/rate"
)

type WebhookConfig struct {
	entryBase
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	RatePerSec float64           `json:"rate_per_sec,omitempty"`
	Burst      int               `json:"burst,omitempty"`
}

// Webhook POSTs a JSON payload whose shape depends on kind: the generic
// webhook sends {"alert": ...}, Discord {"content"}, Slack {"text"} and Teams
// a MessageCard. Any HTTP status >= 400 is a delivery failure.
type Webhook struct {
	name    string
	kind    Kind
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	health  health
}

func newWebhookFactory(kind Kind) factory {
	return func(name string, raw json.RawMessage, log logx.Logger) (alert.Channel, error) {
		var cfg WebhookConfig
		if err := decodeStrict(raw, &cfg); err != nil {
			return nil, err
		}
		return NewWebhook(name, kind, cfg, log)
	}
}

func NewWebhook(name string, kind Kind, cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("webhook url is empty")
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("webhook url %q must be http(s)", u)
	}
	timeout := 10 * time.Second
	if strings.TrimSpace(cfg.Timeout) != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", cfg.Timeout)
		}
		timeout = d
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		name:    name,
		kind:    kind,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
		health:  health{kind: kind},
	}, nil
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Initialize(ctx context.Context) error {
	w.health.setInitialized(true)
	return nil
}

func (w *Webhook) Send(ctx context.Context, a *alert.Alert) error {
	err := w.send(ctx, a)
	w.health.record(err)
	if err == nil {
		w.log.Debug("webhook delivered", logx.String("id", a.ID))
	}
	return err
}

func (w *Webhook) send(ctx context.Context, a *alert.Alert) error {
	body, err := w.payload(a)
	if err != nil {
		return err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) payload(a *alert.Alert) ([]byte, error) {
	switch w.kind {
	case KindDiscord:
		return json.Marshal(map[string]string{"content": formatText(a)})
	case KindSlack:
		return json.Marshal(map[string]string{
			"text": fmt.Sprintf("*%s %s*\n%s", priorityLabel(a.Priority), a.Title, a.Message),
		})
	case KindTeams:
		return json.Marshal(map[string]any{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": priorityColor(a.Priority),
			"summary":    a.Title,
			"title":      priorityLabel(a.Priority) + " " + a.Title,
			"text":       a.Message,
		})
	default:
		return json.Marshal(map[string]any{"alert": a})
	}
}

func priorityColor(p alert.Priority) string {
	switch p {
	case alert.PriorityCritical:
		return "FF4F6A"
	case alert.PriorityHigh:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

func (w *Webhook) Cleanup(ctx context.Context) error {
	w.client.CloseIdleConnections()
	w.health.setInitialized(false)
	return nil
}

func (w *Webhook) Status() map[string]any { return w.health.status() }
