package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	entryBase
	Token          string  `json:"token"`
	ChatID         int64   `json:"chat_id"`
	ThreadID       int     `json:"thread_id,omitempty"`
	ParseMode      string  `json:"parse_mode,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	APIURL         string  `json:"api_url,omitempty"` // override for self-hosted Bot API servers
}

// Telegram posts alerts to one chat (optionally a forum thread) via the Bot API.
type Telegram struct {
	name    string
	cfg     TelegramConfig
	log     logx.Logger
	limiter *rate.Limiter
	health  health

	mu  sync.Mutex
	bot *tele.Bot
}

func newTelegramFromRaw(name string, raw json.RawMessage, log logx.Logger) (alert.Channel, error) {
	var cfg TelegramConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewTelegram(name, cfg, log)
}

func NewTelegram(name string, cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		name:    name,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		health:  health{kind: KindTelegram},
	}, nil
}

func (t *Telegram) Name() string { return t.name }

// Initialize creates the bot client, which verifies the token with getMe.
func (t *Telegram) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    t.cfg.APIURL,
		Token:  t.cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return err
	}
	t.bot = b
	t.health.setInitialized(true)
	t.log.Info("telegram channel ready", logx.Int64("chat_id", t.cfg.ChatID))
	return nil
}

func (t *Telegram) Send(ctx context.Context, a *alert.Alert) error {
	t.mu.Lock()
	b := t.bot
	t.mu.Unlock()
	if b == nil {
		err := errors.New("telegram channel not initialized")
		t.health.record(err)
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		t.health.record(err)
		return err
	}
	_, err := b.Send(&tele.Chat{ID: t.cfg.ChatID}, formatText(a), &tele.SendOptions{
		ParseMode:             tele.ParseMode(t.cfg.ParseMode),
		DisableWebPagePreview: t.cfg.DisablePreview,
		ThreadID:              t.cfg.ThreadID,
	})
	t.health.record(err)
	return err
}

func (t *Telegram) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	t.bot = nil
	t.mu.Unlock()
	t.health.setInitialized(false)
	return nil
}

func (t *Telegram) Status() map[string]any {
	st := t.health.status()
	st["chat_id"] = t.cfg.ChatID
	return st
}
