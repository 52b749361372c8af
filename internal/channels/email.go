package channels

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"

	"golang.org/x/time/rate"
)

type EmailConfig struct {
	entryBase
	Host          string   `json:"smtp_host"`
	Port          int      `json:"smtp_port,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	From          string   `json:"from,omitempty"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	StartTLS      *bool    `json:"starttls,omitempty"` // default true when the server offers it
}

// Email sends one message per alert to every recipient over SMTP.
type Email struct {
	name    string
	cfg     EmailConfig
	log     logx.Logger
	limiter *rate.Limiter
	health  health
}

func newEmailFromRaw(name string, raw json.RawMessage, log logx.Logger) (alert.Channel, error) {
	var cfg EmailConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewEmail(name, cfg, log)
}

func NewEmail(name string, cfg EmailConfig, log logx.Logger) (*Email, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp_host is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("from (or username) is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "[alertd]"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Email{
		name:    name,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		health:  health{kind: KindEmail},
	}, nil
}

func (e *Email) Name() string { return e.name }

func (e *Email) Initialize(ctx context.Context) error {
	e.health.setInitialized(true)
	return nil
}

func (e *Email) Send(ctx context.Context, a *alert.Alert) error {
	err := e.send(ctx, a)
	e.health.record(err)
	return err
}

func (e *Email) send(ctx context.Context, a *alert.Alert) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	useTLS := e.cfg.StartTLS == nil || *e.cfg.StartTLS
	if ok, _ := c.Extension("STARTTLS"); ok && useTLS {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range e.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(e.buildMessage(a)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return c.Quit()
}

func (e *Email) buildMessage(a *alert.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s %s %s\r\n", e.cfg.SubjectPrefix, priorityLabel(a.Priority), a.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", a.CreatedAt.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(formatText(a), "\n", "\r\n"))
	fmt.Fprintf(&b, "\r\n\r\nalert id: %s\r\n", a.ID)
	return []byte(b.String())
}

func (e *Email) Cleanup(ctx context.Context) error {
	e.health.setInitialized(false)
	return nil
}

func (e *Email) Status() map[string]any {
	st := e.health.status()
	st["recipients"] = len(e.cfg.To)
	return st
}
