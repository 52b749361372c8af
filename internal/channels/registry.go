// Package channels builds the notification transports alerts are fanned out to.
//
// The set of kinds is closed; configuration selects among them by "type".
package channels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"
)

type Kind string

const (
	KindTelegram Kind = "telegram"
	KindWebhook  Kind = "webhook"
	KindDiscord  Kind = "discord"
	KindSlack    Kind = "slack"
	KindTeams    Kind = "teams"
	KindEmail    Kind = "email"
	KindLog      Kind = "log"
)

// Spec is one configured channel entry. Raw holds the full JSON object,
// including type and enabled.
type Spec struct {
	Name    string
	Type    string
	Enabled bool
	Raw     json.RawMessage
}

type factory func(name string, raw json.RawMessage, log logx.Logger) (alert.Channel, error)

var registry = map[Kind]factory{
	KindTelegram: newTelegramFromRaw,
	KindWebhook:  newWebhookFactory(KindWebhook),
	KindDiscord:  newWebhookFactory(KindDiscord),
	KindSlack:    newWebhookFactory(KindSlack),
	KindTeams:    newWebhookFactory(KindTeams),
	KindEmail:    newEmailFromRaw,
	KindLog:      newLogFromRaw,
}

// Kinds lists the supported channel types.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Build constructs every enabled spec. Entries that cannot be built are
// returned as *alert.ConfigurationError and skipped; the rest still build.
func Build(specs []Spec, log logx.Logger) ([]alert.Channel, []error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var out []alert.Channel
	var errs []error
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		ch, err := build(s, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ch)
	}
	return out, errs
}

func build(s Spec, log logx.Logger) (alert.Channel, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s.Type)))
	f, ok := registry[kind]
	if !ok {
		return nil, &alert.ConfigurationError{Kind: "channel", Name: s.Name, Type: s.Type, Err: errors.New("unknown channel type")}
	}
	ch, err := f(s.Name, s.Raw, log.With(logx.String("comp", "channel"), logx.String("channel", s.Name)))
	if err != nil {
		return nil, &alert.ConfigurationError{Kind: "channel", Name: s.Name, Type: s.Type, Err: err}
	}
	return ch, nil
}

// entryBase absorbs the keys every entry carries so strict decoding accepts them.
type entryBase struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("decode: trailing data")
	}
	return nil
}
