// Package triggers turns market snapshots into alert requests.
package triggers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"alertd/internal/alert"
	"alertd/internal/market"
)

type Kind string

const (
	KindPrice  Kind = "price"
	KindChange Kind = "change"
	KindSignal Kind = "signal"
	KindRisk   Kind = "risk"
)

// Spec is one configured trigger entry; Raw is the full JSON object.
type Spec struct {
	Name    string
	Type    string
	Enabled bool
	Raw     json.RawMessage
}

// Common holds the fields every trigger accepts.
type Common struct {
	Type     string   `json:"type"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Symbol   string   `json:"symbol"`
	Priority string   `json:"priority,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

type base struct {
	name     string
	symbol   string
	priority alert.Priority
	channels []string
}

func newBase(name string, c Common, def alert.Priority) (base, error) {
	sym := strings.TrimSpace(c.Symbol)
	if sym == "" {
		return base{}, errors.New("symbol is required")
	}
	p := def
	if strings.TrimSpace(c.Priority) != "" {
		v, err := alert.ParsePriority(c.Priority)
		if err != nil {
			return base{}, err
		}
		p = v
	}
	var chs []string
	if c.Channels != nil {
		chs = append([]string{}, c.Channels...)
	}
	return base{name: name, symbol: sym, priority: p, channels: chs}, nil
}

func (b base) Name() string { return b.name }

// quote returns the symbol's quote, or ok=false when the snapshot lacks it.
// A present but non-finite quote is an error.
func (b base) quote(snap market.Snapshot) (market.Quote, bool, error) {
	q, ok := snap[b.symbol]
	if !ok {
		return market.Quote{}, false, nil
	}
	if !q.Valid() {
		return market.Quote{}, false, fmt.Errorf("%s: malformed quote (non-finite values)", b.symbol)
	}
	return q, true, nil
}

func (b base) fields(title, msg string, meta map[string]any) alert.Fields {
	return alert.Fields{
		Title:    title,
		Message:  msg,
		Symbol:   b.symbol,
		Priority: b.priority,
		Channels: b.channels,
		Metadata: meta,
	}
}

type factory func(name string, raw json.RawMessage) (alert.Trigger, error)

var registry = map[Kind]factory{
	KindPrice:  newPriceFromRaw,
	KindChange: newChangeFromRaw,
	KindSignal: newSignalFromRaw,
	KindRisk:   newRiskFromRaw,
}

// Build constructs every enabled spec; failures come back as
// *alert.ConfigurationError and are skipped.
func Build(specs []Spec) ([]alert.Trigger, []error) {
	var out []alert.Trigger
	var errs []error
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(s.Type)))
		f, ok := registry[kind]
		if !ok {
			errs = append(errs, &alert.ConfigurationError{Kind: "trigger", Name: s.Name, Type: s.Type, Err: errors.New("unknown trigger type")})
			continue
		}
		t, err := f(s.Name, s.Raw)
		if err != nil {
			errs = append(errs, &alert.ConfigurationError{Kind: "trigger", Name: s.Name, Type: s.Type, Err: err})
			continue
		}
		out = append(out, t)
	}
	return out, errs
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
