package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "alertd/pkg/logx"

	"github.com/coinpaprika/coinpaprika-api-go-client/v2/coinpaprika"
)

const quoteCurrency = "USD"

type tickerGetter interface {
	GetByID(coinID string, options *coinpaprika.TickersOptions) (*coinpaprika.Ticker, error)
}

// PaprikaConfig selects coins to poll and the symbols they are published under.
type PaprikaConfig struct {
	APIKey  string
	Coins   []string          // coinpaprika ids, e.g. btc-bitcoin
	Symbols map[string]string // coin id -> snapshot symbol; default is the ticker symbol
}

// Paprika builds snapshots from the coinpaprika tickers API.
type Paprika struct {
	cfg     PaprikaConfig
	tickers tickerGetter
	log     logx.Logger
	now     func() time.Time
}

func NewPaprika(cfg PaprikaConfig, log logx.Logger) *Paprika {
	var client *coinpaprika.Client
	if strings.TrimSpace(cfg.APIKey) != "" {
		client = coinpaprika.NewClient(nil, coinpaprika.WithAPIKey(cfg.APIKey))
	} else {
		client = coinpaprika.NewClient(nil)
	}
	return newPaprika(cfg, &client.Tickers, log)
}

func newPaprika(cfg PaprikaConfig, tg tickerGetter, log logx.Logger) *Paprika {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Paprika{cfg: cfg, tickers: tg, log: log, now: time.Now}
}

// Snapshot fetches every configured coin. Coins that fail are logged and
// omitted; an error is returned only when nothing could be fetched.
func (p *Paprika) Snapshot(ctx context.Context) (Snapshot, error) {
	if len(p.cfg.Coins) == 0 {
		return Snapshot{}, nil
	}
	out := make(Snapshot, len(p.cfg.Coins))
	var errs []error
	for _, id := range p.cfg.Coins {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sym, q, err := p.fetch(id)
		if err != nil {
			p.log.Warn("ticker fetch failed", logx.String("coin", id), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		out[sym] = q
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (p *Paprika) fetch(id string) (string, Quote, error) {
	t, err := p.tickers.GetByID(id, &coinpaprika.TickersOptions{Quotes: quoteCurrency})
	if err != nil {
		return "", Quote{}, fmt.Errorf("%s: %w", id, err)
	}
	if t == nil {
		return "", Quote{}, fmt.Errorf("%s: empty ticker", id)
	}
	usd, ok := t.Quotes[quoteCurrency]
	if !ok || usd.Price == nil {
		return "", Quote{}, fmt.Errorf("%s: no %s quote", id, quoteCurrency)
	}

	sym := p.cfg.Symbols[id]
	if sym == "" && t.Symbol != nil {
		sym = *t.Symbol
	}
	if sym == "" {
		sym = id
	}

	q := Quote{Price: *usd.Price, UpdatedAt: p.now()}
	if usd.PercentChange24h != nil {
		q.Change24h = *usd.PercentChange24h
	}
	if usd.Volume24h != nil {
		q.Volume24h = *usd.Volume24h
	}
	return sym, q, nil
}
