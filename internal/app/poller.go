package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alertd/internal/engine"
	"alertd/internal/market"
	logx "alertd/pkg/logx"
)

// triggerPoller evaluates triggers against a fresh market snapshot on a cron
// schedule. A run that is still in progress when the next tick fires is skipped.
type triggerPoller struct {
	mu     sync.Mutex
	log    logx.Logger
	eng    *engine.Engine
	source market.Source
	parser cron.Parser

	spec    string
	loc     *time.Location
	timeout time.Duration

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	runs    atomic.Uint64
	skipped atomic.Uint64
}

func newTriggerPoller(eng *engine.Engine, src market.Source, spec string, loc *time.Location, log logx.Logger) *triggerPoller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &triggerPoller{
		log:    log,
		eng:    eng,
		source: src,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		spec:    spec,
		loc:     loc,
		timeout: 30 * time.Second,
	}
}

// validate parses spec without scheduling anything.
func (p *triggerPoller) validate(spec string) error {
	if spec == "" {
		return errors.New("empty schedule")
	}
	_, err := p.parser.Parse(spec)
	return err
}

func (p *triggerPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	sched, err := p.parser.Parse(p.spec)
	if err != nil {
		return err
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.c = cron.New(cron.WithParser(p.parser), cron.WithLocation(p.loc))
	p.c.Schedule(sched, cron.FuncJob(p.tick))
	p.c.Start()
	p.log.Info("trigger schedule started", logx.String("spec", p.spec), logx.String("tz", p.loc.String()))
	return nil
}

func (p *triggerPoller) Stop(ctx context.Context) {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("trigger schedule stopped",
		logx.Uint64("runs", p.runs.Load()),
		logx.Uint64("skipped", p.skipped.Load()),
	)
}

func (p *triggerPoller) tick() {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.log.Debug("trigger check still running; tick skipped")
		return
	}
	defer p.running.Store(false)

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = p.RunOnce(ctx)
}

// RunOnce fetches one snapshot and evaluates every trigger against it.
func (p *triggerPoller) RunOnce(ctx context.Context) ([]string, error) {
	p.runs.Add(1)
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap, err := p.source.Snapshot(cctx)
	if err != nil {
		p.log.Warn("market snapshot failed", logx.Err(err))
		return nil, err
	}
	ids, err := p.eng.CheckTriggers(cctx, snap)
	if err != nil {
		p.log.Warn("trigger check reported errors", logx.Err(err))
	}
	p.log.Debug("trigger check done",
		logx.Int("symbols", len(snap)),
		logx.Int("fired", len(ids)),
		logx.Duration("took", time.Since(start)),
	)
	return ids, err
}
