package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertd/internal/alert"
	"alertd/internal/channels"
	"alertd/internal/config"
	"alertd/internal/engine"
	"alertd/internal/eventbus"
	"alertd/internal/metrics"
	rtsup "alertd/internal/runtime/supervisor"
	"alertd/internal/storage"
	"alertd/internal/triggers"
	logx "alertd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	eng     *engine.Engine
	poller  *triggerPoller
	metrics *metrics.Collectors
	msrv    *metrics.Server
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	return build(cfgm, cfg, logSvc, log)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, root logx.Logger) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	opts := []engine.Option{
		engine.WithLogger(root.With(logx.String("comp", "engine"))),
		engine.WithBus(bus),
	}
	if cfg.Alerts.DeadLetter {
		if store == nil {
			log.Warn("alerts.dead_letter is set but storage is disabled; dead letters will not be kept")
		} else {
			opts = append(opts, engine.WithDeadLetter(deadLetterSink(store)))
		}
	}
	eng := engine.New(engCfg, opts...)

	chs, errs := channels.Build(channelSpecs(cfg), root.With(logx.String("comp", "channels")))
	logBuildErrors(log, "channel", errs)
	for _, ch := range chs {
		eng.AddChannel(ch)
	}
	trs, errs := triggers.Build(triggerSpecs(cfg))
	logBuildErrors(log, "trigger", errs)
	for _, t := range trs {
		eng.AddTrigger(t)
	}

	var poller *triggerPoller
	src, err := buildSource(cfg, root.With(logx.String("comp", "market")))
	if err != nil {
		closeStore(store)
		return nil, err
	}
	if src != nil {
		spec, loc, err := marketSchedule(cfg)
		if err != nil {
			closeStore(store)
			return nil, err
		}
		poller = newTriggerPoller(eng, src, spec, loc, root.With(logx.String("comp", "poller")))
		if err := poller.validate(spec); err != nil {
			closeStore(store)
			return nil, fmt.Errorf("market.schedule: %w", err)
		}
	}

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	col := metrics.New(metrics.Gauges{
		QueueDepth:   func() float64 { return float64(eng.QueueDepth()) },
		PendingRetry: func() float64 { return float64(eng.PendingRetries()) },
		BusDropped: func() float64 {
			if c, ok := bus.(eventbus.Counter); ok {
				return float64(c.Dropped())
			}
			return 0
		},
	})
	msrv := metrics.NewServer(mcfg, col, root.With(logx.String("comp", "metrics")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		eng:     eng,
		poller:  poller,
		metrics: col,
		msrv:    msrv,
	}, nil
}

func deadLetterSink(store storage.Store) engine.DeadLetterFunc {
	return func(ctx context.Context, rec alert.Record) error {
		return store.AppendDeadLetter(ctx, storage.FromRecord(rec))
	}
}

func logBuildErrors(log logx.Logger, kind string, errs []error) {
	for _, err := range errs {
		var ce *alert.ConfigurationError
		if errors.As(err, &ce) {
			log.Warn(kind+" skipped", logx.String("name", ce.Name), logx.String("type", ce.Type), logx.Err(ce.Err))
			continue
		}
		log.Warn(kind+" skipped", logx.Err(err))
	}
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Engine exposes the dispatch engine for in-process producers.
func (a *App) Engine() *engine.Engine { return a.eng }

// Store returns the dead-letter store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// CheckNow runs one trigger evaluation outside the schedule.
func (a *App) CheckNow(ctx context.Context) ([]string, error) {
	if a.poller == nil {
		return nil, errors.New("no market source configured")
	}
	return a.poller.RunOnce(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapEngineConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapMetricsConfig(cfg); err != nil {
				return err
			}
			_, _, err := marketSchedule(cfg)
			return err
		})
	}

	// Drain must still work after a signal cancels ctx; Stop bounds it.
	if err := a.eng.Start(context.WithoutCancel(run)); err != nil {
		return err
	}

	a.sup.Go0("metrics.consume", func(c context.Context) {
		_ = a.metrics.Consume(c, a.bus, a.log)
	})
	a.msrv.Start(run)

	if a.poller != nil {
		if err := a.poller.Start(run); err != nil {
			return fmt.Errorf("market.schedule: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				ae, _ := e.Data.(engine.AlertEvent)
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("alert_id", ae.AlertID),
					logx.String("channel", ae.Channel),
					logx.String("reason", ae.Reason),
				)
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					newCfg = coalesce(sub, newCfg)
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.Strings("channels", a.eng.Channels()),
		logx.Bool("poller", a.poller != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// coalesce drains queued updates and keeps the newest.
func coalesce(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok || newer == nil {
				return cur
			}
			cur = newer
		default:
			return cur
		}
	}
}

// applyConfig hot-applies what the running components can change in place.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, entries := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(entries) > 0 {
		a.log.Debug("entry changes detected", logx.Strings("entries", entries))
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	engCfg, err := mapEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.eng.Apply(engCfg)
	}

	restart := config.RestartRequired(sections)
	if oldCfg != nil && (oldCfg.Alerts.Workers != newCfg.Alerts.Workers || oldCfg.Alerts.QueueSize != newCfg.Alerts.QueueSize) {
		restart = append(restart, "alerts.alert_workers/queue_size")
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop producers first so draining workers see no new alerts.
	step(a.log, ctx, "poller", 2*time.Second, func(c context.Context) error {
		if a.poller != nil {
			a.poller.Stop(c)
		}
		return nil
	})
	stopErr := step(a.log, ctx, "engine", a.engineStopBudget(), a.eng.Stop)

	a.sup.Cancel()
	step(a.log, ctx, "metrics", 2*time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	step(a.log, ctx, "storage", time.Second, func(context.Context) error { return a.storeClose() })
	step(a.log, ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	st := a.eng.Stats()
	a.log.Info("stopped",
		logx.Int("total_sent", st.TotalSent),
		logx.Uint64("dropped", st.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return stopErr
}

func (a *App) storeClose() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// engineStopBudget leaves room for channel cleanup after the drain.
func (a *App) engineStopBudget() time.Duration {
	cfg, err := mapEngineConfig(a.currentConfig())
	if err != nil {
		return 12 * time.Second
	}
	return cfg.StopTimeout + 2*time.Second
}

func (a *App) currentConfig() *config.Config {
	if a.cfgm != nil {
		if c := a.cfgm.Get(); c != nil {
			return c
		}
	}
	return &config.Config{}
}

// step runs one shutdown step with an upper bound so a single component can't
// stall the whole stop. It never extends the caller's deadline.
func step(log logx.Logger, ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		return stepCtx.Err()
	}
}
