package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"alertd/internal/alert"
	"alertd/internal/eventbus"
	"alertd/internal/market"
	rtsup "alertd/internal/runtime/supervisor"
	logx "alertd/pkg/logx"

	"github.com/google/uuid"
)

// DeadLetterFunc receives CRITICAL alerts the engine gave up on.
type DeadLetterFunc func(ctx context.Context, rec alert.Record) error

// Engine accepts alerts, admits them, fans them out to channels and retries
// CRITICAL failures. It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	cfg        Config
	log        logx.Logger
	bus        eventbus.Bus
	deadLetter DeadLetterFunc
	now        func() time.Time
	newID      func() string

	channels     map[string]alert.Channel
	channelOrder []string
	triggers     []alert.Trigger

	adm     *admission
	q       *dispatchQueue
	retries *retryScheduler
	hist    *history

	sup     *rtsup.Supervisor
	running bool

	created     atomic.Uint64
	rateLimited atomic.Uint64
	duplicates  atomic.Uint64
	dropped     atomic.Uint64
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

func WithDeadLetter(fn DeadLetterFunc) Option { return func(e *Engine) { e.deadLetter = fn } }

// WithClock overrides time.Now, used for window tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		channels: map[string]alert.Channel{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.adm = newAdmission(cfg)
	e.q = newDispatchQueue(cfg.QueueSize)
	e.retries = newRetryScheduler()
	e.hist = newHistory(cfg.MaxHistory)
	return e
}

// AddChannel registers a channel under its Name. A later registration with the
// same name replaces the earlier one.
func (e *Engine) AddChannel(ch alert.Channel) {
	if ch == nil {
		return
	}
	name := ch.Name()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.channels[name]; !exists {
		e.channelOrder = append(e.channelOrder, name)
	}
	e.channels[name] = ch
}

func (e *Engine) AddTrigger(t alert.Trigger) {
	if t == nil {
		return
	}
	e.mu.Lock()
	e.triggers = append(e.triggers, t)
	e.mu.Unlock()
}

// Channels returns registered channel names in registration order.
func (e *Engine) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.channelOrder...)
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) channel(name string) (alert.Channel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[name]
	return ch, ok
}

// Apply swaps the policy knobs that can change at runtime. Worker count and
// queue size only take effect on the next Start.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.adm.apply(cfg)
	e.hist.resize(cfg.MaxHistory)
}

// Start initializes channels and launches the worker pool. It is idempotent.
// Channels that fail to initialize are unregistered.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	chs := make([]alert.Channel, 0, len(e.channelOrder))
	for _, name := range e.channelOrder {
		chs = append(chs, e.channels[name])
	}
	e.mu.Unlock()

	var failed []string
	for _, ch := range chs {
		if err := ch.Initialize(ctx); err != nil {
			e.log.Warn("channel initialize failed; disabled", logx.String("channel", ch.Name()), logx.Err(err))
			failed = append(failed, ch.Name())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range failed {
		e.removeChannelLocked(name)
	}
	if e.q.isClosed() {
		e.q = newDispatchQueue(e.cfg.QueueSize)
	}
	e.retries.reopen()

	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	q := e.q
	for i := 0; i < e.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		e.sup.GoRestart(name, func(c context.Context) error {
			return e.workerLoop(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
	e.running = true
	e.log.Info("alert engine started", logx.Int("workers", e.cfg.Workers), logx.Int("channels", len(e.channelOrder)), logx.Int("triggers", len(e.triggers)))
	return nil
}

func (e *Engine) removeChannelLocked(name string) {
	delete(e.channels, name)
	for i, n := range e.channelOrder {
		if n == name {
			e.channelOrder = append(e.channelOrder[:i], e.channelOrder[i+1:]...)
			break
		}
	}
}

// Stop halts intake and stops the workers. In drain mode queued and in-flight
// alerts finish first; otherwise workers are cancelled at once. Pending retries
// and anything left in the queue are recorded as dropped. Channels are cleaned
// up last. A ctx without deadline is bounded by StopTimeout.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	q, sup, cfg := e.q, e.sup, e.cfg
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StopTimeout)
		defer cancel()
	}

	for _, a := range e.retries.stop() {
		e.finish(a, alert.OutcomeDropped, fmt.Errorf("retry cancelled: %w", ErrStopped))
	}
	if !cfg.DrainOnStop {
		sup.Cancel()
	}
	q.close()

	var stopErr error
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		stopErr = fmt.Errorf("stop workers: %w", ctx.Err())
		e.log.Warn("alert workers did not stop in time", logx.Err(ctx.Err()))
	}
	for _, a := range q.drain() {
		e.finish(a, alert.OutcomeDropped, ErrStopped)
	}

	cctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
	}
	for _, name := range e.Channels() {
		ch, ok := e.channel(name)
		if !ok {
			continue
		}
		if err := ch.Cleanup(cctx); err != nil {
			e.log.Warn("channel cleanup failed", logx.String("channel", name), logx.Err(err))
		}
	}
	e.log.Info("alert engine stopped", logx.Bool("drained", cfg.DrainOnStop && stopErr == nil))
	return stopErr
}

// AlertRequest is the input of CreateAlert.
type AlertRequest struct {
	Title    string
	Message  string
	Symbol   string
	Priority alert.Priority // zero means medium
	Channels []string       // nil means default routing
	Metadata map[string]any
}

// CreateAlert resolves target channels, assigns an id and enqueues the alert
// without blocking. Nothing is enqueued when no channel is available.
func (e *Engine) CreateAlert(ctx context.Context, req AlertRequest) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	prio := req.Priority
	if prio == 0 {
		prio = alert.PriorityMedium
	}
	if !prio.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(req.Priority))
	}

	e.mu.Lock()
	targets := e.resolveChannelsLocked(req.Channels, prio)
	q := e.q
	e.mu.Unlock()

	now := e.now()
	a := &alert.Alert{
		ID:        e.newID(),
		Title:     req.Title,
		Message:   req.Message,
		Priority:  prio,
		Symbol:    req.Symbol,
		CreatedAt: now,
		Channels:  targets,
		Metadata:  copyMetadata(req.Metadata),
	}
	if len(targets) == 0 {
		e.publish(EventRejected, a, func(ev *AlertEvent) { ev.Reason = "no_channels" })
		return "", alert.ErrNoChannelsAvailable
	}
	a.Ledger = make(alert.Ledger, len(targets))
	for _, ch := range targets {
		a.Ledger[ch] = alert.StatePending
	}

	// A worker may own a as soon as push returns.
	id, ev := a.ID, eventFor(a)
	if err := q.push(a); err != nil {
		ev.Reason, ev.Error = rejectReason(err), err.Error()
		e.emit(EventRejected, ev)
		e.log.Warn("alert rejected", logx.String("id", id), logx.String("title", req.Title), logx.Err(err))
		return "", err
	}
	e.created.Add(1)
	e.emit(EventQueued, ev)
	e.log.Debug("alert queued", logx.String("id", id), logx.String("priority", prio.String()), logx.Strings("channels", targets))
	return id, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "error"
	}
}

// resolveChannelsLocked: explicit list, else defaults for the priority, else all
// registered. The result keeps order, drops unknown names and duplicates.
func (e *Engine) resolveChannelsLocked(explicit []string, prio alert.Priority) []string {
	want := explicit
	if want == nil {
		want = e.cfg.DefaultChannels[prio]
	}
	if want == nil {
		want = e.channelOrder
	}
	out := make([]string, 0, len(want))
	seen := make(map[string]struct{}, len(want))
	for _, name := range want {
		name = strings.TrimSpace(name)
		if _, ok := e.channels[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CheckTriggers evaluates every trigger against snap and creates alerts for
// those that fire. A failing trigger is logged and does not affect the others;
// the joined failures are returned alongside the ids that were created.
func (e *Engine) CheckTriggers(ctx context.Context, snap market.Snapshot) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	triggers := append([]alert.Trigger(nil), e.triggers...)
	e.mu.Unlock()

	var ids []string
	var errs []error
	for _, t := range triggers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		fields, fired, err := checkRecovered(ctx, t, snap)
		if err != nil {
			e.log.Warn("trigger check failed", logx.String("trigger", t.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.Name(), err))
			continue
		}
		if !fired {
			continue
		}
		id, err := e.CreateAlert(ctx, AlertRequest{
			Title:    fields.Title,
			Message:  fields.Message,
			Symbol:   fields.Symbol,
			Priority: fields.Priority,
			Channels: fields.Channels,
			Metadata: withTrigger(fields.Metadata, t.Name()),
		})
		if err != nil {
			e.log.Warn("trigger alert not created", logx.String("trigger", t.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.Name(), err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func withTrigger(m map[string]any, name string) map[string]any {
	out := copyMetadata(m)
	out["trigger"] = name
	return out
}

func checkRecovered(ctx context.Context, t alert.Trigger, snap market.Snapshot) (f alert.Fields, fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			fired = false
		}
	}()
	return t.Check(ctx, snap)
}

// Suppressed counts alerts dropped at admission.
type Suppressed struct {
	RateLimited uint64 `json:"rate_limited"`
	Duplicate   uint64 `json:"duplicate"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	TotalSent          int                       `json:"total_sent"`
	LastHour           int                       `json:"last_hour"`
	Last24h            int                       `json:"last_24h"`
	Pending            int                       `json:"pending"`
	PendingRetries     int                       `json:"pending_retries"`
	ActiveChannels     int                       `json:"active_channels"`
	ActiveTriggers     int                       `json:"active_triggers"`
	WorkersRunning     bool                      `json:"workers_running"`
	DedupWindowMinutes float64                   `json:"dedup_window_minutes"`
	Created            uint64                    `json:"created"`
	Suppressed         Suppressed                `json:"suppressed"`
	Dropped            uint64                    `json:"dropped"`
	ChannelStatus      map[string]map[string]any `json:"channel_status"`
}

func (e *Engine) Stats() Stats {
	now := e.now()
	c := e.hist.counts(now)

	e.mu.Lock()
	chs := make(map[string]alert.Channel, len(e.channels))
	for k, v := range e.channels {
		chs[k] = v
	}
	st := Stats{
		TotalSent:          c.total,
		LastHour:           c.lastHour,
		Last24h:            c.last24h,
		Pending:            e.q.len(),
		ActiveChannels:     len(e.channels),
		ActiveTriggers:     len(e.triggers),
		WorkersRunning:     e.running && e.sup.Counters().Active > 0,
		DedupWindowMinutes: e.cfg.DedupWindow.Minutes(),
	}
	e.mu.Unlock()

	st.PendingRetries = e.retries.len()
	st.Created = e.created.Load()
	st.Suppressed = Suppressed{RateLimited: e.rateLimited.Load(), Duplicate: e.duplicates.Load()}
	st.Dropped = e.dropped.Load()
	st.ChannelStatus = make(map[string]map[string]any, len(chs))
	for name, ch := range chs {
		st.ChannelStatus[name] = ch.Status()
	}
	return st
}

// History returns terminal records oldest first.
func (e *Engine) History() []alert.Record { return e.hist.snapshot() }

// QueueDepth reports alerts waiting for a worker.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.len()
}

// PendingRetries reports CRITICAL alerts waiting on a retry timer.
func (e *Engine) PendingRetries() int { return e.retries.len() }
