package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"alertd/internal/alert"
	"alertd/internal/eventbus"
	"alertd/internal/market"
)

type fakeChannel struct {
	name string

	mu         sync.Mutex
	sends      int
	sentAt     []time.Time
	failFirst  int
	failAlways bool
	panicSend  bool
	waitCtx    bool
	cleaned    bool
	initErr    error
}

func newFake(name string) *fakeChannel { return &fakeChannel{name: name} }

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeChannel) Send(ctx context.Context, a *alert.Alert) error {
	f.mu.Lock()
	f.sends++
	n := f.sends
	f.sentAt = append(f.sentAt, time.Now())
	panicSend, waitCtx := f.panicSend, f.waitCtx
	fail := f.failAlways || n <= f.failFirst
	f.mu.Unlock()

	if panicSend {
		panic("send exploded")
	}
	if waitCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return fmt.Errorf("%s unavailable (attempt %d)", f.name, n)
	}
	return nil
}

func (f *fakeChannel) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	f.cleaned = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Status() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"type": "fake", "sent": f.sends}
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeChannel) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sentAt...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBase = 10 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	return cfg
}

func startEngine(t *testing.T, cfg Config, chs ...alert.Channel) *Engine {
	t.Helper()
	e := New(cfg)
	for _, ch := range chs {
		e.AddChannel(ch)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func historyLen(e *Engine) func() bool {
	return func() bool { return len(e.History()) > 0 }
}

func TestCreateAlertIDsAreUnique(t *testing.T) {
	t.Parallel()
	const n = 10000
	cfg := testConfig()
	cfg.QueueSize = n
	e := New(cfg)
	e.AddChannel(newFake("log"))

	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = e.CreateAlert(context.Background(), AlertRequest{Title: "t", Message: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("CreateAlert %d: %v", i, errs[i])
		}
		seen[id] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("unique ids = %d, want %d", len(seen), n)
	}
	if got := e.QueueDepth(); got != n {
		t.Fatalf("QueueDepth() = %d, want %d", got, n)
	}
}

func TestCreateAlertWithoutChannels(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "x"}); !errors.Is(err, alert.ErrNoChannelsAvailable) {
		t.Fatalf("err = %v, want ErrNoChannelsAvailable", err)
	}

	e.AddChannel(newFake("telegram"))
	_, err := e.CreateAlert(context.Background(), AlertRequest{Title: "x", Channels: []string{"pager"}})
	if !errors.Is(err, alert.ErrNoChannelsAvailable) {
		t.Fatalf("err = %v, want ErrNoChannelsAvailable for unknown explicit channels", err)
	}
	if got := e.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", got)
	}
}

func TestChannelResolution(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DefaultChannels = map[alert.Priority][]string{
		alert.PriorityCritical: {"telegram", "email", "telegram", "missing"},
	}
	e := New(cfg)
	for _, n := range []string{"telegram", "email", "slack"} {
		e.AddChannel(newFake(n))
	}

	cases := []struct {
		name     string
		prio     alert.Priority
		explicit []string
		want     string
	}{
		{"defaults for priority", alert.PriorityCritical, nil, "telegram,email"},
		{"all channels without defaults", alert.PriorityLow, nil, "telegram,email,slack"},
		{"explicit wins", alert.PriorityCritical, []string{"slack"}, "slack"},
	}
	for _, tc := range cases {
		e.mu.Lock()
		got := strings.Join(e.resolveChannelsLocked(tc.explicit, tc.prio), ",")
		e.mu.Unlock()
		if got != tc.want {
			t.Fatalf("%s: channels = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestQueueFullRejects(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	e := New(cfg)
	e.AddChannel(newFake("log"))

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "a"}); err != nil {
		t.Fatalf("first CreateAlert: %v", err)
	}
	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second CreateAlert err = %v, want ErrQueueFull", err)
	}
}

func TestDuplicateSuppressedWithinWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = 100 * time.Millisecond
	ch := newFake("telegram")
	e := startEngine(t, cfg, ch)

	req := AlertRequest{Title: "BTC up", Message: "5%", Symbol: "BTC"}
	for i := 0; i < 2; i++ {
		if _, err := e.CreateAlert(context.Background(), req); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		st := e.Stats()
		return st.TotalSent+int(st.Suppressed.Duplicate) == 2
	})
	if got := ch.sendCount(); got != 1 {
		t.Fatalf("sends within window = %d, want 1", got)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := e.CreateAlert(context.Background(), req); err != nil {
		t.Fatalf("CreateAlert after window: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ch.sendCount() == 2 })
	if got := e.Stats().Suppressed.Duplicate; got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}
}

func TestShiftedFieldsAreNotDuplicates(t *testing.T) {
	t.Parallel()
	ch := newFake("telegram")
	e := startEngine(t, testConfig(), ch)

	reqs := []AlertRequest{
		{Symbol: "BTC", Title: "USDT up", Message: "5%"},
		{Symbol: "BTCUSDT", Title: " up", Message: "5%"},
	}
	for _, req := range reqs {
		if _, err := e.CreateAlert(context.Background(), req); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return e.Stats().TotalSent == 2 })
	if got := ch.sendCount(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	if got := e.Stats().Suppressed.Duplicate; got != 0 {
		t.Fatalf("duplicates = %d, want 0", got)
	}
}

func TestRateLimitPerMinute(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimits = map[string]map[alert.Priority]RateLimit{
		"telegram": {alert.PriorityMedium: {MaxPerHour: 100, MaxPerMinute: 2}},
	}
	ch := newFake("telegram")
	e := startEngine(t, cfg, ch)

	for i := 0; i < 3; i++ {
		if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "signal", Message: fmt.Sprint(i)}); err != nil {
			t.Fatalf("CreateAlert %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		st := e.Stats()
		return st.TotalSent+int(st.Suppressed.RateLimited) == 3
	})
	if got := ch.sendCount(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	if got := e.Stats().Suppressed.RateLimited; got != 1 {
		t.Fatalf("rate limited = %d, want 1", got)
	}
}

func TestCriticalRetrySucceeds(t *testing.T) {
	t.Parallel()
	ch := newFake("telegram")
	ch.failFirst = 2
	e := startEngine(t, testConfig(), ch)

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "halt", Priority: alert.PriorityCritical}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 3*time.Second, historyLen(e))

	rec := e.History()[0]
	if rec.Outcome != alert.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered (err %q)", rec.Outcome, rec.Error)
	}
	if rec.Alert.Ledger["telegram"] != alert.StateDelivered {
		t.Fatalf("ledger = %v", rec.Alert.Ledger)
	}
	if rec.Alert.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", rec.Alert.RetryCount)
	}
	ts := ch.times()
	if len(ts) != 3 {
		t.Fatalf("sends = %d, want 3", len(ts))
	}
	if d := ts[1].Sub(ts[0]); d < 20*time.Millisecond {
		t.Fatalf("first retry after %s, want >= 20ms", d)
	}
	if d := ts[2].Sub(ts[1]); d < 40*time.Millisecond {
		t.Fatalf("second retry after %s, want >= 40ms", d)
	}
}

func TestCriticalRetryExhausted(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryBase = 2 * time.Millisecond
	ch := newFake("telegram")
	ch.failAlways = true

	var mu sync.Mutex
	var letters []alert.Record
	e := New(cfg, WithDeadLetter(func(ctx context.Context, rec alert.Record) error {
		mu.Lock()
		letters = append(letters, rec)
		mu.Unlock()
		return nil
	}))
	e.AddChannel(ch)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "halt", Priority: alert.PriorityCritical}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 3*time.Second, historyLen(e))

	rec := e.History()[0]
	if rec.Outcome != alert.OutcomeDropped {
		t.Fatalf("outcome = %s, want dropped", rec.Outcome)
	}
	if !strings.Contains(rec.Error, alert.ErrRetryExhausted.Error()) {
		t.Fatalf("record error = %q", rec.Error)
	}
	if got := ch.sendCount(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if got := e.Stats().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(letters) != 1 || letters[0].Alert.ID != rec.Alert.ID {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestConcurrentRetriesKeepEventsConsistent(t *testing.T) {
	t.Parallel()
	const n = 50
	cfg := testConfig()
	cfg.Workers = 4
	cfg.RetryBase = time.Nanosecond
	ch := newFake("pager")
	ch.failAlways = true

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16 * n)
	t.Cleanup(unsub)

	e := New(cfg, WithBus(bus))
	e.AddChannel(ch)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	for i := 0; i < n; i++ {
		req := AlertRequest{Title: "halt", Message: fmt.Sprintf("venue %d", i), Priority: alert.PriorityCritical}
		if _, err := e.CreateAlert(context.Background(), req); err != nil {
			t.Fatalf("CreateAlert %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return len(e.History()) == n })

	if got := ch.sendCount(); got != n*(cfg.RetryMax+1) {
		t.Fatalf("sends = %d, want %d", got, n*(cfg.RetryMax+1))
	}
	counts := map[string]int{}
	deadline := time.After(3 * time.Second)
	for counts[EventCompleted] < n || counts[EventQueued] < n || counts[EventRetryScheduled] < n*cfg.RetryMax {
		var ev eventbus.Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatalf("event counts = %v", counts)
		}
		counts[ev.Type]++
		ae := ev.Data.(AlertEvent)
		switch ev.Type {
		case EventQueued:
			if ae.RetryCount != 0 {
				t.Fatalf("queued event retry_count = %d, want 0", ae.RetryCount)
			}
		case EventRetryScheduled:
			if ae.RetryCount < 1 || ae.RetryCount > cfg.RetryMax {
				t.Fatalf("retry event retry_count = %d", ae.RetryCount)
			}
		}
	}
	for _, rec := range e.History() {
		if rec.Outcome != alert.OutcomeDropped || rec.Alert.RetryCount != cfg.RetryMax {
			t.Fatalf("record %s: outcome=%s retries=%d", rec.Alert.ID, rec.Outcome, rec.Alert.RetryCount)
		}
	}
}

func TestNonCriticalFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	bad := newFake("email")
	bad.failAlways = true
	good := newFake("telegram")
	e := startEngine(t, testConfig(), good, bad)

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "fyi", Priority: alert.PriorityHigh}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 2*time.Second, historyLen(e))
	time.Sleep(50 * time.Millisecond)

	rec := e.History()[0]
	if rec.Outcome != alert.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", rec.Outcome)
	}
	if got := bad.sendCount(); got != 1 {
		t.Fatalf("failed channel attempts = %d, want 1", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxHistory = 5
	ch := newFake("log")
	e := startEngine(t, cfg, ch)

	for i := 0; i < 20; i++ {
		if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "n", Message: fmt.Sprint(i)}); err != nil {
			t.Fatalf("CreateAlert %d: %v", i, err)
		}
		if got := len(e.History()); got > 5 {
			t.Fatalf("history length %d exceeds bound", got)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return ch.sendCount() == 20 })
	waitFor(t, time.Second, func() bool { return e.QueueDepth() == 0 })
	if got := len(e.History()); got != 5 {
		t.Fatalf("history length = %d, want 5", got)
	}
	if got := e.Stats().TotalSent; got != 5 {
		t.Fatalf("TotalSent = %d, want 5", got)
	}
}

func TestPanickingChannelDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 1
	boom := newFake("boom")
	boom.panicSend = true
	ok := newFake("log")
	e := startEngine(t, cfg, boom, ok)

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "a", Channels: []string{"boom"}}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "b", Channels: []string{"log"}}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(e.History()) == 2 })

	outcomes := map[string]alert.Outcome{}
	for _, r := range e.History() {
		outcomes[r.Alert.Title] = r.Outcome
	}
	if outcomes["a"] != alert.OutcomeFailed || outcomes["b"] != alert.OutcomeDelivered {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

func TestStopDrainsQueuedAlerts(t *testing.T) {
	t.Parallel()
	ch := newFake("log")
	e := New(testConfig())
	e.AddChannel(ch)
	for i := 0; i < 10; i++ {
		if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "q", Message: fmt.Sprint(i)}); err != nil {
			t.Fatalf("CreateAlert before Start: %v", err)
		}
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ch.sendCount(); got != 10 {
		t.Fatalf("sends = %d, want 10", got)
	}
	ch.mu.Lock()
	cleaned := ch.cleaned
	ch.mu.Unlock()
	if !cleaned {
		t.Fatal("expected channel cleanup on stop")
	}
	if st := e.Stats(); st.WorkersRunning || st.Pending != 0 {
		t.Fatalf("stats after stop = %+v", st)
	}
	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("CreateAlert after Stop err = %v, want ErrStopped", err)
	}
}

func TestStopCancelsPendingRetries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	ch := newFake("telegram")
	ch.failAlways = true
	e := New(cfg)
	e.AddChannel(ch)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "halt", Priority: alert.PriorityCritical}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Stats().PendingRetries == 1 })

	start := time.Now()
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %s", d)
	}
	st := e.Stats()
	if st.PendingRetries != 0 || st.Dropped != 1 {
		t.Fatalf("stats after stop = %+v", st)
	}
	if h := e.History(); len(h) != 1 || h[0].Outcome != alert.OutcomeDropped {
		t.Fatalf("history = %+v", h)
	}
}

func TestStopWithoutDrainIsBounded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DrainOnStop = false
	cfg.Workers = 1
	ch := newFake("slow")
	ch.waitCtx = true
	e := New(cfg)
	e.AddChannel(ch)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.CreateAlert(context.Background(), AlertRequest{Title: "s", Message: fmt.Sprint(i)}); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return ch.sendCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %s", d)
	}
	// Every alert reaches a terminal record: one failed in flight, the rest dropped.
	if got := len(e.History()); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
	if got := e.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	ch := newFake("log")
	e := New(testConfig())
	e.AddChannel(ch)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(ctx) })
	if _, err := e.CreateAlert(ctx, AlertRequest{Title: "again"}); err != nil {
		t.Fatalf("CreateAlert after restart: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ch.sendCount() == 1 })
}

func TestInitializeFailureDisablesChannel(t *testing.T) {
	t.Parallel()
	bad := newFake("email")
	bad.initErr = errors.New("smtp refused")
	e := startEngine(t, testConfig(), newFake("telegram"), bad)
	if got := e.Channels(); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("Channels() = %v, want [telegram]", got)
	}
}

// Price Spike: CRITICAL to telegram and email, telegram fails once.
func TestPriceSpikeScenario(t *testing.T) {
	t.Parallel()
	tg := newFake("telegram")
	tg.failFirst = 1
	email := newFake("email")
	e := startEngine(t, testConfig(), tg, email)

	id, err := e.CreateAlert(context.Background(), AlertRequest{
		Title:    "Price Spike",
		Message:  "BTC +12% in 5m",
		Symbol:   "BTCUSDT",
		Priority: alert.PriorityCritical,
		Channels: []string{"telegram", "email"},
	})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	waitFor(t, 3*time.Second, historyLen(e))

	if got := tg.sendCount(); got != 2 {
		t.Fatalf("telegram sends = %d, want 2", got)
	}
	if got := email.sendCount(); got != 1 {
		t.Fatalf("email sends = %d, want 1", got)
	}
	st := e.Stats()
	if st.TotalSent != 1 {
		t.Fatalf("TotalSent = %d, want 1", st.TotalSent)
	}
	rec := e.History()[0]
	if rec.Alert.ID != id || !rec.Alert.Ledger.AllDelivered() {
		t.Fatalf("record = %+v", rec)
	}
}

type fakeTrigger struct {
	name   string
	fields alert.Fields
	fire   bool
	err    error
	panics bool
}

func (f fakeTrigger) Name() string { return f.name }

func (f fakeTrigger) Check(ctx context.Context, snap market.Snapshot) (alert.Fields, bool, error) {
	if f.panics {
		panic("bad trigger")
	}
	return f.fields, f.fire, f.err
}

func TestCheckTriggersIsolatesFailures(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	e.AddChannel(newFake("log"))
	e.AddTrigger(fakeTrigger{name: "broken", err: errors.New("no price")})
	e.AddTrigger(fakeTrigger{name: "panicky", panics: true})
	e.AddTrigger(fakeTrigger{name: "quiet"})
	e.AddTrigger(fakeTrigger{name: "btc_above", fire: true, fields: alert.Fields{Title: "BTC above 70k", Symbol: "BTC", Priority: alert.PriorityHigh}})

	ids, err := e.CheckTriggers(context.Background(), market.Snapshot{"BTC": {Price: 71000}})
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one alert", ids)
	}
	if err == nil || !strings.Contains(err.Error(), "broken") || !strings.Contains(err.Error(), "panicky") {
		t.Fatalf("err = %v, want both failing triggers reported", err)
	}
	if got := e.Stats().ActiveTriggers; got != 4 {
		t.Fatalf("ActiveTriggers = %d, want 4", got)
	}
}
