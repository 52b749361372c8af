package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"alertd/internal/alert"
	logx "alertd/pkg/logx"
)

// workerLoop drains q until it is closed or ctx is cancelled.
func (e *Engine) workerLoop(ctx context.Context, q *dispatchQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-q.ch:
			if !ok {
				return nil
			}
			e.process(ctx, a)
		}
	}
}

// process runs admission, fanout and the retry decision for one alert. A
// failure here never escapes to the worker loop.
func (e *Engine) process(ctx context.Context, a *alert.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("alert processing panicked", logx.String("id", a.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			e.finish(a, alert.OutcomeFailed, fmt.Errorf("panic: %v", r))
		}
	}()

	// Retries were admitted on their first pass.
	if a.RetryCount == 0 {
		if err := e.adm.admit(a, e.now()); err != nil {
			e.suppressed(a, err)
			return
		}
	}

	cfg := e.config()
	e.fanout(ctx, a, cfg.SendTimeout)

	switch {
	case a.Ledger.AllDelivered():
		e.finish(a, alert.OutcomeDelivered, nil)
	case a.Priority == alert.PriorityCritical:
		e.retryOrDrop(a, cfg)
	case a.Ledger.Delivered() > 0:
		e.finish(a, alert.OutcomePartial, nil)
	default:
		e.finish(a, alert.OutcomeFailed, nil)
	}
}

func (e *Engine) suppressed(a *alert.Alert, err error) {
	var rej *alert.AdmissionRejected
	reason := "unknown"
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	switch reason {
	case alert.ReasonRateLimited:
		e.rateLimited.Add(1)
	case alert.ReasonDuplicate:
		e.duplicates.Add(1)
	}
	e.publish(EventSuppressed, a, func(ev *AlertEvent) {
		ev.Reason = reason
		if rej != nil {
			ev.Channel = rej.Channel
		}
	})
	e.log.Debug("alert suppressed", logx.String("id", a.ID), logx.String("reason", reason), logx.Err(err))
}

type sendResult struct {
	channel string
	err     error
}

// fanout sends to every channel not yet delivered, concurrently, and records
// each outcome in the ledger once all sends return.
func (e *Engine) fanout(ctx context.Context, a *alert.Alert, timeout time.Duration) {
	targets := a.Undelivered()
	results := make([]sendResult, len(targets))

	var wg sync.WaitGroup
	for i, name := range targets {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = sendResult{channel: name, err: e.sendOne(ctx, a, name, timeout)}
		}(i, name)
	}
	wg.Wait()

	for _, r := range results {
		if r.err == nil {
			a.Ledger[r.channel] = alert.StateDelivered
			e.log.Info("alert delivered", logx.String("id", a.ID), logx.String("channel", r.channel), logx.Int("retry", a.RetryCount))
		} else {
			a.Ledger[r.channel] = alert.StateFailed
			e.log.Warn("alert delivery failed", logx.String("id", a.ID), logx.String("channel", r.channel), logx.Int("retry", a.RetryCount), logx.Err(r.err))
		}
		res := r
		e.publish(EventDelivery, a, func(ev *AlertEvent) {
			ev.Channel = res.channel
			if res.err != nil {
				ev.Error = res.err.Error()
			}
		})
	}
}

func (e *Engine) sendOne(ctx context.Context, a *alert.Alert, name string, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("channel send panicked", logx.String("channel", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &alert.DeliveryError{Channel: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ch, ok := e.channel(name)
	if !ok {
		return &alert.DeliveryError{Channel: name, Err: errors.New("channel not registered")}
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ch.Send(sctx, a); err != nil {
		var de *alert.DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &alert.DeliveryError{Channel: name, Err: err}
	}
	return nil
}

// retryOrDrop reschedules a CRITICAL alert with failed channels, or drops it
// once RetryMax retries have been spent.
func (e *Engine) retryOrDrop(a *alert.Alert, cfg Config) {
	if a.RetryCount >= cfg.RetryMax {
		err := fmt.Errorf("%w after %d retries", alert.ErrRetryExhausted, a.RetryCount)
		e.log.Error("critical alert dropped", logx.String("id", a.ID), logx.String("title", a.Title), logx.Int("failed_channels", a.Ledger.Failed()), logx.Err(err))
		e.finish(a, alert.OutcomeDropped, err)
		return
	}
	a.RetryCount++
	delay := cfg.retryDelay(a.RetryCount)
	ev := eventFor(a)
	ev.Delay = delay
	if !e.retries.schedule(a, delay, e.requeue) {
		e.finish(a, alert.OutcomeDropped, fmt.Errorf("retry not scheduled: %w", ErrStopped))
		return
	}
	// The timer owns a from here on.
	e.emit(EventRetryScheduled, ev)
	e.log.Info("critical alert retry scheduled", logx.String("id", ev.AlertID), logx.Int("retry", ev.RetryCount), logx.Duration("delay", delay))
}

func (e *Engine) requeue(a *alert.Alert) {
	e.mu.Lock()
	q := e.q
	e.mu.Unlock()
	if err := q.push(a); err != nil {
		e.log.Error("critical alert retry could not be queued", logx.String("id", a.ID), logx.Err(err))
		e.finish(a, alert.OutcomeDropped, fmt.Errorf("requeue: %w", err))
	}
}

// finish appends the terminal record and notifies observers.
func (e *Engine) finish(a *alert.Alert, outcome alert.Outcome, cause error) {
	rec := alert.Record{Alert: a.Clone(), Outcome: outcome, FinishedAt: e.now()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	e.hist.add(rec)

	if outcome == alert.OutcomeDropped {
		e.dropped.Add(1)
		if e.deadLetter != nil && a.Priority == alert.PriorityCritical {
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.deadLetter(dctx, rec); err != nil {
				e.log.Warn("dead letter write failed", logx.String("id", a.ID), logx.Err(err))
			}
			cancel()
		}
	}
	e.publish(EventCompleted, a, func(ev *AlertEvent) {
		ev.Outcome = outcome
		ev.Error = rec.Error
	})
}
