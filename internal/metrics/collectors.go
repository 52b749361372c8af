// Package metrics exposes engine activity as Prometheus collectors.
//
// Collectors are fed from the event bus, so the engine never depends on this
// package. A private registry keeps the process-wide default registry clean.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"alertd/internal/engine"
	"alertd/internal/eventbus"
	logx "alertd/pkg/logx"
)

const namespace = "alertd"

type Collectors struct {
	reg *prometheus.Registry

	created    *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	retries    prometheus.Counter
	completed  *prometheus.CounterVec
}

// Gauges are sampled at scrape time. Nil funcs are skipped.
type Gauges struct {
	QueueDepth   func() float64
	BusDropped   func() float64
	PendingRetry func() float64
}

func New(g Gauges) *Collectors {
	c := &Collectors{
		reg: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts accepted into the dispatch queue.",
		}, []string{"priority"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts dropped by admission control.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_rejected_total",
			Help:      "Alerts refused at creation time.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-channel delivery attempts.",
		}, []string{"channel", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "CRITICAL alert retries scheduled.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_completed_total",
			Help:      "Alerts that reached a terminal outcome.",
		}, []string{"outcome"}),
	}

	c.reg.MustRegister(
		c.created, c.suppressed, c.rejected, c.deliveries, c.retries, c.completed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.gauge("queue_depth", "Alerts waiting in the dispatch queue.", g.QueueDepth)
	c.gauge("retries_pending", "CRITICAL alerts waiting for a retry timer.", g.PendingRetry)
	c.gauge("bus_events_dropped", "Events lost to slow bus subscribers.", g.BusDropped)
	return c
}

func (c *Collectors) gauge(name, help string, fn func() float64) {
	if fn == nil {
		return
	}
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collectors) Registry() *prometheus.Registry { return c.reg }

// Observe updates counters for one engine event. Unknown events are ignored.
func (c *Collectors) Observe(ev eventbus.Event) {
	ae, ok := ev.Data.(engine.AlertEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case engine.EventQueued:
		c.created.WithLabelValues(ae.Priority.String()).Inc()
	case engine.EventSuppressed:
		c.suppressed.WithLabelValues(ae.Reason).Inc()
	case engine.EventRejected:
		c.rejected.WithLabelValues(ae.Reason).Inc()
	case engine.EventDelivery:
		result := "ok"
		if ae.Error != "" {
			result = "error"
		}
		c.deliveries.WithLabelValues(ae.Channel, result).Inc()
	case engine.EventRetryScheduled:
		c.retries.Inc()
	case engine.EventCompleted:
		c.completed.WithLabelValues(string(ae.Outcome)).Inc()
	}
}

// Consume feeds bus events into the collectors until ctx is done.
func (c *Collectors) Consume(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}
