// Package metrics exports client side registry metrics to Prometheus.
//
// A nil *Collector is valid and records nothing, so callers never need to check
// whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/middleware"
)

const namespace = "s2s"

type Collector struct {
	status            prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectFailures prometheus.Counter
	notifyEntries     *prometheus.CounterVec
	calls             *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
}

// NewCollector creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer, constLabels prometheus.Labels) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "session_status",
			Help:        "Current session status (0 off, 1 on, 2 bind, 3 dns error, 4 auth failure, 5 error)",
			ConstLabels: constLabels,
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Total number of reconnect attempts",
			ConstLabels: constLabels,
		}),
		reconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_failures_total",
			Help:        "Total number of failed reconnect attempts",
			ConstLabels: constLabels,
		}),
		notifyEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "notify_entries_total",
			Help:        "Total number of entries delivered to the application",
			ConstLabels: constLabels,
		}, []string{"status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "calls_total",
			Help:        "Total number of registry calls",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "call_duration_seconds",
			Help:        "Registry call latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"op"}),
	}
	for _, col := range []prometheus.Collector{
		c.status, c.reconnectAttempts, c.reconnectFailures, c.notifyEntries, c.calls, c.callDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) SetStatus(s message.SessionStatus) {
	if c == nil {
		return
	}
	c.status.Set(float64(s))
}

func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

func (c *Collector) ReconnectFailed() {
	if c == nil {
		return
	}
	c.reconnectFailures.Inc()
}

// Delivered counts entries handed to the application by status.
func (c *Collector) Delivered(metas []message.Meta) {
	if c == nil {
		return
	}
	for i := range metas {
		c.notifyEntries.WithLabelValues(metas[i].Status.String()).Inc()
	}
}

// Middleware records count and latency of every registry call.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, req message.Packet) (message.Packet, error) {
			if c == nil {
				return next(ctx, req)
			}
			op := middleware.Op(req)
			start := time.Now()
			resp, err := next(ctx, req)
			c.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			c.calls.WithLabelValues(op, result(err)).Inc()
			return resp, err
		}
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errdefs.ErrTimeout):
		return "timeout"
	case errors.Is(err, errdefs.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
