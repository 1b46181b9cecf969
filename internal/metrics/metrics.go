// Package metrics provides Prometheus metrics for the duel server
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
)

// Metrics holds every collector of the server. A nil *Metrics records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	ActiveSessions  prometheus.Gauge
	MovesApplied    prometheus.Counter
	MovesRejected   *prometheus.CounterVec
	Connections     prometheus.Gauge
	RateLimited     prometheus.Counter
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "duel_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_sessions_ended_total",
			Help: "Total number of sessions ended by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duel_session_duration_seconds",
			Help:    "Distribution of session durations in seconds",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10),
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duel_sessions_active",
			Help: "Current number of live sessions",
		}),
		MovesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "duel_moves_applied_total",
			Help: "Total number of accepted moves",
		}),
		MovesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duel_moves_rejected_total",
			Help: "Total number of rejected moves by code",
		}, []string{"code"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duel_websocket_connections",
			Help: "Current number of open websocket connections",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "duel_websocket_rate_limited_total",
			Help: "Total number of inbound messages dropped by the rate limiter",
		}),
	}
}

// Observe keeps the session and connection collectors in step with the event stream
func (m *Metrics) Observe(p *events.Publisher) {
	if m == nil {
		return
	}

	p.SubscribeAll(func(e events.Event) {
		switch e.Type {
		case events.EventSessionStarted:
			m.SessionsStarted.Inc()
			m.ActiveSessions.Inc()
		case events.EventMoveApplied:
			m.MovesApplied.Inc()
		case events.EventSessionEnded:
			m.ActiveSessions.Dec()
			if c, ok := e.Payload.(game.Conclusion); ok {
				m.SessionsEnded.WithLabelValues(string(c.Reason)).Inc()
				m.SessionDuration.Observe(c.Duration().Seconds())
			}
		case events.EventConnectionOpened:
			m.Connections.Inc()
		case events.EventConnectionClosed:
			m.Connections.Dec()
		}
	})
}

// MoveRejected counts a rejected move
func (m *Metrics) MoveRejected(code string) {
	if m == nil {
		return
	}
	m.MovesRejected.WithLabelValues(code).Inc()
}

// InboundDropped counts a message dropped by the rate limiter
func (m *Metrics) InboundDropped() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
