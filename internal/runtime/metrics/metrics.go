// Package metrics exposes the runtime's Prometheus instrumentation. The
// Metrics type doubles as the broker's lifecycle observer, so connection
// state, reconnects, and handler outcomes show up without extra wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkerber/busbridge/broker"
)

// Metrics holds every collector on a private registry so two runtimes in
// one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	brokerState     prometheus.Gauge
	reconnectsTotal prometheus.Counter
	messagesTotal   *prometheus.CounterVec
	handlerDuration prometheus.Histogram
	registrations   *prometheus.CounterVec
}

// New builds the collector set for one service instance.
func New(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		brokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "busbridge_broker_state",
			Help:        "Current broker connection state (0 disconnected, 1 connecting, 2 connected, 3 draining).",
			ConstLabels: labels,
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "busbridge_broker_reconnects_total",
			Help:        "Number of successful broker reconnections.",
			ConstLabels: labels,
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "busbridge_messages_consumed_total",
			Help:        "Messages handed to the message handler, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "busbridge_handler_duration_seconds",
			Help:        "Time spent in the message handler.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "busbridge_registration_attempts_total",
			Help:        "Service registry registration attempts, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.brokerState,
		m.reconnectsTotal,
		m.messagesTotal,
		m.handlerDuration,
		m.registrations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// StateChanged implements broker.Observer.
func (m *Metrics) StateChanged(state broker.State) {
	m.brokerState.Set(float64(state))
}

// Reconnected implements broker.Observer.
func (m *Metrics) Reconnected() {
	m.reconnectsTotal.Inc()
}

// MessageDone implements broker.Observer.
func (m *Metrics) MessageDone(elapsed time.Duration, err error) {
	m.handlerDuration.Observe(elapsed.Seconds())
	m.messagesTotal.WithLabelValues(outcome(err)).Inc()
}

// RegistrationAttempt records one registry registration attempt.
func (m *Metrics) RegistrationAttempt(err error) {
	m.registrations.WithLabelValues(outcome(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
