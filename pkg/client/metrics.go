package client

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session's Prometheus collectors. They live on a private
// registry so two sessions in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	EnvelopesRouted  *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	Reconnects       prometheus.Counter
	Publishes        *prometheus.CounterVec
	TypingSignals    *prometheus.CounterVec
	EchoesReconciled prometheus.Counter
}

// NewMetrics creates and registers the session collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kjnchat_envelopes_routed_total",
			Help: "Inbound envelopes by routing outcome",
		}, []string{"outcome"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kjnchat_decode_errors_total",
			Help: "Inbound payloads that failed to decode",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kjnchat_reconnects_total",
			Help: "Transport losses that entered the reconnect cycle",
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kjnchat_publishes_total",
			Help: "Outbound publishes by envelope kind",
		}, []string{"kind"}),
		TypingSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kjnchat_typing_signals_total",
			Help: "Typing signal lifecycle events",
		}, []string{"event"}),
		EchoesReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kjnchat_echoes_reconciled_total",
			Help: "Local echoes replaced by their server-confirmed copy",
		}),
	}

	registry.MustRegister(
		m.EnvelopesRouted,
		m.DecodeErrors,
		m.Reconnects,
		m.Publishes,
		m.TypingSignals,
		m.EchoesReconciled,
	)
	return m
}

// Handler returns the scrape handler for this session's registry. Bind it to
// an internal-only listener; never expose it publicly.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
