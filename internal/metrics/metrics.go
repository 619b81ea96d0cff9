// Package metrics exposes the client's Prometheus counters.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the counters on a private registry so tests and multiple
// daemons in one process do not collide. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	handshakes *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	lookups    *prometheus.CounterVec
	demotions  *prometheus.CounterVec
	replays    prometheus.Counter
}

// New creates and registers every counter.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "handshake_outcomes_total",
			Help:      "Handshake transport call outcomes by operation.",
		}, []string{"op", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "delivery_outcomes_total",
			Help:      "Terminal delivery statuses written for outgoing messages.",
		}, []string{"status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "batch_lookup_ids_total",
			Help:      "Ids passed through batched lookups by result.",
		}, []string{"result"}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "recovery_demotions_total",
			Help:      "In-flight contact rows demoted at startup.",
		}, []string{"from"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "recovery_handshake_replays_total",
			Help:      "Queued handshake calls replayed after reconnecting.",
		}),
	}
	m.Registry.MustRegister(m.handshakes, m.deliveries, m.lookups, m.demotions, m.replays)
	return m
}

// Handshake counts one handshake operation, such as "request" or "verify",
// by outcome.
func (m *Metrics) Handshake(op, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(op, outcome).Inc()
}

// Delivery counts a message reaching status.
func (m *Metrics) Delivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

// Lookup adds the ids a batched member lookup resolved and failed.
func (m *Metrics) Lookup(resolved, failed int) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("resolved").Add(float64(resolved))
	m.lookups.WithLabelValues("failed").Add(float64(failed))
}

// Demoted counts contacts demoted from the in-flight status from at startup.
func (m *Metrics) Demoted(from string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.demotions.WithLabelValues(from).Add(float64(n))
}

// Replayed counts outbox entries replayed on reconnect.
func (m *Metrics) Replayed(n int) {
	if m == nil {
		return
	}
	m.replays.Add(float64(n))
}

// Server serves /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds a listener for addr. It does not start listening.
func NewServer(m *Metrics, addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
