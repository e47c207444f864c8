package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gridsense/gridsense/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridsense"

// Metrics holds the collectors of the sync engine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	fetchDiscarded prometheus.Counter
	liveState      *prometheus.GaugeVec
	reconnects     prometheus.Counter
	liveMessages   *prometheus.CounterVec
	liveDropped    prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg gets a fresh
// registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches by result (ok, transport, invalid_response, auth).",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Duration of a full four-collection snapshot fetch.",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_discarded_total",
			Help:      "Snapshot fetches that completed after a newer one had been applied.",
		}),
		liveState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connection_state",
			Help:      "1 for the current live channel state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_reconnects_total",
			Help:      "Reconnection attempts of the live channel.",
		}),
		liveMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_total",
			Help:      "Live channel frames by decoded type.",
		}, []string{"type"}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_dropped_total",
			Help:      "Live channel frames that failed to decode.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.fetchDiscarded,
		m.liveState,
		m.reconnects,
		m.liveMessages,
		m.liveDropped,
		m.httpRequests,
		m.httpDuration,
	)
	m.SetLiveState(types.ConnectionStateClosed)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FetchCompleted records a finished snapshot fetch. err is nil on success.
func (m *Metrics) FetchCompleted(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(types.KindOf(err))
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) FetchDiscarded() {
	if m == nil {
		return
	}
	m.fetchDiscarded.Inc()
}

func (m *Metrics) SetLiveState(state types.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range []types.ConnectionState{
		types.ConnectionStateConnecting,
		types.ConnectionStateOpen,
		types.ConnectionStateClosed,
	} {
		var v float64
		if s == state {
			v = 1
		}
		m.liveState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) LiveMessage(kind string) {
	if m == nil {
		return
	}
	m.liveMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) LiveDropped() {
	if m == nil {
		return
	}
	m.liveDropped.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush passes through so streaming handlers keep working when wrapped.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler records request counts and durations for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
