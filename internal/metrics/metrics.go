// Package metrics holds the node's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupchain"

// Metrics is the set of collectors the node updates. A nil *Metrics is a
// valid no-op, so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests   *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	handshakes    *prometheus.CounterVec
	connsRejected *prometheus.CounterVec
	connsOpen     prometheus.Gauge
	blocks        *prometheus.CounterVec
	forks         *prometheus.CounterVec
	syncAttempts  *prometheus.CounterVec
	chainHeight   *prometheus.GaugeVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests served, by method and result code.",
		}, []string{"method", "code"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Secure session handshakes, by role and result.",
		}, []string{"role", "result"}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Inbound connections refused before the handshake.",
		}, []string{"reason"}),
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Inbound connections currently open.",
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Blocks processed, by source and result.",
		}, []string{"source", "result"}),
		forks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fork_resolutions_total",
			Help:      "Snapshot merges, by outcome.",
		}, []string{"outcome"}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Subscription sync attempts, by result.",
		}, []string{"result"}),
		chainHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Head height of each local group chain.",
		}, []string{"group"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcRequests, m.rpcLatency, m.handshakes, m.connsRejected, m.connsOpen,
		m.blocks, m.forks, m.syncAttempts, m.chainHeight,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
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

func (m *Metrics) ObserveRPC(method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, code).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) Handshake(role string, err error) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, result(err)).Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connsOpen.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connsOpen.Dec()
}

// Block counts a processed block. source is "local" or "remote".
func (m *Metrics) Block(source string, err error) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(source, result(err)).Inc()
}

// Fork counts a snapshot merge; outcome is "adopted", "kept" or "rejected".
func (m *Metrics) Fork(outcome string) {
	if m == nil {
		return
	}
	m.forks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncAttempt(err error) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SetHeight(groupID string, height uint64) {
	if m == nil {
		return
	}
	m.chainHeight.WithLabelValues(groupID).Set(float64(height))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
