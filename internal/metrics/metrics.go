// Package metrics exposes sync statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klingledger"

// Sync cycle results.
const (
	ResultOK       = "ok"
	ResultLagging  = "lagging"
	ResultRollback = "rollback"
	ResultError    = "error"
)

// Metrics holds the collectors updated by the syncer.
type Metrics struct {
	registry *prometheus.Registry

	SyncCycles      *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	Rollbacks       *prometheus.CounterVec
	RolledBackTxs   *prometheus.CounterVec
	MergedTxs       *prometheus.CounterVec
	WatermarkHeight *prometheus.GaugeVec
	OwnedAddresses  *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result.",
		}, []string{"wallet", "result"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"wallet"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by outcome.",
		}, []string{"wallet", "outcome"}),
		RolledBackTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rolled_back_transactions_total",
			Help:      "Transactions marked ROLLBACK_FAIL.",
		}, []string{"wallet"}),
		MergedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_transactions_total",
			Help:      "Transactions merged by kind.",
		}, []string{"wallet", "kind"}),
		WatermarkHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_height",
			Help:      "Height of the sync watermark.",
		}, []string{"wallet"}),
		OwnedAddresses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_addresses",
			Help:      "Owned address encodings.",
		}, []string{"wallet"}),
	}
	m.registry.MustRegister(
		m.SyncCycles,
		m.SyncDuration,
		m.Rollbacks,
		m.RolledBackTxs,
		m.MergedTxs,
		m.WatermarkHeight,
		m.OwnedAddresses,
	)
	return m
}

// Wallet formats a wallet id as a label value.
func Wallet(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Forget removes every series of a wallet.
func (m *Metrics) Forget(wallet uint32) {
	labels := prometheus.Labels{"wallet": Wallet(wallet)}
	m.SyncCycles.DeletePartialMatch(labels)
	m.SyncDuration.DeletePartialMatch(labels)
	m.Rollbacks.DeletePartialMatch(labels)
	m.RolledBackTxs.DeletePartialMatch(labels)
	m.MergedTxs.DeletePartialMatch(labels)
	m.WatermarkHeight.DeletePartialMatch(labels)
	m.OwnedAddresses.DeletePartialMatch(labels)
}
