// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapd",
		Name:      "chain_height",
		Help:      "Number of blocks in the local chain.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapd",
		Name:      "peers_connected",
		Help:      "Number of connected P2P peers.",
	})

	MempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapd",
		Name:      "mempool_size",
		Help:      "Number of pending transactions in the mempool.",
	})

	BlocksAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapd",
		Name:      "blocks_accepted_total",
		Help:      "Total blocks accepted into the chain.",
	})

	BlocksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapd",
		Name:      "blocks_rejected_total",
		Help:      "Total blocks rejected by validation.",
	})

	TransactionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapd",
		Name:      "transactions_accepted_total",
		Help:      "Total transactions admitted to the mempool.",
	})

	TransactionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapd",
		Name:      "transactions_rejected_total",
		Help:      "Total transactions rejected by validation.",
	})

	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapd",
		Name:      "sync_runs_total",
		Help:      "Initial block download runs by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ChainHeight,
		PeersConnected,
		MempoolSize,
		BlocksAccepted,
		BlocksRejected,
		TransactionsAccepted,
		TransactionsRejected,
		SyncRuns,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
