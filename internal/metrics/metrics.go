// Package metrics exposes the node's Prometheus counters: repository
// commits, firehose events, and XRPC request totals. Grounded on the
// pack's prometheus/client_golang + promauto usage for counters, and
// promhttp for the serving handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pds"

var (
	// Commits counts successful repository mutations by action
	// (create, update, delete).
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "repo_commits_total",
			Namespace: namespace,
			Help:      "Total number of repository commits applied",
		},
		[]string{"action"},
	)

	// FirehoseEvents counts events (#commit, #identity, #account)
	// broadcast on the firehose.
	FirehoseEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      "firehose_events_total",
			Namespace: namespace,
			Help:      "Total number of events emitted on the firehose",
		},
	)

	// FirehoseSubscribers tracks the number of currently connected
	// subscribeRepos clients.
	FirehoseSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      "firehose_subscribers",
			Namespace: namespace,
			Help:      "Number of currently connected firehose subscribers",
		},
	)

	// Requests counts XRPC requests by procedure and outcome.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "xrpc_requests_total",
			Namespace: namespace,
			Help:      "Total number of XRPC requests served",
		},
		[]string{"nsid", "status"},
	)
)
