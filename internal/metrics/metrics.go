// Package metrics exposes the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_enqueued_total",
		Help: "Total number of transactions accepted into the queue",
	})

	TransactionsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_sent_total",
		Help: "Total number of first-time broadcasts",
	})

	TransactionsResent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_resent_total",
		Help: "Total number of gas-escalated resends",
	})

	TransactionsMined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_mined_total",
		Help: "Total number of transactions that reached a receipt",
	})

	TransactionsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_confirmed_total",
		Help: "Total number of transactions confirmed at finality depth",
	})

	TransactionsErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_errored_total",
		Help: "Total number of transactions that ended in a terminal error",
	})

	TransactionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transactions_cancelled_total",
		Help: "Total number of transactions cancelled with a no-op",
	})

	NoncesAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_nonces_acquired_total",
		Help: "Total number of nonce acquisitions, by source",
	}, []string{"source"}) // "counter" or "recycled"

	NoncesRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_nonces_recycled_total",
		Help: "Total number of nonces returned to the recycle pool",
	})

	NonceSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_nonce_chain_syncs_total",
		Help: "Total number of allocator resyncs against chain state",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Jobs currently live per queue",
	}, []string{"queue"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"outcome"})

	LegacyMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_legacy_transactions_migrated_total",
		Help: "Rows migrated from the legacy durable store",
	})
)
