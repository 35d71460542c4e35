package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rulesRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_registered_total",
		Help: "Number of pricing rules registered, by rule type.",
	}, []string{"rule_type"})

	rulesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_deleted_total",
		Help: "Number of pricing rules soft-deleted, by rule type.",
	}, []string{"rule_type"})

	batchesCalculated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_batches_calculated_total",
		Help: "Number of transaction batches priced.",
	})

	transactionsPriced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_transactions_priced_total",
		Help: "Number of transactions priced.",
	})

	calculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_calculation_duration_seconds",
		Help:    "Batch pricing duration.",
		Buckets: prometheus.DefBuckets,
	})
)
