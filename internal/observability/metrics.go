package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement core.
type Metrics struct {
	// --- Ledger ---
	LedgerLocks       *prometheus.CounterVec // result: ok|insufficient|not_found
	LedgerUnlocks     *prometheus.CounterVec // result: ok|over_unlock|not_found
	LedgerCacheWrites prometheus.Counter

	// --- Gateway ---
	GatewayRequests      *prometheus.CounterVec // endpoint, status
	GatewayDuration      *prometheus.HistogramVec
	GatewayIndeterminate prometheus.Counter
	NonceReseeds         prometheus.Counter

	// --- Settlement ---
	SettlementLegs     *prometheus.CounterVec // leg: buyer|royalty|seller, result: ok|error
	SettlementDuration prometheus.Histogram
	SettlementsFailed  *prometheus.CounterVec // reason

	// --- Snapshots ---
	SnapshotRowsWritten prometheus.Counter

	// --- Scheduler ---
	SchedulerTickDuration prometheus.Histogram
	AuctionsSettled       prometheus.Counter
	AuctionsExpiredNoSale prometheus.Counter
	AuctionsSkipped       *prometheus.CounterVec // reason
	AuctionsQuarantined   prometheus.Counter
	ExpiredBacklog        prometheus.Gauge

	// --- Reconciliation ---
	ReconcileRuns          prometheus.Counter
	ReconcileDiscrepancies prometheus.Counter
	AttemptsResolved       *prometheus.CounterVec // outcome: failed|landed
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	gatewayBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		LedgerLocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ledger_locks_total",
			Help: "Escrow lock operations by result",
		}, []string{"result"}),

		LedgerUnlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ledger_unlocks_total",
			Help: "Escrow unlock operations by result",
		}, []string{"result"}),

		LedgerCacheWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_ledger_cache_writes_total",
			Help: "Local balance cache updates from gateway-confirmed transfers",
		}),

		GatewayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_gateway_requests_total",
			Help: "Coin-ledger gateway HTTP requests",
		}, []string{"endpoint", "status"}),

		GatewayDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_gateway_request_duration_seconds",
			Help:    "Coin-ledger gateway request latency",
			Buckets: gatewayBuckets,
		}, []string{"endpoint"}),

		GatewayIndeterminate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_gateway_indeterminate_total",
			Help: "Gateway calls that timed out with unknown outcome",
		}),

		NonceReseeds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_gateway_nonce_reseeds_total",
			Help: "Per-address nonce counters re-seeded from the gateway",
		}),

		SettlementLegs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_settlement_legs_total",
			Help: "Settlement transfer legs by leg and result",
		}, []string{"leg", "result"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_settlement_duration_seconds",
			Help:    "Full three-leg settlement duration",
			Buckets: gatewayBuckets,
		}),

		SettlementsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_settlements_failed_total",
			Help: "Settlements aborted, by reason",
		}, []string{"reason"}),

		SnapshotRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_snapshot_rows_written_total",
			Help: "Account audit snapshot rows appended",
		}),

		SchedulerTickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_scheduler_tick_duration_seconds",
			Help:    "Auction settlement scheduler tick duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),

		AuctionsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_auctions_settled_total",
			Help: "Expired auctions settled with a winning bid",
		}),

		AuctionsExpiredNoSale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_auctions_expired_no_sale_total",
			Help: "Expired auctions closed without a bid",
		}),

		AuctionsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_auctions_skipped_total",
			Help: "Auction settlements skipped for a tick, by reason",
		}, []string{"reason"}),

		AuctionsQuarantined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_auctions_quarantined_total",
			Help: "Auctions held back because a prior attempt has unresolved legs",
		}),

		ExpiredBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_auctions_expired_backlog",
			Help: "Expired on-market auctions seen at the last tick",
		}),

		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_reconcile_runs_total",
			Help: "Balance reconciliation passes",
		}),

		ReconcileDiscrepancies: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_reconcile_discrepancies_total",
			Help: "Local balances corrected from the gateway's view",
		}),

		AttemptsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_attempts_resolved_total",
			Help: "Indeterminate settlement attempts resolved, by outcome",
		}, []string{"outcome"}),
	}
}
