package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Core operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Vault state ---
	TotalAssets   prometheus.Gauge
	IdleBalance   prometheus.Gauge
	TotalShares   prometheus.Gauge
	SharePrice    prometheus.Gauge
	OpenPositions prometheus.Gauge

	// --- Rebalancing ---
	Rebalances        prometheus.Counter
	PositionsOpened   prometheus.Counter
	PositionsClosed   *prometheus.CounterVec // labels: matured|early
	SlippageAbsorbed  prometheus.Counter
	RedemptionCloses  prometheus.Histogram

	// --- Persistence ---
	PersistErrors          *prometheus.CounterVec
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Publishing / projections ---
	PublishFailures   prometheus.Counter
	ProjectionDrops   prometheus.Counter
	ProjectionLastSeq prometheus.Gauge

	// --- Idempotency ---
	DuplicateRequests *prometheus.CounterVec // labels: op, tier
}

func NewMetrics() *Metrics {
	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "everlong_ops_applied_total",
			Help: "Vault operations applied, by operation type.",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "everlong_ops_rejected_total",
			Help: "Vault operations rejected, by operation type and reason.",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "everlong_op_duration_seconds",
			Help:    "End-to-end duration of vault operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_sequence",
			Help: "Current global event sequence.",
		}),

		TotalAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_total_assets",
			Help: "Estimated total asset value (idle + portfolio), base units.",
		}),

		IdleBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_idle_balance",
			Help: "Undeployed asset balance, base units.",
		}),

		TotalShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_total_shares",
			Help: "Outstanding share supply.",
		}),

		SharePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_share_price",
			Help: "Assets per share, price scale.",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_open_positions",
			Help: "Number of open positions in the ledger.",
		}),

		Rebalances: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_rebalances_total",
			Help: "Completed rebalance passes.",
		}),

		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_positions_opened_total",
			Help: "Positions opened or merged.",
		}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "everlong_positions_closed_total",
			Help: "Position closes, by maturity state.",
		}, []string{"state"}),

		SlippageAbsorbed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_slippage_absorbed_total",
			Help: "Slippage shortfall absorbed by redeemers, base units.",
		}),

		RedemptionCloses: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "everlong_redemption_closes",
			Help:    "Positions closed per redemption.",
			Buckets: prometheus.LinearBuckets(0, 1, 12),
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "everlong_persist_errors_total",
			Help: "Persistence failures, by stage.",
		}, []string{"stage"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "everlong_persist_batch_duration_seconds",
			Help:    "Duration of persistence batch flushes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "everlong_persist_batch_size",
			Help:    "Events per persistence flush.",
			Buckets: prometheus.LinearBuckets(1, 10, 10),
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_persist_events_written_total",
			Help: "Events written to the log.",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_persist_journals_written_total",
			Help: "Journal rows written.",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_persist_last_sequence",
			Help: "Highest sequence durably written.",
		}),

		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_publish_failures_total",
			Help: "Outbound event publish failures (non-fatal).",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "everlong_projection_drops_total",
			Help: "Core outputs dropped on the projection channel.",
		}),

		ProjectionLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "everlong_projection_last_sequence",
			Help: "Highest sequence applied to projections.",
		}),

		DuplicateRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "everlong_duplicate_requests_total",
			Help: "Requests deduplicated by idempotency key, by op and tier.",
		}, []string{"op", "tier"}),
	}
}
