package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreSequence       prometheus.Gauge
	CoreTick           prometheus.Gauge

	// --- Risk & Queue ---
	RiskScoreUpdates     *prometheus.CounterVec
	RiskAlerts           *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	QueueDropped         prometheus.Counter
	QueueExpired         prometheus.Counter
	PriorityRecomputeDur prometheus.Histogram

	// --- Liquidation Execution ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsRejected *prometheus.CounterVec
	LiquidatedVolume     prometheus.Counter
	KeeperRewardsPaid    prometheus.Counter
	RewardPoolBalance    prometheus.Gauge
	TickBudgetRemaining  prometheus.Gauge

	// --- Fair Ordering ---
	ShufflesApplied      prometheus.Counter
	ShuffleDisplacements prometheus.Counter
	RandomnessRejected   *prometheus.CounterVec

	// --- Circuit Breaker ---
	BreakerState       prometheus.Gauge
	BreakerHalts       *prometheus.CounterVec
	BreakerEvaluations *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	apiBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_core_events_applied_total",
			Help: "Events successfully applied by the engine",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation, policy)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flashbets_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_core_sequence",
			Help: "Current engine sequence number",
		}),

		CoreTick: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_core_tick",
			Help: "Latest host-clock tick observed by the engine",
		}),

		RiskScoreUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_risk_score_updates_total",
			Help: "Position risk score recomputations by resulting bucket",
		}, []string{"bucket"}),

		RiskAlerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_risk_alerts_total",
			Help: "Risk alerts emitted for positions crossing the liquidation threshold",
		}, []string{"market"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_queue_depth",
			Help: "Live entries in the liquidation queue",
		}),

		QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_queue_dropped_total",
			Help: "Entries dropped by capacity truncation",
		}),

		QueueExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_queue_expired_total",
			Help: "Entries expired by the staleness sweep",
		}),

		PriorityRecomputeDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashbets_priority_recompute_duration_seconds",
			Help:    "Time to recompute priorities and re-sort the queue",
			Buckets: latencyBuckets,
		}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_liquidations_executed_total",
			Help: "Liquidation fills by completion kind (partial, full)",
		}, []string{"kind"}),

		LiquidationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_liquidations_rejected_total",
			Help: "Keeper submissions rejected by reason",
		}, []string{"reason"}),

		LiquidatedVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_liquidated_volume_total",
			Help: "Cumulative liquidated size (quantity scale)",
		}),

		KeeperRewardsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_keeper_rewards_paid_total",
			Help: "Cumulative keeper rewards accrued (quote scale)",
		}),

		RewardPoolBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_reward_pool_balance",
			Help: "Remaining reward pool balance",
		}),

		TickBudgetRemaining: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_tick_budget_remaining",
			Help: "Remaining global liquidation budget for the current tick",
		}),

		ShufflesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_shuffles_applied_total",
			Help: "Fair-ordering shuffles applied to the queue",
		}),

		ShuffleDisplacements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_shuffle_displacements_total",
			Help: "Entry swaps performed inside priority bands",
		}),

		RandomnessRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_randomness_rejected_total",
			Help: "Randomness fulfillments rejected by reason",
		}, []string{"reason"}),

		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_breaker_state",
			Help: "Circuit breaker state (0=active, 1=halted, 2=cooldown, 3=shutdown)",
		}),

		BreakerHalts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_breaker_halts_total",
			Help: "Halts by trigger reason",
		}, []string{"reason"}),

		BreakerEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_breaker_evaluations_total",
			Help: "Breaker evaluations by verdict",
		}, []string{"verdict"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flashbets_channel_size",
			Help: "Current occupancy of internal channels",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_projection_drops_total",
			Help: "Projection outputs dropped on full channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_persist_backpressure_total",
			Help: "Blocking persist sends that had to wait",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_idempotency_duplicates_total",
			Help: "Duplicate events detected by tier",
		}, []string{"tier"}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_event_sequence_gap_total",
			Help: "Sequence gaps detected per partition",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_event_out_of_order_total",
			Help: "Out-of-order events per partition",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashbets_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_persist_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_persist_last_sequence",
			Help: "Highest sequence durably persisted",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashbets_snapshot_duration_seconds",
			Help:    "Time to serialize and write a snapshot",
			Buckets: apiBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "flashbets_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flashbets_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flashbets_api_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flashbets_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: apiBuckets,
		}, []string{"route"}),
	}
}
