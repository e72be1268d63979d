package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Orders ---
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec

	// --- Transfers ---
	TransfersSettled prometheus.Counter
	TransferValue    *prometheus.CounterVec

	// --- Deposits ---
	DepositsRequested *prometheus.CounterVec
	DepositsCredited  *prometheus.CounterVec
	DepositsRejected  *prometheus.CounterVec
	DepositsRetried   *prometheus.CounterVec

	// --- Withdrawals ---
	WithdrawalsRequested   *prometheus.CounterVec
	WithdrawalsBroadcast   *prometheus.CounterVec
	WithdrawalsConfirmed   *prometheus.CounterVec
	WithdrawalsPendingSend *prometheus.CounterVec

	// --- Reconciliation loop ---
	ReconcileTicks       prometheus.Counter
	ReconcileSkips       prometheus.Counter
	ReconcilePassDur     *prometheus.HistogramVec
	ReconcileItemErrors  *prometheus.CounterVec
	SchedulerSinkMissing prometheus.Counter

	// --- Chain collaborator ---
	ChainCalls    *prometheus.CounterVec
	ChainCallDur  *prometheus.HistogramVec
	ChainFailures *prometheus.CounterVec

	// --- Events ---
	EventsPublished *prometheus.CounterVec
	PublishFailures prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	passBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	callBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30}

	return &Metrics{
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_orders_placed_total",
			Help: "Orders accepted into the book",
		}, []string{"side", "asset"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_orders_cancelled_total",
			Help: "Orders cancelled by their owner",
		}, []string{"side"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_orders_rejected_total",
			Help: "Order placements rejected",
		}, []string{"side", "reason"}),

		TransfersSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_transfers_settled_total",
			Help: "Internal transfers committed",
		}),

		TransferValue: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_transfer_value_total",
			Help: "Transferred value in scaled units",
		}, []string{"asset"}),

		DepositsRequested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_deposits_requested_total",
			Help: "Deposit claims registered",
		}, []string{"class"}),

		DepositsCredited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_deposits_credited_total",
			Help: "Deposit claims verified and credited",
		}, []string{"class"}),

		DepositsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_deposits_rejected_total",
			Help: "Deposit claims permanently rejected",
		}, []string{"class", "reason"}),

		DepositsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_deposits_retried_total",
			Help: "Deposit claims left pending for the next pass",
		}, []string{"class"}),

		WithdrawalsRequested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_withdrawals_requested_total",
			Help: "Withdrawal requests debited",
		}, []string{"class"}),

		WithdrawalsBroadcast: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_withdrawals_broadcast_total",
			Help: "Withdrawals broadcast to the chain",
		}, []string{"class"}),

		WithdrawalsConfirmed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_withdrawals_confirmed_total",
			Help: "Withdrawals confirmed on chain",
		}, []string{"class"}),

		WithdrawalsPendingSend: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_withdrawals_pending_send_total",
			Help: "Withdrawal broadcasts that failed and await retry",
		}, []string{"class"}),

		ReconcileTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_reconcile_ticks_total",
			Help: "Scheduler ticks that ran the full pass set",
		}),

		ReconcileSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_reconcile_skips_total",
			Help: "Ticks skipped because a previous tick was still running",
		}),

		ReconcilePassDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_reconcile_pass_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: passBuckets,
		}, []string{"pass"}),

		ReconcileItemErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_reconcile_item_errors_total",
			Help: "Per-item failures isolated inside a pass",
		}, []string{"pass"}),

		SchedulerSinkMissing: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_scheduler_sink_missing_total",
			Help: "Ticks degraded to the re-arm delay for lack of a sink identity",
		}),

		ChainCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_chain_calls_total",
			Help: "Calls to the external chain collaborators",
		}, []string{"client", "op"}),

		ChainCallDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_chain_call_duration_seconds",
			Help:    "External chain call latency",
			Buckets: callBuckets,
		}, []string{"client", "op"}),

		ChainFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_chain_failures_total",
			Help: "External chain call failures",
		}, []string{"client", "op"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_events_published_total",
			Help: "Settlement events published to the stream",
		}, []string{"type"}),

		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_failures_total",
			Help: "Event publishes that failed (non-fatal)",
		}),
	}
}

// ObserveChainCall counts one chain call and returns a func that records
// its outcome and latency.
func (m *Metrics) ObserveChainCall(client, op string) func(err error) {
	start := time.Now()
	m.ChainCalls.WithLabelValues(client, op).Inc()
	return func(err error) {
		m.ChainCallDur.WithLabelValues(client, op).Observe(time.Since(start).Seconds())
		if err != nil {
			m.ChainFailures.WithLabelValues(client, op).Inc()
		}
	}
}
