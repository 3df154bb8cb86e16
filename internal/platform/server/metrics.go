package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics methods are nil-safe so services can record unconditionally.
type Metrics struct {
	transactionsCreated *prometheus.CounterVec
	webhooksTotal       *prometheus.CounterVec
	duplicateHits       prometheus.Counter
	reconcileOutcomes   *prometheus.CounterVec
	refundsTotal        prometheus.Counter
	anomaliesTotal      prometheus.Counter
	gatewayRequests     *prometheus.CounterVec
	settlementRuns      *prometheus.CounterVec
	settlementResolved  prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		transactionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "payments",
				Name:      "transactions_created_total",
				Help:      "Transactions created, partitioned by type and result.",
			},
			[]string{"type", "result"},
		),
		webhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Webhook deliveries partitioned by processing result.",
			},
			[]string{"result"},
		),
		duplicateHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "webhook",
				Name:      "duplicate_hits_total",
				Help:      "Deliveries short-circuited by the recency duplicate filter.",
			},
		),
		reconcileOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "reconcile",
				Name:      "outcomes_total",
				Help:      "Terminal outcomes applied by the reconciliation engine.",
			},
			[]string{"type", "outcome"},
		),
		refundsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "reconcile",
				Name:      "refunds_total",
				Help:      "Withdrawal refunds applied after a terminal failure.",
			},
		),
		anomaliesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "reconcile",
				Name:      "anomalies_total",
				Help:      "Callbacks that conflict with refunded state and need an operator.",
			},
		),
		gatewayRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Requests to the payment provider by operation and result.",
			},
			[]string{"op", "result"},
		),
		settlementRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Settlement poller ticks partitioned by result.",
			},
			[]string{"result"},
		),
		settlementResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "settlement",
				Name:      "resolved_total",
				Help:      "Stalled withdrawals resolved through status polling.",
			},
		),
	}
}

func (m *Metrics) ObserveTransactionCreated(txType TxType, result string) {
	if m == nil {
		return
	}
	m.transactionsCreated.WithLabelValues(string(txType), result).Inc()
}

func (m *Metrics) ObserveWebhook(result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDuplicateHit() {
	if m == nil {
		return
	}
	m.duplicateHits.Inc()
}

func (m *Metrics) ObserveReconcileOutcome(txType TxType, outcome TxStatus) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(string(txType), string(outcome)).Inc()
}

func (m *Metrics) ObserveRefund() {
	if m == nil {
		return
	}
	m.refundsTotal.Inc()
}

func (m *Metrics) ObserveAnomaly() {
	if m == nil {
		return
	}
	m.anomaliesTotal.Inc()
}

func (m *Metrics) ObserveGatewayRequest(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveSettlementRun(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.settlementRuns.WithLabelValues("error").Inc()
		return
	}
	m.settlementRuns.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveSettlementResolved() {
	if m == nil {
		return
	}
	m.settlementResolved.Inc()
}
