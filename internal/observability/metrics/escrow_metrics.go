package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeOK             = "ok"
	OutcomeForbidden      = "forbidden"
	OutcomeNotFound       = "not_found"
	OutcomeConflict       = "conflict"
	OutcomeDisputeBlocked = "dispute_blocked"
	OutcomeUnavailable    = "dispute_check_unavailable"
	OutcomeValidation     = "validation"
	OutcomeError          = "error"
)

// EscrowMetrics captures action throughput and contention for /metrics.
type EscrowMetrics struct {
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	disputeBlocks  *prometheus.CounterVec
	retries        *prometheus.CounterVec
	lockWait       prometheus.Observer
}

var (
	escrowMetricsOnce sync.Once
	escrowMetrics     *EscrowMetrics
)

// Escrow returns the singleton registered on the default registerer.
func Escrow(cfg Config) *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowMetrics = NewEscrowMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return escrowMetrics
}

func NewEscrowMetrics(registerer prometheus.Registerer, cfg Config) *EscrowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "escrow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "escrow_actions_total",
		Help:        "Order actions by name and outcome.",
		ConstLabels: constLabels,
	}, []string{"action", "outcome"})

	actionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "escrow_action_duration_seconds",
		Help:        "End-to-end action latency including retries.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"action"})

	disputeBlocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "escrow_dispute_blocks_total",
		Help:        "Releases rejected by an active dispute.",
		ConstLabels: constLabels,
	}, []string{"action"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "escrow_transaction_retries_total",
		Help:        "Transactions retried after an optimistic version conflict.",
		ConstLabels: constLabels,
	}, []string{"action"})

	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "escrow_order_lock_wait_seconds",
		Help:        "Time spent acquiring the order row lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(actions, actionDuration, disputeBlocks, retries, lockWait)

	return &EscrowMetrics{
		actions:        actions,
		actionDuration: actionDuration,
		disputeBlocks:  disputeBlocks,
		retries:        retries,
		lockWait:       lockWait,
	}
}

func (m *EscrowMetrics) ObserveAction(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) IncDisputeBlock(action string) {
	if m == nil {
		return
	}
	m.disputeBlocks.WithLabelValues(action).Inc()
}

func (m *EscrowMetrics) IncRetry(action string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(action).Inc()
}

func (m *EscrowMetrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}
