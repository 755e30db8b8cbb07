package metrics

import "github.com/prometheus/client_golang/prometheus"

// FollowupMetrics exposes counters/histograms for the follow-up pipeline.
type FollowupMetrics struct {
	scheduledTotal      *prometheus.CounterVec
	retryTotal          *prometheus.CounterVec
	reconciliationTotal *prometheus.CounterVec
	readinessTotal      *prometheus.CounterVec
	transitionTotal     *prometheus.CounterVec
	dispatchLatency     *prometheus.HistogramVec
}

func NewFollowupMetrics(reg prometheus.Registerer) *FollowupMetrics {
	m := &FollowupMetrics{
		scheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetfollowup",
			Subsystem: "actions",
			Name:      "scheduled_total",
			Help:      "Follow-up scheduling attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetfollowup",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retried generation/dispatch attempts",
		}, []string{"operation"}),
		reconciliationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetfollowup",
			Subsystem: "identity",
			Name:      "reconciliations_total",
			Help:      "Insert races resolved by re-lookup",
		}, []string{"entity", "outcome"}),
		readinessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetfollowup",
			Subsystem: "readiness",
			Name:      "evaluations_total",
			Help:      "Discharge readiness evaluations by result",
		}, []string{"result"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetfollowup",
			Subsystem: "actions",
			Name:      "transitions_total",
			Help:      "Scheduled action status transitions",
		}, []string{"status", "noop"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vetfollowup",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of dispatch client calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.scheduledTotal, m.retryTotal, m.reconciliationTotal, m.readinessTotal, m.transitionTotal, m.dispatchLatency)
	return m
}

func (m *FollowupMetrics) ObserveScheduled(channel, outcome string) {
	if m == nil {
		return
	}
	m.scheduledTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *FollowupMetrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retryTotal.WithLabelValues(operation).Inc()
}

func (m *FollowupMetrics) ObserveReconciliation(entity string, resolved bool) {
	if m == nil {
		return
	}
	outcome := "resolved"
	if !resolved {
		outcome = "unresolved"
	}
	m.reconciliationTotal.WithLabelValues(entity, outcome).Inc()
}

func (m *FollowupMetrics) ObserveReadiness(result string) {
	if m == nil {
		return
	}
	m.readinessTotal.WithLabelValues(result).Inc()
}

func (m *FollowupMetrics) ObserveTransition(status string, noop bool) {
	if m == nil {
		return
	}
	label := "false"
	if noop {
		label = "true"
	}
	m.transitionTotal.WithLabelValues(status, label).Inc()
}

func (m *FollowupMetrics) ObserveDispatchLatency(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.WithLabelValues(channel).Observe(seconds)
}
