package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A single instance is
// registered at startup and threaded through the service.
type Metrics struct {
	RecommendationsTotal *prometheus.CounterVec
	ConfirmationsTotal   *prometheus.CounterVec
	OutcomesTotal        *prometheus.CounterVec
	SlotConflictsTotal   prometheus.Counter
	RewardObserved       *prometheus.HistogramVec
	DecaySweepsTotal     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecommendationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_recommendations_total",
				Help: "Slot recommendations served, by platform",
			},
			[]string{"platform"},
		),
		ConfirmationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_confirmations_total",
				Help: "Slot confirmations, by platform and whether the post already existed",
			},
			[]string{"platform", "existing"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_outcomes_total",
				Help: "Outcome reports processed, by platform and result (applied, duplicate, malformed)",
			},
			[]string{"platform", "result"},
		),
		SlotConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_slot_conflicts_total",
				Help: "Cross-platform slot conflicts resolved by displacement",
			},
		),
		RewardObserved: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_reward_observed",
				Help:    "Normalized rewards fed to the bandit, by platform",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"platform"},
		),
		DecaySweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_decay_sweeps_total",
				Help: "Completed arm decay sweeps",
			},
		),
	}
	reg.MustRegister(
		m.RecommendationsTotal,
		m.ConfirmationsTotal,
		m.OutcomesTotal,
		m.SlotConflictsTotal,
		m.RewardObserved,
		m.DecaySweepsTotal,
	)
	return m
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
