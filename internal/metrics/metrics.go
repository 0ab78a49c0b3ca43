// Package metrics exposes Prometheus collectors for the tuning pipeline
// and rollout supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values for candidate dispositions.
const (
	DispositionPromoted  = "promoted"
	DispositionDiscarded = "discarded"
	DispositionRejected  = "rejected"
	DispositionQueued    = "queued"
)

// Pipeline metrics
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_cycles_total",
		Help: "Total number of completed selection cycles",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotune_cycle_duration_seconds",
		Help:    "Duration of selection cycles in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	TrialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_trials_total",
		Help: "Total trials by outcome",
	}, []string{"outcome"}) // completed, failed, skipped

	SegmentsPerCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_segments_per_cycle",
		Help: "Walk-forward segments generated in the last cycle",
	})

	BestComposite = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_best_composite",
		Help: "Composite score of the last cycle's winner",
	})

	BaselineComposite = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_baseline_composite",
		Help: "Composite score of the live baseline in the last cycle",
	})
)

// Rollout metrics
var (
	CandidateDispositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_candidate_dispositions_total",
		Help: "Candidate lifecycle outcomes",
	}, []string{"disposition"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_queue_depth",
		Help: "Candidates currently queued for staging",
	})

	StagingOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_staging_occupied",
		Help: "1 when the staging slot holds a candidate, 0 otherwise",
	})

	StagingDwell = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_staging_dwell_hours",
		Help: "Hours the current staging candidate has been under observation",
	})

	PromotionScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotune_promotion_score",
		Help: "Promotion score of the staging candidate at last evaluation",
	})

	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_rollbacks_total",
		Help: "Total configuration rollbacks",
	})
)

// RecordCycle records the end of one selection cycle.
func RecordCycle(segments int, durationSeconds float64) {
	CyclesTotal.Inc()
	CycleDuration.Observe(durationSeconds)
	SegmentsPerCycle.Set(float64(segments))
}

// RecordTrials records trial outcome counts from one cycle.
func RecordTrials(completed, failed, skipped int) {
	TrialsTotal.WithLabelValues("completed").Add(float64(completed))
	TrialsTotal.WithLabelValues("failed").Add(float64(failed))
	TrialsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordDisposition records a candidate lifecycle outcome.
func RecordDisposition(disposition string) {
	CandidateDispositions.WithLabelValues(disposition).Inc()
}

// RecordRolloutState records the current queue and staging occupancy.
func RecordRolloutState(queueDepth int, stagingOccupied bool, dwellHours float64) {
	QueueDepth.Set(float64(queueDepth))
	if stagingOccupied {
		StagingOccupied.Set(1)
	} else {
		StagingOccupied.Set(0)
	}
	StagingDwell.Set(dwellHours)
}
