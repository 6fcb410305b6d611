package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "connectd"
)

var (
	refreshDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30}
	lockWaitBuckets        = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15}

	// Resolution Metrics
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolutions_total",
		Help:      "Count of credential resolutions by outcome.",
	}, []string{"definition", "outcome"})

	// Refresh Metrics
	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refreshes_total",
		Help:      "Count of credential refresh calls by outcome.",
	}, []string{"definition", "outcome"})

	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_duration_seconds",
		Help:      "Time taken by a credential refresh, including persisting the result.",
		Buckets:   refreshDurationBuckets,
	}, []string{"definition"})

	RefreshLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_lock_wait_seconds",
		Help:      "Time spent waiting for a per-instance refresh lock.",
		Buckets:   lockWaitBuckets,
	})

	// Setup Metrics
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Count of remote credential validations by outcome.",
	}, []string{"definition", "outcome"})
)

// Recorder reports resolver and setup outcomes to the package collectors.
type Recorder struct{}

func (Recorder) ObserveResolution(definitionID, outcome string) {
	ResolutionsTotal.WithLabelValues(definitionID, outcome).Inc()
}

func (Recorder) ObserveRefresh(definitionID, outcome string, took time.Duration) {
	RefreshesTotal.WithLabelValues(definitionID, outcome).Inc()
	RefreshDuration.WithLabelValues(definitionID).Observe(took.Seconds())
}

func (Recorder) ObserveLockWait(took time.Duration) {
	RefreshLockWait.Observe(took.Seconds())
}

func (Recorder) ObserveValidation(definitionID, outcome string) {
	ValidationsTotal.WithLabelValues(definitionID, outcome).Inc()
}
