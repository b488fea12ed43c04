package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain-specific metric collectors.
// They are registered explicitly by the serving process through Register,
// so tests and embedded uses never touch the default registry.
var (
	admissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudstreams",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by result and reason.",
		},
		[]string{"result", "reason"},
	)

	admissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cloudstreams",
			Subsystem: "admission",
			Name:      "evaluation_duration_seconds",
			Help:      "Latency of a single admission evaluation in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	schemasGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloudstreams",
			Subsystem: "admission",
			Name:      "schemas_generated_total",
			Help:      "Total number of data schemas generated from event payloads.",
		},
	)

	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudstreams",
			Subsystem: "controller",
			Name:      "reconciliations_total",
			Help:      "Total number of full reconciliation passes by resource kind and result.",
		},
		[]string{"kind", "result"},
	)

	cachedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cloudstreams",
			Subsystem: "controller",
			Name:      "cached_resources",
			Help:      "Number of resources currently held in a controller cache.",
		},
		[]string{"kind"},
	)

	watchRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudstreams",
			Subsystem: "controller",
			Name:      "watch_restarts_total",
			Help:      "Total number of times a controller re-opened a terminated watch.",
		},
		[]string{"kind"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		admissionDecisionsTotal,
		admissionDuration,
		schemasGeneratedTotal,
		reconciliationsTotal,
		cachedResources,
		watchRestartsTotal,
	}
}

// Register 把所有指标注册到 registerer。重复注册不算错误。
func Register(registerer prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordAdmission records the outcome of one admission evaluation.
func RecordAdmission(result, reason string, elapsed time.Duration) {
	admissionDecisionsTotal.WithLabelValues(result, reason).Inc()
	admissionDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// RecordSchemaGenerated counts one schema generated from a payload.
func RecordSchemaGenerated() {
	schemasGeneratedTotal.Inc()
}

// RecordReconciliation records one full reconciliation pass.
func RecordReconciliation(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	reconciliationsTotal.WithLabelValues(kind, result).Inc()
}

// SetCachedResources sets the cache size gauge for a resource kind.
func SetCachedResources(kind string, count int) {
	cachedResources.WithLabelValues(kind).Set(float64(count))
}

// RecordWatchRestart counts one re-opened watch.
func RecordWatchRestart(kind string) {
	watchRestartsTotal.WithLabelValues(kind).Inc()
}
