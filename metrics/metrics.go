// Package metrics exposes the client's observability counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "notary"

	SubsystemEngine = "engine"
	SubsystemCron   = "cron"

	LabelContext = "context"
	LabelKind    = "kind"
	LabelOutcome = "outcome"
)

var (
	TasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "tasks_started_total",
			Help:      "Total number of tasks accepted by the registry.",
		},
		[]string{LabelContext, LabelKind})
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks resolved, by outcome.",
		},
		[]string{LabelContext, LabelKind, LabelOutcome})
	RefreshCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "refresh_cycles_total",
			Help:      "Total number of completed registry refresh cycles.",
		})
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "queue_depth",
			Help:      "Tasks currently queued, per context.",
		},
		[]string{LabelContext})
	NumbersHarvested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCron,
			Name:      "numbers_harvested_total",
			Help:      "Transaction numbers returned to the available pool.",
		})
)

var registerOnce sync.Once

// RegisterMetrics installs the collectors on the default registerer. Safe to
// call from every entry point.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TasksStarted)
		prometheus.MustRegister(TasksCompleted)
		prometheus.MustRegister(RefreshCycles)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(NumbersHarvested)
	})
}
