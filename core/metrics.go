package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "icarus"

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Count of jobs accepted by spawn",
	})
	jobsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "admitted_total",
		Help:      "Count of pending jobs admitted into building",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Count of jobs reaching a terminal status, by status",
	}, []string{"status"})
	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "scheduler",
		Name:      "active_jobs",
		Help:      "Jobs currently occupying an admission slot",
	})
	schedulerWakes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "scheduler",
		Name:      "wakes_total",
		Help:      "Count of scheduler loop wakeups",
	})

	phaseDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "phases",
		Name:      "duration_seconds",
		Help:      "Wall time per phase, from sandbox create to release",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"phase"})
	phaseTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "phases",
		Name:      "timeouts_total",
		Help:      "Count of phase deadline expiries that failed the job",
	}, []string{"phase"})

	callbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "callbacks",
		Name:      "received_total",
		Help:      "Count of worker callbacks by kind",
	}, []string{"kind"})
	callbacksDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "callbacks",
		Name:      "discarded_total",
		Help:      "Count of callbacks dropped because the job was not in a sandbox-awaiting status",
	})

	streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Currently connected push-channel subscribers",
	})
	streamLaggards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "stream",
		Name:      "laggards_dropped_total",
		Help:      "Count of subscribers disconnected because their buffer filled",
	})
)
