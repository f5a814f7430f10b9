package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	forwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multitask",
			Name:      "forward_total",
			Help:      "Task forward passes, by task and mode (train|eval)",
		},
		[]string{"task", "mode"},
	)

	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "multitask",
			Name:      "forward_duration_seconds",
			Help:      "Wall time of one task forward pass over a batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"task"},
	)

	trainableParameters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "multitask",
			Name:      "trainable_parameters",
			Help:      "Parameters that receive gradients in the most recently built model",
		},
	)
)

func init() {
	prometheus.MustRegister(forwardTotal, forwardDuration, trainableParameters)
}

func modeLabel(training bool) string {
	if training {
		return "train"
	}
	return "eval"
}

// observeForward records one completed task forward pass.
func observeForward(task Task, training bool, start time.Time) {
	forwardTotal.WithLabelValues(task.String(), modeLabel(training)).Inc()
	forwardDuration.WithLabelValues(task.String()).Observe(time.Since(start).Seconds())
}
