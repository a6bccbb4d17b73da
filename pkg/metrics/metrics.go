// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the Builder scheduler,
// grounded on the teacher's pkg/service/metrics package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler holds the Builder's Prometheus metrics: one gauge pair tracking
// in-flight steps by kind, a counter for terminal outcomes, and a histogram
// of step durations, mirroring the teacher's BuildQueueDepth/ActiveBuilds/
// BuildDurationSeconds shape one level down, at per-step rather than
// per-build granularity.
type Scheduler struct {
	StepsActive    *prometheus.GaugeVec
	StepsTotal     *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	RestartedSteps prometheus.Counter

	registry *prometheus.Registry
}

// NewScheduler creates a Scheduler with all metrics registered against a
// fresh registry.
func NewScheduler() *Scheduler {
	reg := prometheus.NewRegistry()

	m := &Scheduler{
		StepsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bob_steps_active",
				Help: "Number of steps currently executing, by kind",
			},
			[]string{"kind"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bob_steps_total",
				Help: "Total number of steps completed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bob_step_duration_seconds",
				Help:    "Duration of steps in seconds, by kind",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
			},
			[]string{"kind"},
		),
		RestartedSteps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bob_steps_restarted_total",
				Help: "Total number of checkout steps restarted after a live-build-id misprediction",
			},
		),
	}

	reg.MustRegister(
		m.StepsActive,
		m.StepsTotal,
		m.StepDuration,
		m.RestartedSteps,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.registry = reg
	return m
}

// Handler serves this Scheduler's metrics in the Prometheus exposition
// format.
func (m *Scheduler) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepStarted records a step beginning execution.
func (m *Scheduler) StepStarted(kind string) {
	m.StepsActive.WithLabelValues(kind).Inc()
}

// StepFinished records a step's terminal outcome and duration.
func (m *Scheduler) StepFinished(kind, outcome string, durationSeconds float64) {
	m.StepsActive.WithLabelValues(kind).Dec()
	m.StepsTotal.WithLabelValues(kind, outcome).Inc()
	m.StepDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// StepRestarted records a live-build-id misprediction restart.
func (m *Scheduler) StepRestarted() {
	m.RestartedSteps.Inc()
}
