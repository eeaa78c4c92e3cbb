// Copyright 2025 Amicable
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

// Package telemetry wraps every other component's operations in structured
// traces and Prometheus metrics (spec C11): sessions active, controller
// runs started/completed/failed, QA pass/fail by classification, HITL
// interrupts raised/resolved by decision type, Git pushes/pulls/conflicts,
// and sandbox exec latency.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface every component instruments against. Metrics
// is the Prometheus-backed implementation; NopRecorder is used when
// metrics are disabled so call sites never need a nil check.
type Recorder interface {
	IncSessionsActive()
	DecSessionsActive()
	RecordSessionCreated()

	RecordRunStarted()
	RecordRunCompleted(phase string, duration time.Duration)
	RecordRunFailed(reason string)

	RecordQAResult(classification string, passed bool, duration time.Duration)
	RecordSelfHealRound(outcome string)

	RecordHITLRaised(actionName string)
	RecordHITLResolved(actionName, decision string)

	RecordGitPush(outcome string)
	RecordGitPull(outcome string)
	RecordGitConflict()

	RecordSandboxExec(duration time.Duration, exitCode int)

	Handler() http.Handler
}

// Metrics is the Prometheus-backed Recorder. The zero value is not usable;
// construct with New.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsFailed    *prometheus.CounterVec

	qaResults  *prometheus.CounterVec
	qaDuration *prometheus.HistogramVec
	healRounds *prometheus.CounterVec

	hitlRaised   *prometheus.CounterVec
	hitlResolved *prometheus.CounterVec

	gitPushes    *prometheus.CounterVec
	gitPulls     *prometheus.CounterVec
	gitConflicts prometheus.Counter

	sandboxExecDuration *prometheus.HistogramVec
}

const namespace = "orchestrator"

// New builds a Metrics registered against a fresh Prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "active",
		Help: "Number of sessions with an open WebSocket connection",
	})
	m.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "created_total",
		Help: "Total number of sessions created",
	})

	m.runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "controller", Name: "runs_started_total",
		Help: "Total number of controller runs started",
	})
	m.runsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "controller", Name: "runs_completed_total",
		Help: "Total number of controller runs that reached a terminal phase",
	}, []string{"phase"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "controller", Name: "run_duration_seconds",
		Help:    "Controller run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
	}, []string{"phase"})
	m.runsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "controller", Name: "runs_failed_total",
		Help: "Total number of controller runs that errored",
	}, []string{"reason"})

	m.qaResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "qa", Name: "results_total",
		Help: "Total number of QA validations by classification and outcome",
	}, []string{"classification", "passed"})
	m.qaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "qa", Name: "duration_seconds",
		Help:    "QA validation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"classification"})
	m.healRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "qa", Name: "self_heal_rounds_total",
		Help: "Total number of self-heal rounds by outcome",
	}, []string{"outcome"})

	m.hitlRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hitl", Name: "interrupts_raised_total",
		Help: "Total number of HITL interrupts raised, by action name",
	}, []string{"action_name"})
	m.hitlResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hitl", Name: "interrupts_resolved_total",
		Help: "Total number of HITL interrupts resolved, by action name and decision",
	}, []string{"action_name", "decision"})

	m.gitPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "git", Name: "pushes_total",
		Help: "Total number of git sync pushes, by outcome",
	}, []string{"outcome"})
	m.gitPulls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "git", Name: "pulls_total",
		Help: "Total number of git sync pulls, by outcome",
	}, []string{"outcome"})
	m.gitConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "git", Name: "conflicts_total",
		Help: "Total number of git sync merge conflicts encountered",
	})

	m.sandboxExecDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sandbox", Name: "exec_duration_seconds",
		Help:    "Sandbox exec call latency in seconds, by exit status class",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"exit_status"})

	m.registry.MustRegister(
		m.sessionsActive, m.sessionsCreated,
		m.runsStarted, m.runsCompleted, m.runDuration, m.runsFailed,
		m.qaResults, m.qaDuration, m.healRounds,
		m.hitlRaised, m.hitlResolved,
		m.gitPushes, m.gitPulls, m.gitConflicts,
		m.sandboxExecDuration,
	)
	return m
}

func (m *Metrics) IncSessionsActive()    { m.sessionsActive.Inc() }
func (m *Metrics) DecSessionsActive()    { m.sessionsActive.Dec() }
func (m *Metrics) RecordSessionCreated() { m.sessionsCreated.Inc() }

func (m *Metrics) RecordRunStarted() { m.runsStarted.Inc() }

func (m *Metrics) RecordRunCompleted(phase string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(phase).Inc()
	m.runDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (m *Metrics) RecordRunFailed(reason string) {
	m.runsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordQAResult(classification string, passed bool, duration time.Duration) {
	m.qaResults.WithLabelValues(classification, boolLabel(passed)).Inc()
	m.qaDuration.WithLabelValues(classification).Observe(duration.Seconds())
}

func (m *Metrics) RecordSelfHealRound(outcome string) {
	m.healRounds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordHITLRaised(actionName string) {
	m.hitlRaised.WithLabelValues(actionName).Inc()
}

func (m *Metrics) RecordHITLResolved(actionName, decision string) {
	m.hitlResolved.WithLabelValues(actionName, decision).Inc()
}

func (m *Metrics) RecordGitPush(outcome string) { m.gitPushes.WithLabelValues(outcome).Inc() }
func (m *Metrics) RecordGitPull(outcome string) { m.gitPulls.WithLabelValues(outcome).Inc() }
func (m *Metrics) RecordGitConflict()           { m.gitConflicts.Inc() }

func (m *Metrics) RecordSandboxExec(duration time.Duration, exitCode int) {
	m.sandboxExecDuration.WithLabelValues(exitStatusLabel(exitCode)).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, e.g. to register
// additional collectors at startup.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func exitStatusLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return "error"
}

// NopRecorder discards every call. Used when METRICS_ADDR is unset.
type NopRecorder struct{}

func (NopRecorder) IncSessionsActive()    {}
func (NopRecorder) DecSessionsActive()    {}
func (NopRecorder) RecordSessionCreated() {}

func (NopRecorder) RecordRunStarted()                                {}
func (NopRecorder) RecordRunCompleted(_ string, _ time.Duration)     {}
func (NopRecorder) RecordRunFailed(_ string)                         {}
func (NopRecorder) RecordQAResult(_ string, _ bool, _ time.Duration) {}
func (NopRecorder) RecordSelfHealRound(_ string)                     {}
func (NopRecorder) RecordHITLRaised(_ string)                        {}
func (NopRecorder) RecordHITLResolved(_, _ string)                   {}
func (NopRecorder) RecordGitPush(_ string)                           {}
func (NopRecorder) RecordGitPull(_ string)                           {}
func (NopRecorder) RecordGitConflict()                               {}
func (NopRecorder) RecordSandboxExec(_ time.Duration, _ int)         {}

func (NopRecorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NopRecorder{}
)
