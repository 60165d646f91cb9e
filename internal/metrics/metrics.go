// Copyright 2025 The AgentFlow Authors
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

// Package metrics exposes Prometheus instrumentation shared by the
// evaluator, the runner service, and the agent. All collectors are
// registered on the default registry via promauto; serve them with
// promhttp.Handler on the service's metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// evaluatorIterations counts committed evaluator iterations.
	evaluatorIterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_evaluator_iterations_total",
			Help: "Total committed evaluator iterations across all runners",
		},
	)

	// evaluatorOutcomes counts evaluator invocations by final status.
	evaluatorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_evaluator_outcomes_total",
			Help: "Total evaluator invocations by outcome status",
		},
		[]string{"status"},
	)

	// stepTransitions counts step state transitions by resulting state.
	stepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_step_transitions_total",
			Help: "Total step state transitions by resulting state",
		},
		[]string{"state"},
	)

	// commitRetries counts retried iteration commits.
	commitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_commit_retries_total",
			Help: "Total iteration commit retries after a persistence error",
		},
	)

	// taskClaims counts task claim attempts by outcome.
	taskClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_task_claims_total",
			Help: "Total task claim attempts by outcome (claimed, empty, error)",
		},
		[]string{"outcome"},
	)

	// handlerExecutions counts facet handler executions by facet and outcome.
	handlerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_handler_executions_total",
			Help: "Total facet handler executions by facet name and outcome",
		},
		[]string{"facet", "outcome"},
	)

	// handlerDuration observes facet handler wall time.
	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_handler_duration_seconds",
			Help:    "Facet handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"facet"},
	)

	// heartbeats counts server heartbeat pings by service kind.
	heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_heartbeats_total",
			Help: "Total server heartbeat pings by service kind",
		},
		[]string{"service"},
	)

	// staleTasksRequeued counts tasks re-pended by the stale-task janitor.
	staleTasksRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_stale_tasks_requeued_total",
			Help: "Total running tasks returned to pending after their server went stale",
		},
	)
)

// Claim outcome labels.
const (
	ClaimOutcomeClaimed = "claimed"
	ClaimOutcomeEmpty   = "empty"
	ClaimOutcomeError   = "error"
)

// RecordIteration increments the committed-iteration counter.
func RecordIteration() {
	evaluatorIterations.Inc()
}

// RecordEvaluation increments the evaluator outcome counter.
func RecordEvaluation(status string) {
	evaluatorOutcomes.WithLabelValues(status).Inc()
}

// RecordStepTransition increments the transition counter for the state a
// step just entered.
func RecordStepTransition(state string) {
	stepTransitions.WithLabelValues(state).Inc()
}

// RecordCommitRetry increments the commit retry counter.
func RecordCommitRetry() {
	commitRetries.Inc()
}

// RecordTaskClaim increments the claim counter with one of the
// ClaimOutcome* labels.
func RecordTaskClaim(outcome string) {
	taskClaims.WithLabelValues(outcome).Inc()
}

// RecordHandlerExecution increments the handler counter and observes the
// handler's duration.
func RecordHandlerExecution(facet, outcome string, seconds float64) {
	handlerExecutions.WithLabelValues(facet, outcome).Inc()
	handlerDuration.WithLabelValues(facet).Observe(seconds)
}

// RecordHeartbeat increments the heartbeat counter for a service kind.
func RecordHeartbeat(service string) {
	heartbeats.WithLabelValues(service).Inc()
}

// RecordStaleTaskRequeued increments the janitor requeue counter.
func RecordStaleTaskRequeued() {
	staleTasksRequeued.Inc()
}
