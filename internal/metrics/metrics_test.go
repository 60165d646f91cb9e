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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStepTransition(t *testing.T) {
	initial := testutil.ToFloat64(stepTransitions.With(prometheus.Labels{
		"state": "StatementComplete",
	}))

	RecordStepTransition("StatementComplete")
	RecordStepTransition("StatementComplete")

	got := testutil.ToFloat64(stepTransitions.With(prometheus.Labels{
		"state": "StatementComplete",
	}))
	if got != initial+2 {
		t.Errorf("expected count to increment by 2, got initial=%f, new=%f", initial, got)
	}
}

func TestRecordTaskClaim(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
	}{
		{name: "claimed", outcome: ClaimOutcomeClaimed},
		{name: "empty", outcome: ClaimOutcomeEmpty},
		{name: "error", outcome: ClaimOutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(taskClaims.With(prometheus.Labels{
				"outcome": tt.outcome,
			}))

			RecordTaskClaim(tt.outcome)

			got := testutil.ToFloat64(taskClaims.With(prometheus.Labels{
				"outcome": tt.outcome,
			}))
			if got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestRecordHandlerExecution(t *testing.T) {
	initial := testutil.ToFloat64(handlerExecutions.With(prometheus.Labels{
		"facet":   "AddOne",
		"outcome": "completed",
	}))

	RecordHandlerExecution("AddOne", "completed", 0.25)

	got := testutil.ToFloat64(handlerExecutions.With(prometheus.Labels{
		"facet":   "AddOne",
		"outcome": "completed",
	}))
	if got != initial+1 {
		t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}

func TestRecordEvaluation(t *testing.T) {
	initial := testutil.ToFloat64(evaluatorOutcomes.With(prometheus.Labels{
		"status": "Completed",
	}))

	RecordEvaluation("Completed")

	got := testutil.ToFloat64(evaluatorOutcomes.With(prometheus.Labels{
		"status": "Completed",
	}))
	if got != initial+1 {
		t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
	}
}
