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

package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func errorAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Bool("error", true)}
}

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Errorf("ForceFlush() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(Config{
		Enabled:     true,
		ServiceName: "afl-test",
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := otel.Tracer("agentflow/test").Start(context.Background(), "test.operation")
	span.End()

	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "test.operation") {
		t.Errorf("exported output missing span name, got %q", out)
	}
	if !strings.Contains(out, "afl-test") {
		t.Errorf("exported output missing service name, got %q", out)
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name string
		cfg  SamplingConfig
		want string
	}{
		{"disabled samples all", SamplingConfig{Enabled: false, Rate: 0.1}, "AlwaysOnSampler"},
		{"full rate samples all", SamplingConfig{Enabled: true, Rate: 1.0}, "AlwaysOnSampler"},
		{"zero rate samples none", SamplingConfig{Enabled: true, Rate: 0}, "AlwaysOffSampler"},
		{"ratio", SamplingConfig{Enabled: true, Rate: 0.25}, "TraceIDRatioBased"},
		{"error aware wraps base", SamplingConfig{Enabled: true, Rate: 0.25, AlwaysSampleErrors: true}, "ErrorAwareSampler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSampler(tt.cfg)
			if !strings.Contains(s.Description(), tt.want) {
				t.Errorf("Description() = %q, want containing %q", s.Description(), tt.want)
			}
		})
	}
}

func TestErrorAwareSamplerAlwaysRecordsErrors(t *testing.T) {
	s := NewSampler(SamplingConfig{Enabled: true, Rate: 0, AlwaysSampleErrors: true})

	errResult := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "failing.operation",
		Attributes:    errorAttributes(),
	})
	if errResult.Decision != sdktrace.RecordAndSample {
		t.Errorf("error span decision = %v, want RecordAndSample", errResult.Decision)
	}

	okResult := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "ok.operation",
	})
	if okResult.Decision == sdktrace.RecordAndSample {
		t.Errorf("ok span decision = %v, want dropped at rate 0", okResult.Decision)
	}
}
