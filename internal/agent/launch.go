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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Environment variables passed to handler subprocesses. The subprocess
// reads its step through the store the variables point at.
const (
	EnvStepID    = "AFL_STEP_ID"
	EnvTaskID    = "AFL_TASK_ID"
	EnvRunnerID  = "AFL_RUNNER_ID"
	EnvFacetName = "AFL_FACET_NAME"
)

// Launcher runs artifact-backed handlers as subprocesses. Jar modules
// run under the configured Java command; anything else is executed
// directly.
type Launcher struct {
	javaCmd string
	env     []string
	logger  *slog.Logger
}

// NewLauncher creates a launcher with the default Java command.
func NewLauncher() *Launcher {
	return &Launcher{
		javaCmd: "java",
		logger:  log.WithComponent(slog.Default(), "launcher"),
	}
}

// WithJavaCommand sets the command used for jar modules.
func (l *Launcher) WithJavaCommand(cmd string) *Launcher {
	if cmd != "" {
		l.javaCmd = cmd
	}
	return l
}

// WithStoreEnv sets the store coordinates exported to subprocesses,
// e.g. AFL_STORE_URL and AFL_STORE_DB.
func (l *Launcher) WithStoreEnv(env map[string]string) *Launcher {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l.env = l.env[:0]
	for _, k := range keys {
		l.env = append(l.env, k+"="+env[k])
	}
	return l
}

// WithLogger sets the logger.
func (l *Launcher) WithLogger(logger *slog.Logger) *Launcher {
	if logger != nil {
		l.logger = log.WithComponent(logger, "launcher")
	}
	return l
}

// Launch runs the module at path for one claimed task. The task payload
// goes to the subprocess on stdin as JSON; if the subprocess prints a
// JSON object on stdout it is taken as the handler's returns. The
// timeout is enforced by killing the process.
func (l *Launcher) Launch(ctx context.Context, path, entrypoint string, task *store.Task, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	facet := facetNameOf(task)

	var cmd *exec.Cmd
	switch {
	case strings.HasSuffix(path, ".jar") && entrypoint != "":
		cmd = exec.CommandContext(ctx, l.javaCmd, "-cp", path, entrypoint)
	case strings.HasSuffix(path, ".jar"):
		cmd = exec.CommandContext(ctx, l.javaCmd, "-jar", path)
	case entrypoint != "":
		cmd = exec.CommandContext(ctx, path, entrypoint)
	default:
		cmd = exec.CommandContext(ctx, path)
	}

	payload, err := json.Marshal(task.Data)
	if err != nil {
		return nil, &aflerrors.HandlerError{Facet: facet, Message: "encoding task payload", Cause: err}
	}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		EnvStepID+"="+task.StepID,
		EnvTaskID+"="+task.ID,
		EnvRunnerID+"="+task.RunnerID,
		EnvFacetName+"="+facet,
	)
	cmd.Env = append(cmd.Env, l.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &aflerrors.TimeoutError{
			Operation: "handler " + facet,
			Duration:  timeout,
			Cause:     context.DeadlineExceeded,
		}
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &aflerrors.HandlerError{
			Facet:   facet,
			Message: fmt.Sprintf("subprocess exited with code %d: %s", exitCode, msg),
			Cause:   runErr,
		}
	}

	l.logger.Debug("subprocess finished",
		slog.String(log.FacetKey, facet),
		log.Duration(log.DurationKey, time.Since(start).Milliseconds()))

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var returns map[string]any
	if err := json.Unmarshal(out, &returns); err != nil {
		// Not a returns document; the handler wrote through the store.
		l.logger.Debug("ignoring non-JSON handler output", slog.String(log.FacetKey, facet))
		return nil, nil
	}
	return returns, nil
}

// facetNameOf recovers the facet a task dispatches: the reserved
// payload key when present, the task name otherwise.
func facetNameOf(task *store.Task) string {
	if v, ok := task.Data[store.DataKeyFacetName].(string); ok && v != "" {
		return v
	}
	return task.Name
}
