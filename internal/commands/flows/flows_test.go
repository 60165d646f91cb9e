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

package flows

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/store/memory"
)

const addOneDoc = `
namespaces:
  - name: demo
    facets:
      - name: AddOne
        event: true
        params:
          - name: value
            type: Long
        returns:
          - name: result
            type: Long
    workflows:
      - name: AddOneWorkflow
        params:
          - name: input
            type: Long
        returns:
          - name: output
            type: Long
        body:
          statements:
            - name: added
              facet: AddOne
              args:
                - name: value
                  expression: $.input
            - kind: yield
              facet: AddOneWorkflow
              args:
                - name: output
                  expression: added.result
`

func writeDoc(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestPublishFile(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	path := writeDoc(t, "addone.yaml", addOneDoc)
	fl, workflows, err := PublishFile(ctx, st, path, "")
	require.NoError(t, err)
	assert.Equal(t, "addone", fl.Name)
	assert.Equal(t, []string{"demo.AddOneWorkflow"}, workflows)

	stored, err := st.GetFlow(ctx, fl.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Compiled)

	indexed, err := st.ListWorkflows(ctx, fl.ID)
	require.NoError(t, err)
	require.Len(t, indexed, 1)
	assert.Equal(t, "demo.AddOneWorkflow", indexed[0].Name)
}

func TestPublishFileNamed(t *testing.T) {
	st := memory.New()
	defer st.Close()

	path := writeDoc(t, "addone.yaml", addOneDoc)
	fl, _, err := PublishFile(context.Background(), st, path, "billing-v2")
	require.NoError(t, err)
	assert.Equal(t, "billing-v2", fl.Name)
}

func TestPublishFileInvalid(t *testing.T) {
	st := memory.New()
	defer st.Close()

	path := writeDoc(t, "bad.yaml", "namespaces: [{name: d, workflows: [{name: W}]}]")
	_, _, err := PublishFile(context.Background(), st, path, "")
	assert.Error(t, err)
}

func TestPublishFileMissing(t *testing.T) {
	st := memory.New()
	defer st.Close()

	_, _, err := PublishFile(context.Background(), st, filepath.Join(t.TempDir(), "nope.yaml"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading flow document")
}

func TestResolveFlow(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	path := writeDoc(t, "addone.yaml", addOneDoc)
	fl, _, err := PublishFile(ctx, st, path, "")
	require.NoError(t, err)

	byID, err := resolveFlow(ctx, st, fl.ID)
	require.NoError(t, err)
	assert.Equal(t, fl.ID, byID.ID)

	byName, err := resolveFlow(ctx, st, "addone")
	require.NoError(t, err)
	assert.Equal(t, fl.ID, byName.ID)

	_, err = resolveFlow(ctx, st, "missing")
	assert.Error(t, err)
}
