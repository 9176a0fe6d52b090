package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// run executes the CLI against root and returns stdout, stderr and the
// exit code main would use.
func run(t *testing.T, root string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--root", root}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), GetExitCode(err)
}

type resultResponse struct {
	Status string        `json:"status"`
	Data   engine.Result `json:"data"`
	Error  *CLIError     `json:"error"`
}

func runJSON(t *testing.T, root string, args ...string) (resultResponse, int) {
	t.Helper()
	stdout, stderr, code := run(t, root, append([]string{"--format", "json"}, args...)...)
	var resp resultResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), "stdout=%q stderr=%q", stdout, stderr)
	return resp, code
}

func TestCLI_Lifecycle(t *testing.T) {
	root := t.TempDir()
	src := writeFile(t, t.TempDir(), "next.md", "# next\n")
	appSrc := writeFile(t, t.TempDir(), "app.md", "# app\n")

	resp, code := runJSON(t, root, "create", "cmd:next", "--domain", "pm", "--artifact", "cmd/next.md="+src)
	require.Equal(t, ExitSuccess, code, resp.Error)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(0), resp.Data.Record.Sequence)
	assert.Equal(t, ir.StatusDraft, resp.Data.Record.State.Component.Status)

	data, err := os.ReadFile(filepath.Join(root, "workspace", "cmd", "next.md"))
	require.NoError(t, err)
	assert.Equal(t, "# next\n", string(data))

	_, code = runJSON(t, root, "validate", "cmd:next")
	require.Equal(t, ExitSuccess, code)

	resp, code = runJSON(t, root, "add-capability", "cmd:next", "-t", "Next  Task")
	require.Equal(t, ExitSuccess, code, resp.Error)
	assert.Equal(t, "0.2.0", resp.Data.Record.State.Component.Version)
	assert.Equal(t, []string{"next task"}, resp.Data.Record.State.Component.Triggers)

	_, code = runJSON(t, root, "create", "app", "--dep", "cmd:next", "--artifact", "app.md="+appSrc)
	require.Equal(t, ExitSuccess, code)
	_, code = runJSON(t, root, "validate", "app")
	require.Equal(t, ExitSuccess, code)

	// The trigger is reserved in the registry database.
	resp, code = runJSON(t, root, "create", "cmd:other", "--artifact", "other.md="+appSrc)
	require.Equal(t, ExitSuccess, code)
	_, code = runJSON(t, root, "validate", "cmd:other")
	require.Equal(t, ExitSuccess, code)
	resp, code = runJSON(t, root, "add-capability", "cmd:other", "-t", "next task")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	resp, code = runJSON(t, root, "rollback", "cmd:next", "1")
	assert.Equal(t, ExitSafety, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNSAFE_ROLLBACK", resp.Error.Code)
	assert.Equal(t, "safety", resp.Error.Class)

	resp, code = runJSON(t, root, "rollback", "cmd:next", "1", "--cascade")
	require.Equal(t, ExitSuccess, code, resp.Error)
	assert.Equal(t, ir.StatusTested, resp.Data.Record.State.Component.Status)
	require.Contains(t, resp.Data.Revalidated, "app")
	assert.True(t, resp.Data.Revalidated["app"].Passed)

	stdout, _, code := run(t, root, "--format", "json", "history", "cmd:next")
	require.Equal(t, ExitSuccess, code)
	var hist struct {
		Data []ir.EvolutionRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &hist))
	require.Len(t, hist.Data, 4)
	assert.Equal(t, ir.OpRollback, hist.Data[3].Operation)

	stdout, _, code = run(t, root, "--format", "json", "diff", "cmd:next", "0", "2")
	require.Equal(t, ExitSuccess, code)
	var diffs struct {
		Data []engine.ArtifactDiff `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &diffs))
	assert.Len(t, diffs.Data, 2)
}

func TestCLI_VerifyAndReconcile(t *testing.T) {
	root := t.TempDir()
	src := writeFile(t, t.TempDir(), "next.md", "# next\n")
	_, code := runJSON(t, root, "create", "cmd:next", "--artifact", "cmd/next.md="+src)
	require.Equal(t, ExitSuccess, code)

	_, code = runJSON(t, root, "verify", "cmd:next")
	require.Equal(t, ExitSuccess, code)

	live := filepath.Join(root, "workspace", "cmd", "next.md")
	require.NoError(t, os.WriteFile(live, []byte("tampered\n"), 0o644))

	resp, code := runJSON(t, root, "verify", "cmd:next")
	assert.Equal(t, ExitIntegrity, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTEGRITY", resp.Error.Code)

	resp, code = runJSON(t, root, "reconcile", "--all")
	require.Equal(t, ExitSuccess, code, resp.Error)
	assert.Equal(t, []string{"cmd/next.md"}, resp.Data.Repaired)

	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "# next\n", string(data))
	_, code = runJSON(t, root, "verify", "cmd:next")
	assert.Equal(t, ExitSuccess, code)

	stdout, _, code := run(t, root, "gc")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "archive objects removed")
}

func TestCLI_SplitFromFile(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		writeFile(t, dir, "src/"+name, name+"\n")
	}
	component := writeFile(t, dir, "pm.yaml", `id: pm
kind: command
artifacts:
  - {ref: pm/a.md, source: src/a.md}
  - {ref: pm/b.md, source: src/b.md}
  - {ref: pm/c.md, source: src/c.md}
`)
	partition := writeFile(t, dir, "partition.yaml", `buckets:
  - name: pm-core
    artifacts: [pm/a.md, pm/b.md]
  - name: pm-tracking
    artifacts: [pm/c.md]
`)

	stdout, stderr, code := run(t, root, "create", "--file", component)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "pm #0 create")
	_, _, code = run(t, root, "validate", "pm")
	require.Equal(t, ExitSuccess, code)

	resp, code := runJSON(t, root, "split", "pm", "--file", partition)
	require.Equal(t, ExitSuccess, code, resp.Error)
	assert.Len(t, resp.Data.Records, 3)
	assert.Equal(t, ir.StatusOrchestrator, resp.Data.Record.State.Component.Status)

	stdout, _, code = run(t, root, "show", "pm-core")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "pm-core (command)")
	assert.Contains(t, stdout, "pm/a.md")

	resp, code = runJSON(t, root, "rollback", "pm", "1")
	require.Equal(t, ExitSuccess, code, resp.Error)
	_, code = runJSON(t, root, "verify", "pm")
	assert.Equal(t, ExitSuccess, code)
}

func TestCLI_Errors(t *testing.T) {
	root := t.TempDir()

	resp, code := runJSON(t, root, "show", "cmd:ghost")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	resp, code = runJSON(t, root, "create", "bad id")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)

	resp, code = runJSON(t, root, "rollback", "cmd:next", "one")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ERROR", resp.Error.Code)

	resp, code = runJSON(t, root, "reconcile")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)

	_, stderr, code := run(t, root, "validate", "cmd:ghost")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "Error [NOT_FOUND]")
}

func TestCLI_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "state")
	cfg := writeFile(t, dir, "evolve.yaml", "root: "+root+"\ncompression: lz4\nsplit_mode: retire\n")
	src := writeFile(t, dir, "next.md", "# next\n")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", cfg, "create", "cmd:next", "--artifact", "cmd/next.md=" + src})
	require.NoError(t, cmd.Execute(), stderr.String())

	_, err := os.Stat(filepath.Join(root, "registry.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "history"))
	assert.NoError(t, err)
}

func TestCLI_MetricsFile(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "state")
	prom := filepath.Join(dir, "evolve.prom")
	cfg := writeFile(t, dir, "evolve.yaml", "root: "+root+"\nmetrics_file: "+prom+"\n")
	src := writeFile(t, dir, "next.md", "# next\n")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", cfg, "create", "cmd:next", "--artifact", "cmd/next.md=" + src})
	require.NoError(t, cmd.Execute(), stderr.String())

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `evolve_operations_total{operation="create",outcome="ok"} 1`)
	assert.Contains(t, string(data), `evolve_records_committed_total{operation="create"} 1`)
}
