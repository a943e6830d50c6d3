package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func fileBackendConfig(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "checkpoints")
	return writeConfig(t, `
retry:
  max_attempts: 2
  base_delay: 1ms
  max_delay: 2ms
checkpoint:
  backend: file
  path: `+dir+`
log:
  level: error
`)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func checkpointIDFrom(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(line, "checkpoint: "); ok {
			return strings.TrimSpace(id)
		}
	}
	t.Fatalf("no checkpoint id in output:\n%s", out)
	return ""
}

func TestConfigCommands(t *testing.T) {
	cfg := fileBackendConfig(t)

	out, err := run(t, "config", "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "config OK (backend=file")

	out, err = run(t, "config", "show", "-c", cfg, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"base_delay": "1ms"`)

	out, err = run(t, "config", "show", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "backend: file")

	_, err = run(t, "config", "show", "-c", cfg, "-o", "xml")
	assert.Error(t, err)

	bad := writeConfig(t, "checkpoint:\n  backend: tape\nlog:\n  format: pretty\n")
	_, err = run(t, "config", "validate", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint.backend")
	assert.Contains(t, err.Error(), "log.format")
}

func TestDemoRun_Defaults(t *testing.T) {
	out, err := run(t, "demo", "run", "--records", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "fetch -> parse -> enrich -> merge")
	assert.Contains(t, out, "2 parsed, 2 enriched")
	assert.NotContains(t, out, "checkpoint: ")

	_, err = run(t, "demo", "run", "--fail", "nope")
	assert.ErrorContains(t, err, "no such node")
}

func TestDemoRun_ParallelMode(t *testing.T) {
	out, err := run(t, "demo", "run", "--parallel")
	require.NoError(t, err)
	assert.Contains(t, out, "3 parsed, 3 enriched")
}

func TestDemo_FailCheckpointResume(t *testing.T) {
	cfg := fileBackendConfig(t)

	out, err := run(t, "demo", "run", "-c", cfg, "--checkpoint", "--fail", "enrich")
	require.Error(t, err)
	assert.Contains(t, out, "failed")
	id := checkpointIDFrom(t, out)

	out, err = run(t, "checkpoint", "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "1 checkpoints")

	out, err = run(t, "checkpoint", "show", "-c", cfg, id)
	require.NoError(t, err)
	assert.Contains(t, out, "meta.trigger")
	assert.Contains(t, out, "failure")
	assert.Contains(t, out, "fetch, parse")
	assert.Contains(t, out, `"items"`)

	out, err = run(t, "demo", "resume", "-c", cfg, id)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "fetch -> parse -> enrich -> merge")
	assert.Contains(t, out, "3 parsed, 3 enriched")

	out, err = run(t, "checkpoint", "delete", "-c", cfg, id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, err = run(t, "checkpoint", "show", "-c", cfg, id)
	assert.Error(t, err)
}
