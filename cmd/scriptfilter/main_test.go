package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/scriptfilter/pkg/filter"
)

const (
	multiplierScript = "../../pkg/scripting/testdata/field_multiplier.js"
	brokenScript     = "../../pkg/scripting/testdata/broken.js"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "multiplier.js", "function filter(event) { return [event]; }")
	path := writeFile(t, dir, "scriptfilter.yaml", `
workers: 3
filter:
  path: multiplier.js
  script_params:
    field: foo
  tag_on_exception: [_failed, _failed]
jetstream:
  stream: LOGS
  fetch_wait: 2s
tracing:
  otlp_endpoint: collector:4318
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, filepath.Join(dir, "multiplier.js"), cfg.Filter.Path, "script path is relative to the config file")
	assert.Equal(t, filter.TagSet{"_failed", "_failed"}, cfg.Filter.TagOnException)
	assert.Equal(t, "LOGS", cfg.JetStream.Stream)
	assert.Equal(t, 2*time.Second, cfg.JetStream.FetchWait)
	assert.Equal(t, 10, cfg.JetStream.BatchSize, "defaults survive the file")
	assert.Equal(t, "collector:4318", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, "scriptfilter", cfg.Tracing.ServiceName)
}

func TestLoadConfigTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scriptfilter.toml", `
workers = 2

[filter]
code = "event.set('seen', true);"
add_tag = ["seen"]

[nats]
url = "nats://nats:4222"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "event.set('seen', true);", cfg.Filter.Code)
	assert.Equal(t, []string{"seen"}, cfg.Filter.AddTag)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "scriptfilter", cfg.NATS.Name)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scriptfilter.yaml", "workers: 3\nnats:\n  url: nats://file:4222\n")

	t.Setenv("SCRIPTFILTER_WORKERS", "5")
	t.Setenv("SCRIPTFILTER_NATS_URL", "nats://env:4222")
	t.Setenv("SCRIPTFILTER_JETSTREAM_BATCH_SIZE", "50")
	t.Setenv("SCRIPTFILTER_SCRIPT_STORE_CONTAINER", "scripts")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 50, cfg.JetStream.BatchSize)
	assert.Equal(t, "scripts", cfg.ScriptStore.Container)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeFile(t, dir, "config.json", "{}"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = loadConfig(writeFile(t, dir, "bad.yaml", "workers: [1"))
	assert.Error(t, err)

	_, err = loadConfig(writeFile(t, dir, "zero.toml", "workers = -1"))
	assert.ErrorContains(t, err, "workers must be greater than 0")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Positive(t, cfg.Workers)
}

func TestTestCommand(t *testing.T) {
	out, err := execute(t, "", "test", multiplierScript)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+multiplierScript+" (shared, 1 self-tests)")
	assert.Contains(t, out, "- standard flow")

	out, err = execute(t, "", "test", multiplierScript, brokenScript)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL "+brokenScript)
	assert.Contains(t, out, "1 of 2 scripts failed")

	_, err = execute(t, "", "test", "--params", "[1]", multiplierScript)
	assert.ErrorContains(t, err, "--params must be a JSON object")
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scriptfilter.yaml", `
workers: 1
filter:
  path: `+mustAbs(t, multiplierScript)+`
  script_params:
    field: foo
    multiplier: 10
`)

	out, err := execute(t, "{\"foo\": 2}\n{\"foo\": 5}\n", "run", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "{\"foo\":20}\n{\"foo\":50}\n", out)
}

func TestRunCommandFailsToLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scriptfilter.yaml", "filter:\n  path: "+mustAbs(t, brokenScript)+"\n")

	_, err := execute(t, "", "run", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setting the field")
}

func mustAbs(t *testing.T, path string) string {
	t.Helper()
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}
