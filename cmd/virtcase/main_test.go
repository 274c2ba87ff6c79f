package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/process/processtest"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

const vm1XML = `<domain type='kvm'>
  <name>vm1</name>
  <memory unit='KiB'>1048576</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
</domain>`

const vcpuCase = `
name: vcpu
description: boot with more vcpus
vm: vm1
tags: [cpu]
variants:
  - - name: four
      params: {vcpu: "4"}
    - name: eight
      params: {vcpu: "8"}
      tags: [slow]
steps:
  - xml: {set_vcpu: "${vcpu}"}
  - sync: {}
  - virsh: {command: dominfo, args: ["${main_vm}"], expect: "${expect}"}
`

type cli struct {
	dir    string
	config string
	runner *processtest.FakeRunner
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		runner: processtest.NewFakeRunner(
			processtest.Response{Prefix: "virsh -c test:///default dumpxml vm1", Result: processtest.Success(vm1XML)},
			processtest.Response{Prefix: "virsh -c test:///default domstate vm1", Result: processtest.Success("shut off\n")},
			processtest.Response{Prefix: "virsh -c test:///default dominfo vm1", Result: processtest.Success("Name: vm1\nState: shut off\n")},
		),
	}

	config := `
uri: "test:///default"
stateDir: ` + filepath.Join(dir, "state") + `
artifactDir: ` + filepath.Join(dir, "artifacts") + `
caseDirs: [` + filepath.Join(dir, "cases") + `]
restarter: none
params:
  expect: "Name: vm1"
`
	require.NoError(t, os.WriteFile(c.config, []byte(config), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cases"), 0o755))
	return c
}

func (c *cli) writeCase(t *testing.T, name, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "cases", name), []byte(doc), 0o644))
}

func (c *cli) run(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	opts := &globalOptions{out: &out, errOut: &errOut, runner: c.runner}
	args = append([]string{"--config", c.config}, args...)
	code := execute(context.Background(), newRootCommand(opts), args, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_AllPass(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)

	code, out, stderr := c.run("run", "--run-id", "run1")

	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, out, " (1/2) vcpu.four: PASS")
	assert.Contains(t, out, " (2/2) vcpu.eight: PASS")
	assert.Contains(t, out, "Cases: 2 total, 2 passed")
	assert.True(t, c.runner.Called("virsh -c test:///default define "))
	assert.True(t, c.runner.Called("virsh -c test:///default undefine vm1"))

	b, err := os.ReadFile(filepath.Join(c.dir, "artifacts", "run1", "report.json"))
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Equal(t, "run1", report["runID"])

	_, err = os.Stat(filepath.Join(c.dir, "artifacts", "run1", "vcpu.four", "case.log"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(c.dir, "state", "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, entries, "every snapshot is restored and deleted")
}

func TestRun_FailureExitCode(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)

	code, out, _ := c.run("run", "--match", "four", "--param", "expect=State: running")

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, " (1/1) vcpu.four: FAIL")
	assert.NotContains(t, out, "vcpu.eight")
}

func TestRun_TagsAndMetrics(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)
	textfile := filepath.Join(c.dir, "virtcase.prom")

	code, out, stderr := c.run("run", "--tags", "cpu,!slow", "--metrics-textfile", textfile, "--format", "text")

	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, out, "vcpu.four: PASS")
	assert.NotContains(t, out, "vcpu.eight")

	b, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), `virtcase_cases_total{status="PASS"} 1`)
}

func TestRun_NoCase(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)

	code, _, stderr := c.run("run", "--match", "memory")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, errNoCase.Error())
}

func TestRun_InvalidCase(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "broken.yaml", "name: broken\nsteps: []\n")

	code, _, stderr := c.run("run")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "broken.yaml")
	assert.Empty(t, c.runner.Calls())
}

func TestList(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)

	code, out, stderr := c.run("list")
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, out, "vcpu.four")
	assert.Contains(t, out, "cpu,slow")
	assert.Contains(t, out, "2 case(s)")

	code, out, _ = c.run("list", "--format", "json", "--match", "eight")
	require.Equal(t, exitSuccess, code)
	var entries []listEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "vcpu.eight", entries[0].Name)
	assert.Equal(t, 3, entries[0].Steps)
	assert.Equal(t, "8", entries[0].Params["vcpu"])
}

func TestValidate(t *testing.T) {
	c := newCLI(t)
	c.writeCase(t, "vcpu.yaml", vcpuCase)

	code, out, _ := c.run("validate")
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "1 file(s) valid, 2 case(s) after expansion, 0 invalid")

	c.writeCase(t, "broken.yaml", "name: broken\nsteps:\n  - sleep: forever\n")
	code, out, stderr := c.run("validate")
	assert.Equal(t, exitError, code)
	assert.Contains(t, out, "1 invalid")
	assert.Contains(t, stderr, "broken.yaml")
}

func TestRestore_NothingPending(t *testing.T) {
	c := newCLI(t)

	code, out, stderr := c.run("restore")

	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, out, "0 domain(s) restored")
}

func TestVersion(t *testing.T) {
	c := newCLI(t)

	code, out, _ := c.run("version")

	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "virtcase version dev")
}

func TestUnknownCommand(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run("frobnicate")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		interrupted bool
		expected    int
	}{
		{name: "success", code: exitSuccess, expected: exitSuccess},
		{name: "failure", code: exitFailure, expected: exitFailure},
		{name: "interrupted success", code: exitSuccess, interrupted: true, expected: 130},
		{name: "interrupted failure", code: exitFailure, interrupted: true, expected: 130},
		{name: "interrupted error", code: exitError, interrupted: true, expected: 130},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.code, tt.interrupted))
		})
	}
}
