package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vcpuCase = `
name: vcpu-hotplug
description: Hotplug vcpus and check the guest sees them
tags: [cpu]
vm: avocado-vt-vm1
params:
  status_error: "no"
  vcpu: "4"
variants:
  - - name: live
      params: {flag: "--live"}
    - name: config
      params: {flag: "--config"}
steps:
  - snapshot: {}
  - xml: {set_vcpu: "${vcpu}"}
  - sync: {}
  - virsh: {command: start, args: ["${main_vm}"]}
  - check: {type: qemu_cmdline, contains: "-smp ${vcpu}"}
  - guest: {command: "nproc", expect: "${vcpu}"}
  - monitor: {start: "/var/log/libvirt/qemu/${main_vm}.log", pattern: "shutting down"}
  - virsh: {command: destroy, args: ["${main_vm}"]}
  - monitor: {wait: "shutting down", timeout: 30s}
  - sleep: 1s
`

func writeCase(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load_ValidCase(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeCase(t, tmpDir, "vcpu.yaml", vcpuCase)

	c, err := NewLoader("").Load(path)
	require.NoError(t, err)

	assert.Equal(t, "vcpu-hotplug", c.Name)
	assert.Equal(t, path, c.Source)
	assert.Equal(t, []string{"cpu"}, c.Tags)
	assert.Equal(t, "avocado-vt-vm1", c.VM)
	assert.Equal(t, "4", c.Params["vcpu"])
	require.Len(t, c.Variants, 1)
	assert.Len(t, c.Variants[0], 2)

	require.Len(t, c.Steps, 10)
	wantKinds := []string{
		KindSnapshot, KindXML, KindSync, KindVirsh, KindCheck,
		KindGuest, KindMonitor, KindVirsh, KindMonitor, KindSleep,
	}
	for i, step := range c.Steps {
		assert.Equal(t, wantKinds[i], step.Kind(), "step %d", i)
	}
	assert.Equal(t, "${vcpu}", c.Steps[1].XML.SetVCPU)
	assert.Equal(t, []string{"${main_vm}"}, c.Steps[3].Virsh.Args)
	assert.Equal(t, DurationString("30s"), c.Steps[8].Monitor.Timeout)
	assert.Equal(t, DurationString("1s"), *c.Steps[9].Sleep)
}

func TestLoader_Load_RelativePath(t *testing.T) {
	tmpDir := t.TempDir()
	writeCase(t, tmpDir, "case.yaml", vcpuCase)

	c, err := NewLoader(tmpDir).Load("case.yaml")
	require.NoError(t, err)
	assert.Equal(t, "vcpu-hotplug", c.Name)
}

func TestLoader_Load_NonExistent(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load("missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoader_Load_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeCase(t, tmpDir, "bad.yaml", "name: [unclosed\n")

	_, err := NewLoader("").Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoader_Load_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeCase(t, tmpDir, "invalid.yaml", "name: no-steps\n")

	_, err := NewLoader("").Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one step is required")

	var verrs ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestLoader_LoadMultiple(t *testing.T) {
	tmpDir := t.TempDir()
	writeCase(t, tmpDir, "a.yaml", vcpuCase)
	writeCase(t, tmpDir, "b.yml", "name: destroy\nsteps:\n  - destroy: {}\n")
	writeCase(t, tmpDir, "c.yaml", "name: broken\n")
	writeCase(t, tmpDir, "notes.txt", "ignored")

	cases, errs := NewLoader(tmpDir).LoadMultiple([]string{".", "missing.yaml"})

	require.Len(t, cases, 2)
	assert.Equal(t, "vcpu-hotplug", cases[0].Name)
	assert.Equal(t, "destroy", cases[1].Name)
	assert.Len(t, errs, 2)
}

func TestLoader_ShippedCases(t *testing.T) {
	cases, errs := NewLoader("../../cases").LoadMultiple([]string{"."})
	require.Empty(t, errs)
	require.NotEmpty(t, cases)

	var names []string
	for _, inst := range ExpandAll(cases) {
		names = append(names, inst.Name)
	}
	assert.Contains(t, names, "vcpu.hotpluggable")
	assert.Contains(t, names, "cpu_model.epyc.no_vmx")
}
