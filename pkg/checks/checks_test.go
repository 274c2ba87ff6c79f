package checks_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/process/processtest"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectStatus(t *testing.T) {
	ok := &process.Result{Command: "virsh start vm1"}
	failed := &process.Result{Command: "virsh start vm1", ExitStatus: 1, Stderr: "error: already active"}

	tests := []struct {
		name        string
		res         *process.Result
		statusError bool
		wantFail    bool
	}{
		{"success expected success", ok, false, false},
		{"failure expected failure", failed, true, false},
		{"success expected failure", ok, true, true},
		{"failure expected success", failed, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checks.ExpectStatus(tt.res, tt.statusError)
			if !tt.wantFail {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, checks.ErrCheckFailed)
			assert.True(t, checks.IsFailure(err))
		})
	}
}

func TestOutputChecks(t *testing.T) {
	res := &process.Result{Command: "virsh vcpucount vm1", Stdout: "maximum config 4\ncurrent live 2\n"}

	assert.NoError(t, checks.OutputContains(res, "current live 2"))
	assert.ErrorIs(t, checks.OutputContains(res, "current live 3"), checks.ErrCheckFailed)
	assert.NoError(t, checks.OutputNotContains(res, "error"))
	assert.ErrorIs(t, checks.OutputNotContains(res, "maximum"), checks.ErrCheckFailed)
	assert.NoError(t, checks.OutputMatches(res, `maximum\s+config\s+\d`))

	err := checks.OutputMatches(res, `(`)
	require.Error(t, err)
	assert.False(t, checks.IsFailure(err))
}

func TestExpectedErrorMatches(t *testing.T) {
	failed := &process.Result{ExitStatus: 1, Stderr: "error: invalid argument: requested vcpus is greater than max allowable vcpus"}

	assert.NoError(t, checks.ExpectedErrorMatches(failed, `greater than max`))
	assert.ErrorIs(t, checks.ExpectedErrorMatches(failed, `permission denied`), checks.ErrCheckFailed)
	assert.ErrorIs(t, checks.ExpectedErrorMatches(&process.Result{}, `.*`), checks.ErrCheckFailed)
}

func TestXMLChecks(t *testing.T) {
	x, err := vmxml.Parse(`<domain type='kvm'><name>vm1</name><vcpu>4</vcpu></domain>`)
	require.NoError(t, err)

	assert.NoError(t, checks.XMLContains(x, "<vcpu>4</vcpu>"))
	assert.ErrorIs(t, checks.XMLContains(x, "<vcpu>8</vcpu>"), checks.ErrCheckFailed)
	assert.NoError(t, checks.XMLNotContains(x, "<vcpu>8</vcpu>"))
	assert.NoError(t, checks.XMLMatches(x, `<vcpu[^>]*>4</vcpu>`))
}

func TestCheckError_Message(t *testing.T) {
	err := checks.OutputContains(&process.Result{Command: "uname -r", Stdout: "6.1"}, "5.14")

	var ce *checks.CheckError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "output_contains", ce.Check)
	assert.Contains(t, err.Error(), `expected "5.14"`)
	assert.Contains(t, err.Error(), `uname -r`)
}

func TestEventually(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	calls := 0
	err := checks.Eventually(ctx, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEventually_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := checks.Eventually(ctx, time.Millisecond, func(context.Context) error {
		return &checks.CheckError{Check: "state", Expected: "running", Actual: "shut off"}
	})

	assert.ErrorIs(t, err, checks.ErrCheckFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newHost(t *testing.T, runner process.Runner) *checks.Host {
	t.Helper()
	h := checks.NewHost(runner)
	h.RunDir = t.TempDir()
	h.ProcDir = t.TempDir()
	return h
}

func TestQemuCmdline(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, processtest.NewFakeRunner())

	require.NoError(t, os.WriteFile(filepath.Join(h.RunDir, "vm1.pid"), []byte("4242\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(h.ProcDir, "4242"), 0o755))
	cmdline := "/usr/bin/qemu-system-x86_64\x00-name\x00guest=vm1\x00-smp\x004,sockets=4\x00"
	require.NoError(t, os.WriteFile(filepath.Join(h.ProcDir, "4242", "cmdline"), []byte(cmdline), 0o600))

	argv, err := h.QemuCmdline(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/qemu-system-x86_64", "-name", "guest=vm1", "-smp", "4,sockets=4"}, argv)

	assert.NoError(t, h.QemuCmdlineContains(ctx, "vm1", "-smp 4"))
	assert.ErrorIs(t, h.QemuCmdlineContains(ctx, "vm1", "-smp 8"), checks.ErrCheckFailed)
	assert.NoError(t, h.QemuCmdlineNotContains(ctx, "vm1", "-S"))

	_, err = h.QemuCmdline(ctx, "vm2")
	require.Error(t, err)
	assert.False(t, checks.IsFailure(err))
}

func TestDmesg(t *testing.T) {
	ctx := context.Background()
	runner := processtest.NewFakeRunner(processtest.Response{
		Prefix: "dmesg",
		Result: processtest.Success("[    1.0] boot\n[    2.0] kvm: already loaded\n[    3.0] Call Trace:\n"),
	})
	h := newHost(t, runner)

	mark, err := h.DmesgMark(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, mark)

	lines, err := h.Dmesg(ctx, checks.DmesgOptions{Since: 1})
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	assert.NoError(t, h.DmesgContains(ctx, `kvm:`, checks.DmesgOptions{}))
	assert.ErrorIs(t, h.DmesgNotContains(ctx, `Call Trace`, checks.DmesgOptions{}), checks.ErrCheckFailed)
	assert.NoError(t, h.DmesgNotContains(ctx, `Call Trace`, checks.DmesgOptions{Since: 3}))
}

func TestDmesg_LevelAfterMark(t *testing.T) {
	ctx := context.Background()
	runner := processtest.NewFakeRunner(
		processtest.Response{
			Prefix: "dmesg --decode",
			Result: processtest.Success("kern  :err   : [    1.0] old failure\n" +
				"kern  :info  : [    2.0] kvm: already loaded\n" +
				"kern  :info  : [    3.0] virbr0: port 1 entered forwarding state\n" +
				"kern  :warn  : [    4.0] new warning\n" +
				"kern  :err   : [    5.0] new failure\n" +
				"  continued\n" +
				"kern  :info  : [    6.0] done\n"),
		},
		processtest.Response{
			Prefix: "dmesg",
			Result: processtest.Success("[    1.0] old failure\n[    2.0] kvm: already loaded\n[    3.0] virbr0: port 1 entered forwarding state\n"),
			Times:  1,
		},
	)
	h := newHost(t, runner)

	mark, err := h.DmesgMark(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, mark)

	lines, err := h.Dmesg(ctx, checks.DmesgOptions{Level: "err,warn", Since: mark})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[    4.0] new warning",
		"[    5.0] new failure",
		"  continued",
	}, lines)

	lines, err = h.Dmesg(ctx, checks.DmesgOptions{Level: "err"})
	require.NoError(t, err)
	assert.Equal(t, []string{"[    1.0] old failure", "[    5.0] new failure", "  continued"}, lines)

	assert.NoError(t, h.DmesgNotContains(ctx, `old failure`, checks.DmesgOptions{Level: "err", Since: mark}))
	assert.False(t, runner.Called("dmesg --level"))
}

func TestFileChecks(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, processtest.NewFakeRunner())
	path := filepath.Join(t.TempDir(), "qemu.log")
	require.NoError(t, os.WriteFile(path, []byte("char device redirected to /dev/pts/3\n"), 0o600))

	assert.NoError(t, h.FileExists(ctx, path))
	assert.ErrorIs(t, h.FileExists(ctx, path+".missing"), checks.ErrCheckFailed)
	assert.NoError(t, h.FileContains(ctx, path, `/dev/pts/\d+`))
	assert.ErrorIs(t, h.FileContains(ctx, path, `shutting down`), checks.ErrCheckFailed)
	assert.ErrorIs(t, h.FileContains(ctx, path+".missing", `x`), checks.ErrCheckFailed)

	assert.NoError(t, h.FileNotContains(ctx, path, `shutting down`))
	assert.NoError(t, h.FileNotContains(ctx, path+".missing", `x`))
	assert.ErrorIs(t, h.FileNotContains(ctx, path, `/dev/pts/\d+`), checks.ErrCheckFailed)
}

func TestProcessRunning(t *testing.T) {
	ctx := context.Background()
	runner := processtest.NewFakeRunner(
		processtest.Response{Prefix: "pgrep -f qemu.*vm1", Result: processtest.Success("1234\n5678\n")},
		processtest.Response{Prefix: "pgrep -f virtiofsd", Result: processtest.Failure(1, "")},
	)
	h := newHost(t, runner)

	assert.NoError(t, h.ProcessRunning(ctx, "qemu.*vm1"))
	assert.ErrorIs(t, h.ProcessNotRunning(ctx, "qemu.*vm1"), checks.ErrCheckFailed)
	assert.ErrorIs(t, h.ProcessRunning(ctx, "virtiofsd"), checks.ErrCheckFailed)
	assert.NoError(t, h.ProcessNotRunning(ctx, "virtiofsd"))
}
