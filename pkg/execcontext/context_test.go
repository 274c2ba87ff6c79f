package execcontext_test

import (
	"os/exec"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name     string
		ctx      execcontext.Context
		cmd      []string
		expected string
	}{
		{
			name:     "plain command",
			ctx:      execcontext.Empty(),
			cmd:      []string{"virsh", "dumpxml", "vm1", "--inactive"},
			expected: "virsh dumpxml vm1 --inactive",
		},
		{
			name:     "sudo prefix",
			ctx:      execcontext.Sudo(nil),
			cmd:      []string{"virsh", "start", "vm1"},
			expected: "sudo -E virsh start vm1",
		},
		{
			name:     "envs are sorted and quoted",
			ctx:      execcontext.New(map[string]string{"LANG": "C", "A": "x y"}, nil),
			cmd:      []string{"dmesg"},
			expected: "A='x y' LANG=C dmesg",
		},
		{
			name:     "shell operators are left alone",
			ctx:      execcontext.Empty(),
			cmd:      []string{"cat", "/proc/cpuinfo", "|", "grep", "model name"},
			expected: "cat /proc/cpuinfo | grep 'model name'",
		},
		{
			name:     "single quotes are escaped",
			ctx:      execcontext.Empty(),
			cmd:      []string{"echo", "it's"},
			expected: `echo 'it'"'"'s'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, execcontext.FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}

func TestApplyToCmd(t *testing.T) {
	cmd := exec.Command("true")
	execcontext.ApplyToCmd(execcontext.New(map[string]string{"LC_ALL": "C"}, []string{"env"}), cmd)

	require.GreaterOrEqual(t, len(cmd.Args), 2)
	assert.Equal(t, []string{"env", "true"}, cmd.Args)
	assert.Contains(t, cmd.Env, "LC_ALL=C")
}

func TestMerge(t *testing.T) {
	a := execcontext.New(map[string]string{"A": "1", "B": "1"}, []string{"sudo"})
	b := execcontext.New(map[string]string{"B": "2"}, nil)

	merged := execcontext.Merge(a, b)

	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, merged.Envs())
	assert.Equal(t, []string{"sudo"}, merged.PrependCmd())
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", execcontext.Quote(""))
	assert.Equal(t, "/var/lib/libvirt/images/a.qcow2", execcontext.Quote("/var/lib/libvirt/images/a.qcow2"))
	assert.Equal(t, "'a b'", execcontext.Quote("a b"))
}
