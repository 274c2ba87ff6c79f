package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/execcontext"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunner_Run(t *testing.T) {
	tests := []struct {
		name           string
		cmd            []string
		expectedStatus int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "successful command",
			cmd:            []string{"sh", "-c", "echo hello"},
			expectedStatus: 0,
			expectedStdout: "hello",
		},
		{
			name:           "non-zero exit is not an error",
			cmd:            []string{"sh", "-c", "echo boom >&2; exit 3"},
			expectedStatus: 3,
			expectedStderr: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := process.NewLocalRunner(execcontext.Empty())

			res, err := r.Run(context.Background(), tt.cmd[0], tt.cmd[1:]...)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedStatus, res.ExitStatus)
			assert.Equal(t, tt.expectedStdout, res.StdoutText())
			assert.Equal(t, tt.expectedStderr, res.StderrText())
			assert.Equal(t, tt.expectedStatus == 0, res.Ok())
		})
	}
}

func TestLocalRunner_Run_MissingBinary(t *testing.T) {
	r := process.NewLocalRunner(nil)

	_, err := r.Run(context.Background(), "/nonexistent/virtcase-binary")

	assert.Error(t, err)
}

func TestLocalRunner_Run_Timeout(t *testing.T) {
	r := process.NewLocalRunner(nil, process.WithTimeout(50*time.Millisecond))

	_, err := r.Run(context.Background(), "sleep", "5")

	assert.Error(t, err)
}

func TestRunShell(t *testing.T) {
	r := process.NewLocalRunner(nil)

	res, err := process.RunShell(context.Background(), r, "printf 'a\\nb\\n' | wc -l")
	require.NoError(t, err)

	assert.Equal(t, "2", res.StdoutText())
}

func TestResult_Output(t *testing.T) {
	res := &process.Result{Stdout: "out\n", Stderr: "err\n"}

	assert.Equal(t, "out\nerr", res.Output())
	assert.Contains(t, res.String(), "exit_status=0")
}
