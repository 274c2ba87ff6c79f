//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gracefulshutdown_test

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const abortChildEnv = "VIRTCASE_GRACEFULSHUTDOWN_ABORT_CHILD"

func newShutdown(t *testing.T, exit func(int)) *gracefulshutdown.GracefulShutdown {
	t.Helper()
	gs := gracefulshutdown.NewWithExit("virtcase", exit)
	t.Cleanup(gs.CancelFunc())
	return gs
}

func TestGracefulShutdown_SignalCancelsRun(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			var exited atomic.Bool
			gs := newShutdown(t, func(int) { exited.Store(true) })
			require.False(t, gs.Interrupted())

			require.NoError(t, syscall.Kill(os.Getpid(), sig))

			select {
			case <-gs.Context().Done():
			case <-time.After(5 * time.Second):
				t.Fatal("signal did not cancel the run context")
			}
			assert.True(t, gs.Interrupted())
			// The run decides how to exit once its domains are restored.
			assert.False(t, exited.Load())
		})
	}
}

// TestGracefulShutdown_SecondSignalAborts re-runs itself in a child process, which
// must be killed by the second SIGTERM instead of waiting for its restore.
func TestGracefulShutdown_SecondSignalAborts(t *testing.T) {
	if os.Getenv(abortChildEnv) == "1" {
		gs := gracefulshutdown.NewWithExit("child", func(int) {})
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		<-gs.Context().Done()
		time.Sleep(200 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestGracefulShutdown_SecondSignalAborts$")
	cmd.Env = append(os.Environ(), abortChildEnv+"=1")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled(), "child exited with %d", status.ExitStatus())
	assert.Equal(t, syscall.SIGTERM, status.Signal())
}

func TestGracefulShutdown_Shutdown(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		workers  int
	}{
		{name: "success", exitCode: 0},
		{name: "interrupted", exitCode: gracefulshutdown.ExitInterrupted},
		{name: "waits for running work", exitCode: 1, workers: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			gs := newShutdown(t, func(code int) { got = append(got, code) })

			var done atomic.Int32
			for range tt.workers {
				gs.WaitGroup().Add(1)
				go func() {
					defer gs.WaitGroup().Done()
					<-gs.Context().Done()
					time.Sleep(10 * time.Millisecond)
					done.Add(1)
				}()
			}

			gs.Shutdown(tt.exitCode)

			assert.Equal(t, []int{tt.exitCode}, got)
			assert.Equal(t, int32(tt.workers), done.Load())
			assert.True(t, gs.Interrupted())
		})
	}
}

func TestGracefulShutdown_ShutdownOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		codes []int
	)
	gs := newShutdown(t, func(code int) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gs.Shutdown(i)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, codes, 1)
}
