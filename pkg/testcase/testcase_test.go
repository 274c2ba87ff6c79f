package testcase_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver/drivertest"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const originalXML = `<domain type='kvm'>
  <name>vm1</name>
  <memory unit='KiB'>1048576</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
</domain>`

func newEnv(t *testing.T) (*drivertest.FakeDomain, *testcase.Env) {
	t.Helper()
	fake := drivertest.NewFakeDomain()
	fake.Add("vm1", originalXML, driver.StateShutOff)
	return fake, &testcase.Env{
		Driver: fake,
		Backup: backup.NewManager(fake, nil, backup.DefaultOptions()),
	}
}

func TestRun_Status(t *testing.T) {
	tests := []struct {
		name        string
		fn          testcase.RunFunc
		wantStatus  testcase.Status
		wantMessage string
	}{
		{
			name: "pass",
			fn: func(context.Context, *testcase.T, params.Params, *testcase.Env) error {
				return nil
			},
			wantStatus: testcase.StatusPass,
		},
		{
			name: "explicit fail",
			fn: func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
				return t.Fail("vcpu count is %d", 3)
			},
			wantStatus:  testcase.StatusFail,
			wantMessage: "vcpu count is 3",
		},
		{
			name: "cancel",
			fn: func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
				return t.Cancel("qemu-img not installed")
			},
			wantStatus:  testcase.StatusCancel,
			wantMessage: "qemu-img not installed",
		},
		{
			name: "skip is cancel",
			fn: func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
				return t.Skip("no hugepages")
			},
			wantStatus: testcase.StatusCancel,
		},
		{
			name: "failed check",
			fn: func(context.Context, *testcase.T, params.Params, *testcase.Env) error {
				return checks.OutputContains(&process.Result{Stdout: "running"}, "shut off")
			},
			wantStatus: testcase.StatusFail,
		},
		{
			name: "wrapped failed check",
			fn: func(context.Context, *testcase.T, params.Params, *testcase.Env) error {
				err := checks.OutputContains(&process.Result{Stdout: "running"}, "shut off")
				return errors.Join(errors.New("step 3"), err)
			},
			wantStatus: testcase.StatusFail,
		},
		{
			name: "other error",
			fn: func(context.Context, *testcase.T, params.Params, *testcase.Env) error {
				return errors.New("connection refused")
			},
			wantStatus:  testcase.StatusError,
			wantMessage: "connection refused",
		},
		{
			name: "panic",
			fn: func(context.Context, *testcase.T, params.Params, *testcase.Env) error {
				panic("boom")
			},
			wantStatus:  testcase.StatusError,
			wantMessage: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, env := newEnv(t)

			res := testcase.Run(context.Background(), "c1", tt.fn, nil, env)

			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, res.Message)
			}
			assert.Equal(t, "c1", res.Name)
			assert.False(t, res.EndTime.Before(res.StartTime))
		})
	}
}

func TestRun_CleanupsRunInReverse(t *testing.T) {
	_, env := newEnv(t)
	var order []string

	res := testcase.Run(context.Background(), "c1", func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Cleanup(func(context.Context) error { order = append(order, "first"); return nil })
		t.Cleanup(func(context.Context) error { order = append(order, "second"); return nil })
		return t.Fail("assertion")
	}, nil, env)

	assert.Equal(t, testcase.StatusFail, res.Status)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRun_CleanupFailureTurnsPassIntoError(t *testing.T) {
	_, env := newEnv(t)
	ran := false

	res := testcase.Run(context.Background(), "c1", func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Cleanup(func(context.Context) error { return errors.New("rm failed") })
		t.Cleanup(func(context.Context) error { panic("bad cleanup") })
		t.Cleanup(func(context.Context) error { ran = true; return nil })
		return nil
	}, nil, env)

	assert.True(t, ran)
	assert.Equal(t, testcase.StatusError, res.Status)
	assert.Contains(t, res.Message, "cleanup failed")
	require.Len(t, res.CleanupErrors, 2)
	assert.Contains(t, res.CleanupErrors[0], "bad cleanup")
	assert.Contains(t, res.CleanupErrors[1], "rm failed")
}

func TestRun_CleanupFailureKeepsFail(t *testing.T) {
	_, env := newEnv(t)

	res := testcase.Run(context.Background(), "c1", func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Cleanup(func(context.Context) error { return errors.New("rm failed") })
		return t.Fail("wrong")
	}, nil, env)

	assert.Equal(t, testcase.StatusFail, res.Status)
	assert.Equal(t, "wrong", res.Message)
	assert.Equal(t, []string{"rm failed"}, res.CleanupErrors)
}

func TestRun_RestoresSnapshots(t *testing.T) {
	fake, env := newEnv(t)

	res := testcase.Run(context.Background(), "c1", func(ctx context.Context, t *testcase.T, _ params.Params, env *testcase.Env) error {
		s, err := env.Backup.Snapshot(ctx, "vm1")
		if err != nil {
			return err
		}
		x, err := s.WorkingCopy()
		if err != nil {
			return err
		}
		x.SetVCPU(8)
		return x.Sync(ctx, env.Driver, vmxml.SyncOptions{})
	}, nil, env)

	assert.Equal(t, testcase.StatusPass, res.Status)
	assert.Equal(t, originalXML, fake.XML("vm1"))
	assert.Empty(t, env.Backup.Outstanding())
}

func TestRun_InterruptedIsError(t *testing.T) {
	_, env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cleaned := false

	res := testcase.Run(ctx, "c1", func(ctx context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Cleanup(func(ctx context.Context) error {
			cleaned = true
			return ctx.Err()
		})
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, nil, env)

	assert.True(t, cleaned)
	assert.Equal(t, testcase.StatusError, res.Status)
	assert.Contains(t, res.Message, "interrupted")
}

func TestRun_CleanupTimeout(t *testing.T) {
	_, env := newEnv(t)
	p := params.New(map[string]string{params.KeyCleanupTimeout: "50ms"})

	res := testcase.Run(context.Background(), "c1", func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Cleanup(func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		})
		return nil
	}, p, env)

	assert.Equal(t, testcase.StatusError, res.Status)
	require.Len(t, res.CleanupErrors, 1)
	assert.Contains(t, res.CleanupErrors[0], context.DeadlineExceeded.Error())
}

func TestRun_CaseLog(t *testing.T) {
	_, env := newEnv(t)
	env.ArtifactDir = t.TempDir()

	res := testcase.Run(context.Background(), "c1", func(_ context.Context, t *testcase.T, _ params.Params, _ *testcase.Env) error {
		t.Log("hello from case")
		return nil
	}, params.New(map[string]string{"vcpu": "4"}), env)

	require.Equal(t, filepath.Join(env.ArtifactDir, "c1", "case.log"), res.LogFile)
	b, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from case")
	assert.Contains(t, string(b), "case finished")
	assert.Equal(t, map[string]string{"vcpu": "4"}, map[string]string(res.Params))
}

func TestStatus_Ok(t *testing.T) {
	assert.True(t, testcase.StatusPass.Ok())
	assert.True(t, testcase.StatusCancel.Ok())
	assert.False(t, testcase.StatusFail.Ok())
	assert.False(t, testcase.StatusError.Ok())
}

func TestCheck(t *testing.T) {
	assert.NoError(t, testcase.Check(nil))

	var o *testcase.Outcome
	failed := checks.OutputContains(&process.Result{}, "x")
	require.ErrorAs(t, testcase.Check(failed), &o)
	assert.Equal(t, testcase.StatusFail, o.Status)

	require.ErrorAs(t, testcase.Check(errors.New("io")), &o)
	assert.Equal(t, testcase.StatusError, o.Status)

	cancel := testcase.Cancel("nope")
	assert.Same(t, cancel, testcase.Check(cancel))
}
