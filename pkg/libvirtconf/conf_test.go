package libvirtconf_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/libvirtconf"
	"github.com/alexandremahdhaoui/virtcase/pkg/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qemuConf = `# Master configuration file for the QEMU driver.
#
#vnc_listen = "0.0.0.0"
#security_driver = "selinux"
user = "qemu"
max_core = "unlimited"
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGet(t *testing.T) {
	f, err := libvirtconf.Open(writeConf(t, qemuConf))
	require.NoError(t, err)

	v, ok := f.Get("user")
	assert.True(t, ok)
	assert.Equal(t, `"qemu"`, v)

	s, err := f.GetString("max_core")
	require.NoError(t, err)
	assert.Equal(t, "unlimited", s)

	_, ok = f.Get("vnc_listen")
	assert.False(t, ok)

	_, err = f.GetString("vnc_listen")
	assert.ErrorIs(t, err, libvirtconf.ErrKeyNotFound)
}

func TestSet(t *testing.T) {
	f, err := libvirtconf.Open(writeConf(t, qemuConf))
	require.NoError(t, err)

	f.SetString("user", "root")
	f.SetString("security_driver", "none")
	f.Set("set_process_name", "1")

	want := `# Master configuration file for the QEMU driver.
#
#vnc_listen = "0.0.0.0"
security_driver = "none"
user = "root"
max_core = "unlimited"
set_process_name = 1
`
	assert.Equal(t, want, f.String())
	assert.True(t, f.Changed())
}

func TestUnset(t *testing.T) {
	f, err := libvirtconf.Open(writeConf(t, qemuConf))
	require.NoError(t, err)

	assert.True(t, f.Unset("max_core"))
	assert.False(t, f.Unset("max_core"))
	assert.Contains(t, f.String(), `#max_core = "unlimited"`)
}

func TestSaveRestore(t *testing.T) {
	path := writeConf(t, qemuConf)
	f, err := libvirtconf.Open(path)
	require.NoError(t, err)

	f.SetString("user", "root")
	require.NoError(t, f.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `user = "root"`)

	require.NoError(t, f.Restore())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, qemuConf, string(data))
	assert.False(t, f.Changed())
}

func TestRestore_RemovesCreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtqemud.conf")
	f, err := libvirtconf.Open(path)
	require.NoError(t, err)

	f.Set("log_level", "1")
	require.NoError(t, f.Save())
	require.FileExists(t, path)

	require.NoError(t, f.Restore())
	assert.NoFileExists(t, path)
}

type fakeRestarter struct {
	units []string
	err   error
}

func (f *fakeRestarter) Restart(_ context.Context, unit string) error {
	f.units = append(f.units, unit)
	return f.err
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	path := writeConf(t, qemuConf)
	f, err := libvirtconf.Open(path)
	require.NoError(t, err)
	r := &fakeRestarter{}

	f.SetString("user", "root")
	undo, err := libvirtconf.Edit(ctx, f, r, "virtqemud")
	require.NoError(t, err)
	assert.Equal(t, []string{"virtqemud"}, r.units)

	require.NoError(t, undo(ctx))
	assert.Equal(t, []string{"virtqemud", "virtqemud"}, r.units)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, qemuConf, string(data))
}

func TestEdit_RestartFailureStillReturnsUndo(t *testing.T) {
	ctx := context.Background()
	path := writeConf(t, qemuConf)
	f, err := libvirtconf.Open(path)
	require.NoError(t, err)
	r := &fakeRestarter{err: errors.New("job failed")}

	f.Set("max_core", "0")
	undo, err := libvirtconf.Edit(ctx, f, r, "libvirtd")
	require.Error(t, err)
	require.NotNil(t, undo)

	_ = undo(ctx)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, qemuConf, string(data))
}

func TestCommandRestarter(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{
		Prefix: "systemctl restart broken",
		Result: processtest.Failure(1, "Job for broken.service failed"),
	})
	r := libvirtconf.CommandRestarter{Runner: runner}

	require.NoError(t, r.Restart(context.Background(), "libvirtd"))
	err := r.Restart(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job for broken.service failed")
}
