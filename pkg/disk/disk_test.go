package disk_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/disk"
	"github.com/alexandremahdhaoui/virtcase/pkg/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const infoJSON = `{
    "virtual-size": 21474836480,
    "filename": "/var/lib/virtcase/vm1.qcow2",
    "cluster-size": 65536,
    "format": "qcow2",
    "actual-size": 200704,
    "backing-filename": "/images/fedora.qcow2",
    "dirty-flag": false
}`

func TestCreate_Overlay(t *testing.T) {
	runner := processtest.NewFakeRunner()
	q := disk.New(runner)

	err := q.Create(context.Background(), "/tmp/vm1.qcow2", disk.CreateOptions{
		Backing:       "/images/fedora.qcow2",
		BackingFormat: "qcow2",
		Size:          "20G",
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"qemu-img create -f qcow2 -b /images/fedora.qcow2 -F qcow2 /tmp/vm1.qcow2 20G"},
		runner.Calls())
}

func TestCreate_Failure(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{
		Prefix: "qemu-img create",
		Result: processtest.Failure(1, "qemu-img: /nope/x.raw: Could not create"),
	})

	err := disk.New(runner).Create(context.Background(), "/nope/x.raw", disk.CreateOptions{Format: "raw", Size: "1G"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not create")
}

func TestInfo(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{
		Prefix: "qemu-img info --output=json",
		Result: processtest.Success(infoJSON),
	})

	info, err := disk.New(runner).Info(context.Background(), "/var/lib/virtcase/vm1.qcow2")
	require.NoError(t, err)

	assert.Equal(t, disk.ImageInfo{
		Filename:    "/var/lib/virtcase/vm1.qcow2",
		Format:      "qcow2",
		VirtualSize: 21474836480,
		ActualSize:  200704,
		BackingFile: "/images/fedora.qcow2",
	}, info)
}

func TestParseInfo_Invalid(t *testing.T) {
	_, err := disk.ParseInfo("qemu-img: Could not open")
	assert.Error(t, err)
}

func TestResize(t *testing.T) {
	runner := processtest.NewFakeRunner()
	q := disk.New(runner)

	require.NoError(t, q.Resize(context.Background(), "/tmp/a.qcow2", "+1G"))
	require.NoError(t, q.Resize(context.Background(), "/tmp/a.qcow2", "-1G"))

	assert.Equal(t, []string{
		"qemu-img resize /tmp/a.qcow2 +1G",
		"qemu-img resize --shrink /tmp/a.qcow2 -1G",
	}, runner.Calls())
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.qcow2")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, disk.Remove(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, disk.Remove(path))
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"1024": 1024,
		"4k":   4096,
		"512M": 512 << 20,
		"10G":  10 << 30,
		"1T":   1 << 40,
	}
	for in, want := range tests {
		got, err := disk.ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := disk.ParseSize("ten")
	assert.Error(t, err)
	_, err = disk.ParseSize("")
	assert.Error(t, err)
}
