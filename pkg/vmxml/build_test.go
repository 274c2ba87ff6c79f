package vmxml_test

import (
	"regexp"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDomain_Defaults(t *testing.T) {
	x, err := vmxml.BuildDomain(vmxml.BuildConfig{
		Name:     "case-vm",
		DiskPath: "/var/lib/virtcase/case-vm.qcow2",
	})
	require.NoError(t, err)

	dom := x.Domain()
	assert.Equal(t, "kvm", dom.Type)
	assert.Equal(t, "case-vm", dom.Name)
	assert.Equal(t, uint(2048), dom.Memory.Value)
	assert.Equal(t, "MiB", dom.Memory.Unit)
	assert.Equal(t, uint(2), x.VCPU())
	assert.Equal(t, "q35", dom.OS.Type.Machine)
	assert.Equal(t, []string{"vda"}, x.DiskTargets())
	require.Len(t, dom.Devices.Interfaces, 1)
	assert.Equal(t, "default", dom.Devices.Interfaces[0].Source.Network.Network)
	assert.Empty(t, dom.Devices.Channels)
}

func TestBuildDomain_Full(t *testing.T) {
	x, err := vmxml.BuildDomain(vmxml.BuildConfig{
		Name:         "case-vm",
		MemoryMiB:    4096,
		VCPUs:        4,
		DiskPath:     "/images/case-vm.qcow2",
		CloudInitISO: "/images/case-vm-cidata.iso",
		NetworkMode:  "bridge",
		Network:      "br0",
		MACAddress:   "52:54:00:01:02:03",
		BootOrder:    []string{"network", "hd"},
		GuestAgent:   true,
	})
	require.NoError(t, err)

	dom := x.Domain()
	assert.Equal(t, []string{"vda", "sdb"}, x.DiskTargets())
	assert.NotNil(t, dom.Devices.Disks[1].ReadOnly)
	assert.Equal(t, "br0", dom.Devices.Interfaces[0].Source.Bridge.Bridge)
	assert.Equal(t, []string{"52:54:00:01:02:03"}, x.InterfaceMACs())
	require.Len(t, dom.OS.BootDevices, 2)
	assert.Equal(t, "network", dom.OS.BootDevices[0].Dev)
	require.Len(t, dom.Devices.Channels, 1)
	assert.Equal(t, "org.qemu.guest_agent.0", dom.Devices.Channels[0].Target.VirtIO.Name)
}

func TestBuildDomain_UserNetwork(t *testing.T) {
	x, err := vmxml.BuildDomain(vmxml.BuildConfig{Name: "vm", NetworkMode: "user"})
	require.NoError(t, err)
	assert.NotNil(t, x.Domain().Devices.Interfaces[0].Source.User)
}

func TestGenerateMAC(t *testing.T) {
	re := regexp.MustCompile(`^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`)
	seen := map[string]bool{}
	for range 20 {
		mac, err := vmxml.GenerateMAC()
		require.NoError(t, err)
		assert.Regexp(t, re, mac)
		seen[mac] = true
	}
	assert.Greater(t, len(seen), 1)
}
