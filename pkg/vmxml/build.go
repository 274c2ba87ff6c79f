package vmxml

import (
	"crypto/rand"
	"errors"
	"fmt"

	"libvirt.org/go/libvirtxml"
)

var errGenerateMAC = errors.New("failed to generate MAC address")

const (
	defaultMemoryMiB = 2048
	defaultVCPUs     = 2
	defaultArch      = "x86_64"
	defaultMachine   = "q35"
	defaultNetwork   = "default"
)

// BuildConfig describes a disposable guest.
type BuildConfig struct {
	Name       string
	UUID       string
	MemoryMiB  uint
	VCPUs      uint
	Arch       string
	Machine    string
	DiskPath   string
	DiskFormat string
	// CloudInitISO is attached read-only as a SATA cdrom when set.
	CloudInitISO string
	// NetworkMode is one of "network" (default), "bridge" or "user".
	NetworkMode string
	// Network is the libvirt network, or the bridge in bridge mode.
	Network    string
	MACAddress string
	BootOrder  []string
	GuestAgent bool
}

// BuildDomain generates the definition of a fresh KVM guest.
func BuildDomain(cfg BuildConfig) (*VMXML, error) {
	if cfg.MemoryMiB == 0 {
		cfg.MemoryMiB = defaultMemoryMiB
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = defaultVCPUs
	}
	if cfg.Arch == "" {
		cfg.Arch = defaultArch
	}
	if cfg.Machine == "" {
		cfg.Machine = defaultMachine
	}
	if cfg.DiskFormat == "" {
		cfg.DiskFormat = "qcow2"
	}

	mac := cfg.MACAddress
	if mac == "" {
		var err error
		mac, err = GenerateMAC()
		if err != nil {
			return nil, errors.Join(err, errGenerateMAC)
		}
	}

	bootDevices := make([]libvirtxml.DomainBootDevice, 0, len(cfg.BootOrder))
	for _, dev := range cfg.BootOrder {
		bootDevices = append(bootDevices, libvirtxml.DomainBootDevice{Dev: dev})
	}
	if len(bootDevices) == 0 {
		bootDevices = []libvirtxml.DomainBootDevice{{Dev: "hd"}}
	}

	var disks []libvirtxml.DomainDisk
	if cfg.DiskPath != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: cfg.DiskFormat},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: cfg.DiskPath},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		})
	}
	if cfg.CloudInitISO != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: cfg.CloudInitISO},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sdb", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	var channels []libvirtxml.DomainChannel
	if cfg.GuestAgent {
		channels = append(channels, libvirtxml.DomainChannel{
			Source: &libvirtxml.DomainChardevSource{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{},
			},
			Target: &libvirtxml.DomainChannelTarget{
				VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: "org.qemu.guest_agent.0"},
			},
		})
	}

	dom := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		UUID: cfg.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    cfg.Arch,
				Machine: cfg.Machine,
				Type:    "hvm",
			},
			BootDevices: bootDevices,
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: disks,
			Interfaces: []libvirtxml.DomainInterface{
				buildNetworkInterface(cfg.NetworkMode, cfg.Network, mac),
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr(uint(0)),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr(uint(0)),
					},
				},
			},
			Channels: channels,
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
					},
				},
			},
		},
	}

	return FromLibvirtXML(dom)
}

func buildNetworkInterface(mode, network, mac string) libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		MAC:   &libvirtxml.DomainInterfaceMAC{Address: mac},
	}

	switch mode {
	case "bridge":
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: network},
		}
	case "user":
		iface.Source = &libvirtxml.DomainInterfaceSource{
			User: &libvirtxml.DomainInterfaceSourceUser{},
		}
	default:
		if network == "" {
			network = defaultNetwork
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
		}
	}

	return iface
}

// GenerateMAC returns a random MAC address with the libvirt/qemu prefix 52:54:00.
func GenerateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

func ptr[T any](v T) *T {
	return &v
}
