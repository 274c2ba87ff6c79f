package vmxml

import (
	"errors"
	"fmt"

	"libvirt.org/go/libvirtxml"
)

var (
	ErrUnknownFeature = errors.New("unknown domain feature")
	ErrDiskNotFound   = errors.New("disk not found")
)

// SetVCPU sets the maximum vCPU count.
func (x *VMXML) SetVCPU(n uint) {
	if x.dom.VCPU == nil {
		x.dom.VCPU = &libvirtxml.DomainVCPU{}
	}
	x.dom.VCPU.Value = n
}

// SetCurrentVCPU sets the vCPUs online at boot. Zero removes the attribute.
func (x *VMXML) SetCurrentVCPU(n uint) {
	if x.dom.VCPU == nil {
		x.dom.VCPU = &libvirtxml.DomainVCPU{Value: n}
	}
	x.dom.VCPU.Current = n
}

// VCPU returns the maximum vCPU count.
func (x *VMXML) VCPU() uint {
	if x.dom.VCPU == nil {
		return 0
	}
	return x.dom.VCPU.Value
}

// SetMemory sets the maximum memory in KiB.
func (x *VMXML) SetMemory(kib uint) {
	x.dom.Memory = &libvirtxml.DomainMemory{Value: kib, Unit: "KiB"}
}

// SetCurrentMemory sets the boot memory in KiB.
func (x *VMXML) SetCurrentMemory(kib uint) {
	x.dom.CurrentMemory = &libvirtxml.DomainCurrentMemory{Value: kib, Unit: "KiB"}
}

// MemoryKiB returns the maximum memory converted to KiB.
func (x *VMXML) MemoryKiB() (uint64, error) {
	if x.dom.Memory == nil {
		return 0, nil
	}
	return toKiB(uint64(x.dom.Memory.Value), x.dom.Memory.Unit)
}

func toKiB(v uint64, unit string) (uint64, error) {
	switch unit {
	case "b", "bytes":
		return v / 1024, nil
	case "", "k", "KiB":
		return v, nil
	case "KB":
		return v * 1000 / 1024, nil
	case "M", "MiB":
		return v * 1024, nil
	case "MB":
		return v * 1000 * 1000 / 1024, nil
	case "G", "GiB":
		return v * 1024 * 1024, nil
	case "GB":
		return v * 1000 * 1000 * 1000 / 1024, nil
	case "T", "TiB":
		return v * 1024 * 1024 * 1024, nil
	}
	return 0, fmt.Errorf("unknown memory unit %q", unit)
}

// SetCPUMode sets <cpu mode=...>, e.g. host-passthrough, host-model, custom.
func (x *VMXML) SetCPUMode(mode string) {
	if x.dom.CPU == nil {
		x.dom.CPU = &libvirtxml.DomainCPU{}
	}
	x.dom.CPU.Mode = mode
	if mode == "host-passthrough" || mode == "host-model" {
		x.dom.CPU.Model = nil
	}
}

// SetCPUModel sets a custom CPU model.
func (x *VMXML) SetCPUModel(model, fallback string) {
	if x.dom.CPU == nil {
		x.dom.CPU = &libvirtxml.DomainCPU{}
	}
	x.dom.CPU.Mode = "custom"
	if x.dom.CPU.Match == "" {
		x.dom.CPU.Match = "exact"
	}
	x.dom.CPU.Model = &libvirtxml.DomainCPUModel{Value: model, Fallback: fallback}
}

// SetCPUFeature adds or updates a CPU feature. Policies: force, require, optional,
// disable, forbid.
func (x *VMXML) SetCPUFeature(name, policy string) {
	if x.dom.CPU == nil {
		x.dom.CPU = &libvirtxml.DomainCPU{}
	}
	for i := range x.dom.CPU.Features {
		if x.dom.CPU.Features[i].Name == name {
			x.dom.CPU.Features[i].Policy = policy
			return
		}
	}
	x.dom.CPU.Features = append(x.dom.CPU.Features, libvirtxml.DomainCPUFeature{Name: name, Policy: policy})
}

// RemoveCPUFeature removes a CPU feature and reports whether it was present.
func (x *VMXML) RemoveCPUFeature(name string) bool {
	if x.dom.CPU == nil {
		return false
	}
	for i, f := range x.dom.CPU.Features {
		if f.Name == name {
			x.dom.CPU.Features = append(x.dom.CPU.Features[:i], x.dom.CPU.Features[i+1:]...)
			return true
		}
	}
	return false
}

// SetFeature toggles a hypervisor feature under <features>. Presence features (acpi,
// apic, ioapic, pae) are added or removed; state features (hap, pmu, vmport, smm) get
// state="on" or state="off".
func (x *VMXML) SetFeature(name string, on bool) error {
	if x.dom.Features == nil {
		x.dom.Features = &libvirtxml.DomainFeatureList{}
	}
	f := x.dom.Features
	state := "off"
	if on {
		state = "on"
	}

	switch name {
	case "acpi":
		f.ACPI = presence(on)
	case "pae":
		f.PAE = presence(on)
	case "apic":
		if on {
			f.APIC = &libvirtxml.DomainFeatureAPIC{}
		} else {
			f.APIC = nil
		}
	case "ioapic":
		if on {
			f.IOAPIC = &libvirtxml.DomainFeatureIOAPIC{}
		} else {
			f.IOAPIC = nil
		}
	case "hap":
		f.HAP = &libvirtxml.DomainFeatureState{State: state}
	case "pmu":
		f.PMU = &libvirtxml.DomainFeatureState{State: state}
	case "vmport":
		f.VMPort = &libvirtxml.DomainFeatureState{State: state}
	case "smm":
		f.SMM = &libvirtxml.DomainFeatureSMM{State: state}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	return nil
}

func presence(on bool) *libvirtxml.DomainFeature {
	if on {
		return &libvirtxml.DomainFeature{}
	}
	return nil
}

// SetOnCrash sets <on_crash>, e.g. destroy, restart, coredump-destroy.
func (x *VMXML) SetOnCrash(action string) {
	x.dom.OnCrash = action
}

// SetOnReboot sets <on_reboot>.
func (x *VMXML) SetOnReboot(action string) {
	x.dom.OnReboot = action
}

// SetOnPoweroff sets <on_poweroff>.
func (x *VMXML) SetOnPoweroff(action string) {
	x.dom.OnPoweroff = action
}

// SetMachine sets the machine type of <os><type>.
func (x *VMXML) SetMachine(machine string) {
	if x.dom.OS == nil {
		x.dom.OS = &libvirtxml.DomainOS{}
	}
	if x.dom.OS.Type == nil {
		x.dom.OS.Type = &libvirtxml.DomainOSType{Type: "hvm"}
	}
	x.dom.OS.Type.Machine = machine
}

// DiskTargets returns the target dev of each disk, in definition order.
func (x *VMXML) DiskTargets() []string {
	if x.dom.Devices == nil {
		return nil
	}
	var out []string
	for _, d := range x.dom.Devices.Disks {
		if d.Target != nil {
			out = append(out, d.Target.Dev)
		}
	}
	return out
}

// DiskSource returns the file or block source of the disk with target dev.
func (x *VMXML) DiskSource(target string) (string, error) {
	disk, err := x.disk(target)
	if err != nil {
		return "", err
	}
	if disk.Source == nil {
		return "", nil
	}
	switch {
	case disk.Source.File != nil:
		return disk.Source.File.File, nil
	case disk.Source.Block != nil:
		return disk.Source.Block.Dev, nil
	}
	return "", nil
}

// SetDiskSource points the disk with target dev at a file.
func (x *VMXML) SetDiskSource(target, path string) error {
	disk, err := x.disk(target)
	if err != nil {
		return err
	}
	disk.Source = &libvirtxml.DomainDiskSource{
		File: &libvirtxml.DomainDiskSourceFile{File: path},
	}
	return nil
}

func (x *VMXML) disk(target string) (*libvirtxml.DomainDisk, error) {
	if x.dom.Devices != nil {
		for i := range x.dom.Devices.Disks {
			d := &x.dom.Devices.Disks[i]
			if d.Target != nil && d.Target.Dev == target {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: target=%s", ErrDiskNotFound, target)
}

// InterfaceMACs returns the MAC address of each interface.
func (x *VMXML) InterfaceMACs() []string {
	if x.dom.Devices == nil {
		return nil
	}
	var out []string
	for _, iface := range x.dom.Devices.Interfaces {
		if iface.MAC != nil {
			out = append(out, iface.MAC.Address)
		}
	}
	return out
}
