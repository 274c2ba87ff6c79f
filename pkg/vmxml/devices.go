package vmxml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"slices"
	"strings"

	"libvirt.org/go/libvirtxml"
)

var (
	ErrUnknownDevice = errors.New("unknown device kind")
	errDeviceXML     = errors.New("failed to parse device XML")
)

// xmlDevice is implemented by the pointer types of libvirtxml device structs that
// carry their own codec.
type xmlDevice interface {
	Marshal() (string, error)
	Unmarshal(doc string) error
}

type deviceKind struct {
	add    func(l *libvirtxml.DomainDeviceList, doc string) error
	remove func(l *libvirtxml.DomainDeviceList) int
	list   func(l *libvirtxml.DomainDeviceList) ([]string, error)
}

// unmarshalDevice falls back to encoding/xml for structs without a codec.
func unmarshalDevice[T any](doc string, dev *T) error {
	if d, ok := any(dev).(xmlDevice); ok {
		return d.Unmarshal(doc)
	}
	return xml.Unmarshal([]byte(doc), dev)
}

func marshalDevice[T any](root string, dev *T) (string, error) {
	if d, ok := any(dev).(xmlDevice); ok {
		return d.Marshal()
	}
	var b strings.Builder
	enc := xml.NewEncoder(&b)
	enc.Indent("", "  ")
	if err := enc.EncodeElement(dev, xml.StartElement{Name: xml.Name{Local: root}}); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func sliceKind[T any](root string, field func(*libvirtxml.DomainDeviceList) *[]T) deviceKind {
	return deviceKind{
		add: func(l *libvirtxml.DomainDeviceList, doc string) error {
			var dev T
			if err := unmarshalDevice(doc, &dev); err != nil {
				return err
			}
			s := field(l)
			*s = append(*s, dev)
			return nil
		},
		remove: func(l *libvirtxml.DomainDeviceList) int {
			s := field(l)
			n := len(*s)
			*s = nil
			return n
		},
		list: func(l *libvirtxml.DomainDeviceList) ([]string, error) {
			s := *field(l)
			out := make([]string, 0, len(s))
			for i := range s {
				doc, err := marshalDevice(root, &s[i])
				if err != nil {
					return nil, err
				}
				out = append(out, doc)
			}
			return out, nil
		},
	}
}

func singleKind[T any](root string, field func(*libvirtxml.DomainDeviceList) **T) deviceKind {
	return deviceKind{
		add: func(l *libvirtxml.DomainDeviceList, doc string) error {
			var dev T
			if err := unmarshalDevice(doc, &dev); err != nil {
				return err
			}
			*field(l) = &dev
			return nil
		},
		remove: func(l *libvirtxml.DomainDeviceList) int {
			p := field(l)
			if *p == nil {
				return 0
			}
			*p = nil
			return 1
		},
		list: func(l *libvirtxml.DomainDeviceList) ([]string, error) {
			p := *field(l)
			if p == nil {
				return nil, nil
			}
			doc, err := marshalDevice(root, p)
			if err != nil {
				return nil, err
			}
			return []string{doc}, nil
		},
	}
}

// deviceKinds maps the root element of a device to its slot in <devices>.
var deviceKinds = map[string]deviceKind{
	"disk": sliceKind("disk", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainDisk {
		return &l.Disks
	}),
	"interface": sliceKind("interface", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainInterface {
		return &l.Interfaces
	}),
	"controller": sliceKind("controller", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainController {
		return &l.Controllers
	}),
	"filesystem": sliceKind("filesystem", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainFilesystem {
		return &l.Filesystems
	}),
	"serial": sliceKind("serial", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainSerial {
		return &l.Serials
	}),
	"console": sliceKind("console", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainConsole {
		return &l.Consoles
	}),
	"channel": sliceKind("channel", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainChannel {
		return &l.Channels
	}),
	"input": sliceKind("input", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainInput {
		return &l.Inputs
	}),
	"graphics": sliceKind("graphics", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainGraphic {
		return &l.Graphics
	}),
	"video": sliceKind("video", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainVideo {
		return &l.Videos
	}),
	"hostdev": sliceKind("hostdev", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainHostdev {
		return &l.Hostdevs
	}),
	"rng": sliceKind("rng", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainRNG {
		return &l.RNGs
	}),
	"panic": sliceKind("panic", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainPanic {
		return &l.Panics
	}),
	"tpm": sliceKind("tpm", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainTPM {
		return &l.TPMs
	}),
	"sound": sliceKind("sound", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainSound {
		return &l.Sounds
	}),
	"redirdev": sliceKind("redirdev", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainRedirDev {
		return &l.RedirDevs
	}),
	"shmem": sliceKind("shmem", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainShmem {
		return &l.Shmems
	}),
	"memory": sliceKind("memory", func(l *libvirtxml.DomainDeviceList) *[]libvirtxml.DomainMemorydev {
		return &l.Memorydevs
	}),
	"memballoon": singleKind("memballoon", func(l *libvirtxml.DomainDeviceList) **libvirtxml.DomainMemBalloon {
		return &l.MemBalloon
	}),
}

// DeviceKinds returns the supported device element names.
func DeviceKinds() []string {
	out := make([]string, 0, len(deviceKinds))
	for k := range deviceKinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func lookupKind(kind string) (deviceKind, error) {
	k, ok := deviceKinds[kind]
	if !ok {
		return deviceKind{}, fmt.Errorf("%w: %s", ErrUnknownDevice, kind)
	}
	return k, nil
}

func (x *VMXML) devices() *libvirtxml.DomainDeviceList {
	if x.dom.Devices == nil {
		x.dom.Devices = &libvirtxml.DomainDeviceList{}
	}
	return x.dom.Devices
}

// AddDevice parses a device snippet such as `<disk type='file'>...</disk>` and
// appends it to <devices>. The kind is taken from the root element.
func (x *VMXML) AddDevice(deviceXML string) error {
	kind, err := RootElement(deviceXML)
	if err != nil {
		return err
	}
	k, err := lookupKind(kind)
	if err != nil {
		return err
	}
	if err := k.add(x.devices(), deviceXML); err != nil {
		return errors.Join(err, fmt.Errorf("kind=%s", kind), errDeviceXML)
	}
	return nil
}

// RemoveDevices removes every device of kind and returns how many were removed.
func (x *VMXML) RemoveDevices(kind string) (int, error) {
	k, err := lookupKind(kind)
	if err != nil {
		return 0, err
	}
	return k.remove(x.devices()), nil
}

// Devices returns the XML of every device of kind.
func (x *VMXML) Devices(kind string) ([]string, error) {
	k, err := lookupKind(kind)
	if err != nil {
		return nil, err
	}
	return k.list(x.devices())
}

// DeviceCount returns the number of devices of kind.
func (x *VMXML) DeviceCount(kind string) (int, error) {
	devs, err := x.Devices(kind)
	if err != nil {
		return 0, err
	}
	return len(devs), nil
}

// RootElement returns the local name of the first element of doc.
func RootElement(doc string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", errors.Join(err, errDeviceXML)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}
