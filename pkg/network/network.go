package network

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/virsh"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrUnsupportedMode     = errors.New("unsupported network mode")
	ErrBridgeRequired      = errors.New("bridge name required for bridge mode")

	errDefineNetwork     = errors.New("failed to define libvirt network")
	errStartNetwork      = errors.New("failed to start libvirt network")
	errDestroyNetwork    = errors.New("failed to destroy libvirt network")
	errUndefineNetwork   = errors.New("failed to undefine libvirt network")
	errCheckNetwork      = errors.New("failed to check if network exists")
	errMarshalNetworkXML = errors.New("failed to marshal network XML")
	errParseNetworkXML   = errors.New("failed to parse network XML")
)

// Network modes.
const (
	ModeNAT      = "nat"
	ModeIsolated = "isolated"
	ModeBridge   = "bridge"
)

const (
	defaultNATAddress      = "192.168.150.1"
	defaultIsolatedAddress = "192.168.151.1"
	defaultNetmask         = "255.255.255.0"
)

// Config describes a libvirt virtual network.
type Config struct {
	Name string
	// Mode is one of nat (default), isolated or bridge.
	Mode string
	// Bridge is the host bridge in bridge mode. Other modes let libvirt pick one.
	Bridge  string
	Address string
	Netmask string
	// DHCPStart and DHCPEnd enable the libvirt DHCP server when both are set.
	DHCPStart string
	DHCPEnd   string
	Autostart bool
}

// Info is the state of a libvirt network.
type Info struct {
	Name       string
	Bridge     string
	Mode       string
	Active     bool
	Persistent bool
	Autostart  bool
}

// Manager defines, starts and removes libvirt networks through virsh.
type Manager struct {
	virsh *virsh.Virsh
}

// NewManager returns a Manager.
func NewManager(v *virsh.Virsh) *Manager {
	return &Manager{virsh: v}
}

// Ensure makes sure the network exists and is active. It reports whether the network
// was defined by this call; an existing network is only started.
func (m *Manager) Ensure(ctx context.Context, cfg Config) (bool, error) {
	if cfg.Name == "" {
		return false, ErrNetworkNameRequired
	}

	info, err := m.Get(ctx, cfg.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return false, err
	}
	if info != nil {
		if info.Active {
			return false, nil
		}
		return false, m.start(ctx, cfg.Name)
	}

	doc, err := GenerateXML(cfg)
	if err != nil {
		return false, err
	}

	res, err := m.virsh.NetDefineXML(ctx, doc)
	if err := resultError(res, err, errDefineNetwork); err != nil {
		return false, errors.Join(err, fmt.Errorf("network=%s", cfg.Name))
	}

	if err := m.start(ctx, cfg.Name); err != nil {
		_, _ = m.virsh.NetUndefine(ctx, cfg.Name)
		return false, err
	}

	if cfg.Autostart {
		res, err := m.virsh.NetAutostart(ctx, cfg.Name, true)
		if err := resultError(res, err, errStartNetwork); err != nil {
			return true, err
		}
	}

	return true, nil
}

func (m *Manager) start(ctx context.Context, name string) error {
	res, err := m.virsh.NetStart(ctx, name)
	if err := resultError(res, err, errStartNetwork); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name))
	}
	return nil
}

// Get returns the state of a network, or ErrNetworkNotFound.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}

	res, err := m.virsh.NetInfo(ctx, name)
	if err != nil {
		return nil, errors.Join(err, errCheckNetwork)
	}
	if !res.Ok() {
		if isNotFound(res) {
			return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
		}
		return nil, resultError(res, nil, errCheckNetwork)
	}

	info := parseNetInfo(res.Stdout)
	info.Name = name

	res, err = m.virsh.NetDumpXML(ctx, name)
	if err := resultError(res, err, errCheckNetwork); err != nil {
		return nil, err
	}
	var net libvirtxml.Network
	if err := net.Unmarshal(res.Stdout); err != nil {
		return nil, errors.Join(err, errParseNetworkXML)
	}
	info.Mode = ModeIsolated
	if net.Forward != nil {
		info.Mode = net.Forward.Mode
	}
	if info.Bridge == "" && net.Bridge != nil {
		info.Bridge = net.Bridge.Name
	}

	return info, nil
}

// Delete destroys and undefines a network. A missing network is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	info, err := m.Get(ctx, name)
	if errors.Is(err, ErrNetworkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Active {
		res, err := m.virsh.NetDestroy(ctx, name)
		if err := resultError(res, err, errDestroyNetwork); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name))
		}
	}
	if info.Persistent {
		res, err := m.virsh.NetUndefine(ctx, name)
		if err := resultError(res, err, errUndefineNetwork); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name))
		}
	}
	return nil
}

// GenerateXML renders the network definition of cfg.
func GenerateXML(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", ErrNetworkNameRequired
	}

	net := &libvirtxml.Network{Name: cfg.Name}

	switch cfg.Mode {
	case ModeBridge:
		if cfg.Bridge == "" {
			return "", ErrBridgeRequired
		}
		net.Forward = &libvirtxml.NetworkForward{Mode: ModeBridge}
		net.Bridge = &libvirtxml.NetworkBridge{Name: cfg.Bridge}

	case "", ModeNAT:
		net.Forward = &libvirtxml.NetworkForward{Mode: ModeNAT}
		net.Bridge = &libvirtxml.NetworkBridge{Name: cfg.Bridge, STP: "on"}
		net.IPs = []libvirtxml.NetworkIP{ipConfig(cfg, defaultNATAddress)}

	case ModeIsolated:
		net.Bridge = &libvirtxml.NetworkBridge{Name: cfg.Bridge, STP: "on"}
		net.IPs = []libvirtxml.NetworkIP{ipConfig(cfg, defaultIsolatedAddress)}

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMode, cfg.Mode)
	}

	doc, err := net.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalNetworkXML)
	}
	return doc, nil
}

func ipConfig(cfg Config, defaultAddress string) libvirtxml.NetworkIP {
	ip := libvirtxml.NetworkIP{
		Address: cfg.Address,
		Netmask: cfg.Netmask,
	}
	if ip.Address == "" {
		ip.Address = defaultAddress
	}
	if ip.Netmask == "" {
		ip.Netmask = defaultNetmask
	}
	if cfg.DHCPStart != "" && cfg.DHCPEnd != "" {
		ip.DHCP = &libvirtxml.NetworkDHCP{
			Ranges: []libvirtxml.NetworkDHCPRange{{Start: cfg.DHCPStart, End: cfg.DHCPEnd}},
		}
	}
	return ip
}

// parseNetInfo reads the "Key: value" lines of virsh net-info.
func parseNetInfo(out string) *Info {
	info := &Info{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Active":
			info.Active = value == "yes"
		case "Persistent":
			info.Persistent = value == "yes"
		case "Autostart":
			info.Autostart = value == "yes"
		case "Bridge":
			info.Bridge = value
		}
	}
	return info
}

func resultError(res *process.Result, err error, sentinel error) error {
	if err != nil {
		return errors.Join(err, sentinel)
	}
	if res.Ok() {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", sentinel, res.Command, res.StderrText())
}

func isNotFound(res *process.Result) bool {
	return strings.Contains(res.Stderr, "Network not found") ||
		strings.Contains(res.Stderr, "no network with matching name")
}
