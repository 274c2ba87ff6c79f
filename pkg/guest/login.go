package guest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/params"
)

var errNoAddress = errors.New("no address to reach guest")

const defaultLoginTimeout = 240 * time.Second

// AddressResolver finds the address of a running domain, e.g. from DHCP leases.
type AddressResolver interface {
	DomainIP(ctx context.Context, name string) (string, error)
}

// Login opens a session to vmName. The vm_ip param (or its per-VM form vm_ip_<vm>)
// wins over the resolver; login_timeout bounds address resolution and dialing.
func Login(ctx context.Context, resolver AddressResolver, vmName string, p params.Params, cfg Config) (*SSHSession, error) {
	timeout, err := p.GetDuration(params.KeyLoginTimeout, defaultLoginTimeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := p.ObjectParams(vmName).Get(params.KeyVMIP)
	if host == "" {
		if resolver == nil {
			return nil, fmt.Errorf("%w: vmName=%s", errNoAddress, vmName)
		}
		host, err = resolver.DomainIP(ctx, vmName)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmName=%s", vmName), errNoAddress)
		}
	}

	cfg.Host = host
	return Dial(ctx, cfg)
}
