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

package vmm

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/stretchr/testify/assert"
	"libvirt.org/go/libvirt"
)

func TestUndefineFlags(t *testing.T) {
	assert.Equal(t, libvirt.DomainUndefineFlagsValues(0), undefineFlags(driver.UndefineFlags{}))

	got := undefineFlags(driver.CleanUndefine)
	for _, f := range []libvirt.DomainUndefineFlagsValues{
		libvirt.DOMAIN_UNDEFINE_NVRAM,
		libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE,
		libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA,
		libvirt.DOMAIN_UNDEFINE_CHECKPOINTS_METADATA,
	} {
		assert.NotZero(t, got&f)
	}
	assert.Zero(t, got&libvirt.DOMAIN_UNDEFINE_KEEP_NVRAM)
}

func TestDomainState(t *testing.T) {
	tests := []struct {
		in   libvirt.DomainState
		want driver.DomainState
	}{
		{libvirt.DOMAIN_RUNNING, driver.StateRunning},
		{libvirt.DOMAIN_SHUTOFF, driver.StateShutOff},
		{libvirt.DOMAIN_PAUSED, driver.StatePaused},
		{libvirt.DOMAIN_CRASHED, driver.StateCrashed},
		{libvirt.DOMAIN_PMSUSPENDED, driver.StatePMSuspended},
		{libvirt.DOMAIN_NOSTATE, driver.StateNoState},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domainState(tt.in))
	}
}

func TestMapError(t *testing.T) {
	notFound := libvirt.Error{Code: libvirt.ERR_NO_DOMAIN, Message: "Domain not found: no domain with matching name 'x'"}
	assert.ErrorIs(t, mapError(notFound), driver.ErrDomainNotFound)

	flags := libvirt.Error{Code: libvirt.ERR_INVALID_ARG, Message: "unsupported flags (0x4) in function qemuDomainUndefineFlags"}
	assert.ErrorIs(t, mapError(flags), driver.ErrUnsupported)

	other := libvirt.Error{Code: libvirt.ERR_INVALID_ARG, Message: "invalid argument: bad name"}
	assert.NotErrorIs(t, mapError(other), driver.ErrUnsupported)

	plain := errors.New("plain")
	assert.Equal(t, plain, mapError(plain))
}
