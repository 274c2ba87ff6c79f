//go:build integration

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

package vmm_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmm"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_Lifecycle(t *testing.T) {
	ctx := context.Background()

	d, err := vmm.New()
	require.NoError(t, err)
	defer d.Close()

	name := fmt.Sprintf("virtcase-it-%d", time.Now().UnixNano())
	x, err := vmxml.BuildDomain(vmxml.BuildConfig{Name: name, MemoryMiB: 256, VCPUs: 1, NetworkMode: "user"})
	require.NoError(t, err)
	doc, err := x.Marshal()
	require.NoError(t, err)

	exists, err := d.Exists(ctx, name)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, d.Define(ctx, doc))
	defer func() {
		_ = d.Destroy(ctx, name)
		_ = d.Undefine(ctx, name, driver.CleanUndefine)
	}()

	state, err := d.State(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, driver.StateShutOff, state)

	dumped, err := vmxml.FromDomain(ctx, d, name, true)
	require.NoError(t, err)
	assert.Equal(t, name, dumped.Name())

	require.NoError(t, d.Destroy(ctx, name))
	require.NoError(t, d.Undefine(ctx, name, driver.CleanUndefine))

	_, err = d.DumpXML(ctx, name, true)
	assert.ErrorIs(t, err, driver.ErrDomainNotFound)
}
