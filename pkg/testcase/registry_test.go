package testcase_test

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := testcase.NewRegistry()
	noop := func(context.Context, *testcase.T, params.Params, *testcase.Env) error { return nil }

	require.NoError(t, r.Register("virsh.start", noop))
	require.NoError(t, r.Register("virsh.destroy", noop))
	assert.Error(t, r.Register("virsh.start", noop))

	fn, err := r.Lookup("virsh.start")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, testcase.ErrUnknownCase)

	assert.Equal(t, []string{"virsh.destroy", "virsh.start"}, r.Names())
}
