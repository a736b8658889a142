package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(dispatch.Options{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunReloaderWithoutSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources, err := bindingSources(ctx, config.DefaultConfig())
	require.NoError(t, err)
	defer sources.stop()

	r, err := sources.runReloader(ctx, newTestDispatcher(t))
	require.NoError(t, err)
	// The admin API checks the interface against nil.
	assert.True(t, r == nil, "got %#v", r)
}

func TestRunReloaderLoadsFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "bindings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bindings:
  - {label: foo, protocol: tcp, prefix: 127.0.0.1/32, port: 80}
  - {label: bar, protocol: udp, prefix: "::/0", port: 0}
`), 0o644))

	cfg := config.DefaultConfig()
	cfg.ControlPlane.BindingsFile = path
	sources, err := bindingSources(ctx, cfg)
	require.NoError(t, err)
	defer sources.stop()

	d := newTestDispatcher(t)
	r, err := sources.runReloader(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Status().Bindings)
	assert.Len(t, d.Bindings(), 2)
}
