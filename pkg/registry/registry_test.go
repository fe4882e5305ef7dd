package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Submit(context.Context, provider.SubmitRequest) (string, error) {
	return "job-1", nil
}

func (stubProvider) Status(context.Context, string) (provider.Status, error) {
	return provider.Status{State: models.JobStatusRunning}, nil
}

func (stubProvider) Cancel(context.Context, string) error {
	return nil
}

func noopTool() provider.LocalTool {
	return provider.LocalToolFunc(func(context.Context, provider.LocalTask) (map[string]models.OutputAsset, error) {
		return nil, nil
	})
}

func TestRegistry_Has(t *testing.T) {
	reg := NewRegistry(log.Discard())
	reg.RegisterLocal("mask.feather", noopTool())
	reg.RegisterRemote("image.generate", "imagine")
	reg.RegisterRemote("image.upscale", "absent")
	reg.RegisterProvider("imagine", stubProvider{})
	reg.RegisterHuman("human.pick")

	tests := []struct {
		kind string
		want bool
	}{
		{kind: "mask.feather", want: true},
		{kind: "image.generate", want: true},
		{kind: "image.upscale", want: false},
		{kind: "human.pick", want: true},
		{kind: "unknown", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Has(tt.kind))
		})
	}

	assert.Equal(t, []string{"human.pick", "image.generate", "mask.feather"}, reg.Kinds())
}

func TestRegistry_Lookups(t *testing.T) {
	reg := NewRegistry(log.Discard())
	reg.RegisterLocal("mask.feather", noopTool())
	reg.RegisterRemote("image.generate", "imagine")
	reg.RegisterProvider("imagine", stubProvider{})
	reg.RegisterHuman("human.pick")

	_, ok := reg.Local("mask.feather")
	assert.True(t, ok)

	providerID, p, ok := reg.Remote("image.generate")
	require.True(t, ok)
	assert.Equal(t, "imagine", providerID)
	assert.NotNil(t, p)

	_, _, ok = reg.Remote("mask.feather")
	assert.False(t, ok)

	assert.True(t, reg.Human("human.pick"))
	assert.False(t, reg.Human("image.generate"))
}

func TestRegistry_LoadToolPlugins(t *testing.T) {
	reg := NewRegistry(log.Discard())

	require.NoError(t, reg.LoadToolPlugins(""))
	require.NoError(t, reg.LoadToolPlugins(t.TempDir()))

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tools"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools", "broken.so"), []byte("not a plugin"), 0600))

	assert.Error(t, reg.LoadToolPlugins(dir))
}
