package discovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerber/busbridge/discovery"
)

func TestNoopIsRegisteredByDefault(t *testing.T) {
	assert.True(t, discovery.DefaultRegistry.Has(discovery.NoopName))
}

func TestNoopAcceptsEverything(t *testing.T) {
	reg, err := discovery.NewRegistrar(discovery.NoopName, discovery.Config{})
	require.NoError(t, err)

	assert.NoError(t, reg.Register(context.Background(), discovery.Instance{ID: "a-1", Name: "a"}))
	assert.NoError(t, reg.Deregister(context.Background(), "a-1"))
	assert.NoError(t, reg.Close())
}

func TestUnknownBackend(t *testing.T) {
	_, err := discovery.NewRegistrar("zookeeper", discovery.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zookeeper")
}

func TestRegisterReplacesBuilder(t *testing.T) {
	r := discovery.NewRegistry()
	r.Register("fake", func(discovery.Config) (discovery.Registrar, error) {
		return discovery.Noop{}, nil
	})
	r.Register("fake", func(discovery.Config) (discovery.Registrar, error) {
		return nil, assert.AnError
	})

	_, err := r.New("fake", discovery.Config{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"fake"}, r.Names())
}
