package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	Name string `json:"name"`
}

// pingHandler has a non-zero size so that every instance gets its own
// address; zero-size values may all share one.
type pingHandler struct{ _ byte }

func (h *pingHandler) Handle(ctx context.Context, request any) error { return nil }

func TestRegistryRegisterAndResolve(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(pingRequest{}, func() TaskHandler { return &pingHandler{} }))

	name := TypeName(pingRequest{})
	assert.True(t, registry.Known(name))

	handler, handlerType, err := registry.Resolve(name)
	require.NoError(t, err)
	assert.IsType(t, &pingHandler{}, handler)
	assert.Equal(t, TypeName(&pingHandler{}), handlerType)

	// each resolution materialises a fresh instance
	other, _, err := registry.Resolve(name)
	require.NoError(t, err)
	assert.NotSame(t, handler, other)
}

func TestRegistryIsWriteOnce(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(pingRequest{}, func() TaskHandler { return &pingHandler{} }))
	assert.Error(t, registry.Register(pingRequest{}, func() TaskHandler { return &pingHandler{} }))
}

func TestRegistryResolveUnknownType(t *testing.T) {
	registry := NewHandlerRegistry()
	_, _, err := registry.Resolve("nowhere.Nothing")
	assert.ErrorIs(t, err, ErrUnknownRequestType)
}

func TestRegistryDecode(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(pingRequest{}, func() TaskHandler { return &pingHandler{} }))

	value, err := registry.Decode(TypeName(pingRequest{}), `{"name":"hello"}`)
	require.NoError(t, err)

	decoded, ok := value.(pingRequest)
	require.True(t, ok)
	assert.Equal(t, "hello", decoded.Name)
}

func TestRegistryPointerRegistrationNormalises(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(&pingRequest{}, func() TaskHandler { return &pingHandler{} }))

	// dispatching a value of the same type resolves the same entry
	assert.True(t, registry.Known(TypeName(pingRequest{})))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, TypeName(pingRequest{}), TypeName(&pingRequest{}))
	assert.Contains(t, TypeName(pingRequest{}), "pingRequest")
}
