// SPDX-License-Identifier: AGPL-3.0-only
package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
)

func echo(_ context.Context, args map[string]interface{}) (string, error) {
	return fmt.Sprintf("%v", args["value"]), nil
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("first", "first fn", nil, echo))
	require.NoError(t, reg.Register("second", "second fn", nil, echo))

	col := reg.Collection()
	assert.Equal(t, LocalCollectionName, col.Name)
	require.Equal(t, 2, col.Len())

	fns := col.Functions()
	assert.Equal(t, "first", fns[0].Name)
	assert.Equal(t, "second", fns[1].Name)
	assert.Equal(t, Local, fns[0].Kind)
	assert.Equal(t, "object", fns[0].Schema["type"])
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("generate", "", nil, echo))

	err := reg.Register("generate", "again", nil, echo)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateFunction)
	assert.Equal(t, 1, reg.Collection().Len())
}

func TestRegistryRejectsEmptyNameAndNilHandler(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", "", nil, echo))
	assert.Error(t, reg.Register("x", "", nil, nil))
	assert.Equal(t, 0, reg.Collection().Len())
}

func TestLocalHandlerErrorsBecomeToolErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("fails", "", nil, func(context.Context, map[string]interface{}) (string, error) {
		return "", fmt.Errorf("disk full")
	}))
	require.NoError(t, reg.Register("panics", "", nil, func(context.Context, map[string]interface{}) (string, error) {
		panic("nil map")
	}))

	fns := reg.Collection().Functions()

	_, err := fns[0].Call(context.Background(), nil)
	var te *errors.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "fails", te.Name)
	assert.Equal(t, "disk full", te.Detail)

	_, err = fns[1].Call(context.Background(), nil)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "panics", te.Name)
	assert.Contains(t, te.Detail, "nil map")
}

func TestCatalogOrderAndLookup(t *testing.T) {
	bridged := NewCollection("kubernetes",
		NewFunction(Descriptor{Name: "list_pods"}, Bridged, echo),
		NewFunction(Descriptor{Name: "list_namespaces"}, Bridged, echo),
	)
	reg := NewRegistry()
	require.NoError(t, reg.Register("generate_cluster_summary", "", nil, echo))

	cat, err := NewCatalog(bridged, reg.Collection())
	require.NoError(t, err)

	defs := cat.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "list_pods", defs[0].Name)
	assert.Equal(t, "list_namespaces", defs[1].Name)
	assert.Equal(t, "generate_cluster_summary", defs[2].Name)

	fn, ok := cat.Lookup("list_namespaces")
	require.True(t, ok)
	assert.Equal(t, Bridged, fn.Kind)

	_, ok = cat.Lookup("missing")
	assert.False(t, ok)
	assert.Len(t, cat.Collections(), 2)
}

func TestCatalogRejectsCrossCollectionDuplicate(t *testing.T) {
	a := NewCollection("a", NewFunction(Descriptor{Name: "shared"}, Bridged, echo))
	b := NewCollection("b", NewFunction(Descriptor{Name: "shared"}, Local, echo))

	_, err := NewCatalog(a, b)
	assert.ErrorIs(t, err, errors.ErrDuplicateFunction)
}

func TestCatalogCall(t *testing.T) {
	cat, err := NewCatalog(NewCollection("c", NewFunction(Descriptor{Name: "echo"}, Local, echo)))
	require.NoError(t, err)

	out, err := cat.Call(context.Background(), "echo", `{"value":"ns-a"}`)
	require.NoError(t, err)
	assert.Equal(t, "ns-a", out)

	out, err = cat.Call(context.Background(), "echo", "")
	require.NoError(t, err)
	assert.Equal(t, "<nil>", out)

	_, err = cat.Call(context.Background(), "nope", "{}")
	assert.ErrorIs(t, err, errors.ErrToolNotFound)

	_, err = cat.Call(context.Background(), "echo", "{not json")
	assert.ErrorIs(t, err, errors.ErrToolExecution)
}
