package appctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_OverrideWinsOverDefault(t *testing.T) {
	reg := NewRegistry(Slot{Name: "tenant_id", Default: func() any { return "default" }})

	err := reg.Run(context.Background(), Values{"tenant_id": "acme"}, func(ctx context.Context) error {
		assert.Equal(t, "acme", reg.Get(ctx, "tenant_id"))
		return nil
	})
	require.NoError(t, err)
}

func TestGet_DefaultMaterialisedOncePerScope(t *testing.T) {
	calls := 0
	reg := NewRegistry(Slot{Name: "request_id", Default: func() any {
		calls++
		return calls
	}})

	err := reg.Run(context.Background(), nil, func(ctx context.Context) error {
		assert.Equal(t, 1, reg.Get(ctx, "request_id"))
		assert.Equal(t, 1, reg.Get(ctx, "request_id"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGet_InheritedSlotDoesNotInvokeChildDefault(t *testing.T) {
	calls := 0
	reg := NewRegistry(Slot{Name: "session", Default: func() any {
		calls++
		return calls
	}})

	err := reg.Run(context.Background(), nil, func(outer context.Context) error {
		first := reg.Get(outer, "session")
		return reg.Run(outer, nil, func(inner context.Context) error {
			assert.Equal(t, first, reg.Get(inner, "session"))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGet_LocalSlotMaterialisesFreshPerScope(t *testing.T) {
	calls := 0
	reg := NewRegistry(Slot{Name: "trace", Local: true, Default: func() any {
		calls++
		return calls
	}})

	err := reg.Run(context.Background(), nil, func(outer context.Context) error {
		assert.Equal(t, 1, reg.Get(outer, "trace"))
		return reg.Run(outer, nil, func(inner context.Context) error {
			assert.Equal(t, 2, reg.Get(inner, "trace"))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGet_LocalSlotHonoursExplicitOverride(t *testing.T) {
	reg := NewRegistry(Slot{Name: "trace", Local: true, Default: func() any { return "fresh" }})

	err := reg.Run(context.Background(), nil, func(outer context.Context) error {
		return reg.Run(outer, Values{"trace": "pinned"}, func(inner context.Context) error {
			assert.Equal(t, "pinned", reg.Get(inner, "trace"))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestAttach_VisibleInScopeAndChildren(t *testing.T) {
	reg := NewRegistry(Slot{Name: "tenant_id"})

	err := reg.Run(context.Background(), nil, func(outer context.Context) error {
		reg.Attach(outer, Values{"tenant_id": "t-42"})
		assert.Equal(t, "t-42", reg.Get(outer, "tenant_id"))
		return reg.Run(outer, nil, func(inner context.Context) error {
			assert.Equal(t, "t-42", reg.Get(inner, "tenant_id"))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestGet_OutsideScopeReturnsNil(t *testing.T) {
	reg := NewRegistry(Slot{Name: "tenant_id", Default: func() any { return "x" }})
	assert.Nil(t, reg.Get(context.Background(), "tenant_id"))
	assert.Nil(t, reg.Get(context.Background(), "unknown"))
}

func TestSnapshot_InnerValuesWin(t *testing.T) {
	reg := NewRegistry(Slot{Name: "a"}, Slot{Name: "b"})

	err := reg.Run(context.Background(), Values{"a": 1, "b": 1}, func(outer context.Context) error {
		return reg.Run(outer, Values{"b": 2}, func(inner context.Context) error {
			snap := reg.Snapshot(inner)
			assert.Equal(t, Values{"a": 1, "b": 2}, snap)
			return nil
		})
	})
	require.NoError(t, err)
}
