package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veramed/caregate/internal/roles"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetRole(ctx, "u1")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	require.NoError(t, s.SetRole(ctx, "u1", roles.RoleDoctor))

	role, err := s.GetRole(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, roles.RoleDoctor, role)

	require.NoError(t, s.DeleteRole(ctx, "u1"))
	_, err = s.GetRole(ctx, "u1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestResolverSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetRole(ctx, "u1", roles.RoleAdmin))

	src := ResolverSource(s)

	role, ok := src(ctx, "u1")
	assert.True(t, ok)
	assert.Equal(t, roles.RoleAdmin, role)

	// Missing profile defers instead of failing
	_, ok = src(ctx, "missing")
	assert.False(t, ok)

	// Empty user id defers
	_, ok = src(ctx, "")
	assert.False(t, ok)
}
