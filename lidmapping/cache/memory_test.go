package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "pn:15551234567")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "pn:15551234567", "abcd", time.Hour))
	val, ok, err := m.Get(ctx, "pn:15551234567")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abcd", val)

	require.NoError(t, m.Delete(ctx, "pn:15551234567"))
	_, ok, err = m.Get(ctx, "pn:15551234567")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
