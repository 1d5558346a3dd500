package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/storage"
)

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	rel := storage.NewMemoryRelational()

	l, ok, err := Acquire(ctx, rel, "session:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "release must be idempotent")
}

func TestAcquireFailsWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	rel := storage.NewMemoryRelational()

	_, ok, err := Acquire(ctx, rel, "session:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := Acquire(ctx, rel, "session:s1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok2)
}

func TestAcquireStealsExpiredLease(t *testing.T) {
	ctx := context.Background()
	rel := storage.NewMemoryRelational()

	_, ok, err := Acquire(ctx, rel, "session:s1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	second, ok2, err := Acquire(ctx, rel, "session:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok2)
	require.NoError(t, second.Release(ctx))
}

func TestRenewFailsAfterLeaseStolen(t *testing.T) {
	ctx := context.Background()
	rel := storage.NewMemoryRelational()

	first, ok, err := Acquire(ctx, rel, "session:s1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := Acquire(ctx, rel, "session:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok2)

	require.Error(t, first.Renew(ctx))
}
