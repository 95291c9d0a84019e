package portalloc

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
)

func newTestIndex(t *testing.T) kv.Index {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewRedisIndexFromClient(rdb)
}

func TestAllocate_ReturnsDistinctFreePorts(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	a := NewSeeded(idx, 1)

	ports, err := a.Allocate(ctx, "srv1", 10000, 10009, 3)
	require.NoError(t, err)
	require.Len(t, ports, 3)

	seen := map[int]bool{}
	for _, p := range ports {
		require.False(t, seen[p], "duplicate port %d", p)
		require.GreaterOrEqual(t, p, 10000)
		require.LessOrEqual(t, p, 10009)
		seen[p] = true
	}
}

func TestAllocate_SkipsOccupiedPorts(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	a := NewSeeded(idx, 1)

	require.NoError(t, idx.Set(ctx, "port:srv1:10000", "T0", 0))
	require.NoError(t, idx.Set(ctx, "port:srv1:10001", "T0", 0))

	ports, err := a.Allocate(ctx, "srv1", 10000, 10002, 1)
	require.NoError(t, err)
	require.Equal(t, []int{10002}, ports)
}

func TestAllocate_ExhaustedRangeFails(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	a := NewSeeded(idx, 1)

	require.NoError(t, idx.Set(ctx, "port:srv1:10000", "T0", 0))
	require.NoError(t, idx.Set(ctx, "port:srv1:10001", "T0", 0))

	_, err := a.Allocate(ctx, "srv1", 10000, 10001, 1)
	require.ErrorIs(t, err, ErrPortsExhausted)
}

func TestAllocate_DoesNotReservePorts(t *testing.T) {
	// Allocate is read-only: calling it twice in a row for a fully-free
	// range can return overlapping ports, since reservation is the caller's
	// job (spec §4.2, enforced by mutex_port in the Traffic Manager).
	ctx := context.Background()
	idx := newTestIndex(t)
	a := NewSeeded(idx, 1)

	first, err := a.Allocate(ctx, "srv1", 10000, 10000, 1)
	require.NoError(t, err)
	second, err := a.Allocate(ctx, "srv1", 10000, 10000, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestAllocate_UsesKVAsSourceOfTruth(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	a := NewSeeded(idx, 42)

	ports, err := a.Allocate(ctx, "srv2", 20000, 20100, 5)
	require.NoError(t, err)
	require.Len(t, ports, 5)
}
