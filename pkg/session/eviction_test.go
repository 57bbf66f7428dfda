package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryEvictIdleOnce(t *testing.T) {
	r, f := newTestRegistry(t, Options{})
	r.SetEvictionConfig(10*time.Second, time.Second)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "s1", nil))

	evicted := r.evictIdleOnce(ctx, time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)
	require.False(t, r.Has("s1"))
	require.Equal(t, 1, f.Last().Disconnects())
}

func TestRegistryEvictIdleOnce_SkipsBusy(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.SetEvictionConfig(10*time.Second, time.Second)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "s1", nil))
	r.BeginTurn("s1")

	evicted := r.evictIdleOnce(ctx, time.Now().Add(time.Hour))
	require.Equal(t, 0, evicted)
	require.True(t, r.Has("s1"))

	r.EndTurn("s1")
	evicted = r.evictIdleOnce(ctx, time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)
}

func TestRegistryEvictIdleOnce_SkipsRecent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.SetEvictionConfig(10*time.Second, time.Second)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "s1", nil))

	require.Equal(t, 0, r.evictIdleOnce(ctx, time.Now()))
	require.True(t, r.Has("s1"))
}

func TestRegistryEvictIdleOnce_Guard(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.SetEvictionConfig(10*time.Second, time.Second)
	r.SetEvictionGuard(func(id string) bool { return id == "watched" })
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "watched", nil))
	require.NoError(t, r.Create(ctx, "idle", nil))

	require.Equal(t, 1, r.evictIdleOnce(ctx, time.Now().Add(time.Hour)))
	require.True(t, r.Has("watched"))
	require.False(t, r.Has("idle"))
}

func TestRegistryEvictIdleOnce_Disabled(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "s1", nil))

	require.Equal(t, 0, r.evictIdleOnce(ctx, time.Now().Add(24*time.Hour)))
	require.True(t, r.Has("s1"))
}

func TestRegistryStartEvictionLoop_Stops(t *testing.T) {
	r, _ := newTestRegistry(t, Options{IdleTimeout: time.Millisecond, EvictionInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Create(ctx, "s1", nil))

	r.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return !r.Has("s1") }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.evictRunning
	}, time.Second, 5*time.Millisecond)
}
