package identitycache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/pylon/internal/identitycache"
	"github.com/hwuu/pylon/internal/keystore"
)

type countingResolver struct {
	calls int
	idmap map[string]*keystore.Identity
}

func (r *countingResolver) Resolve(ctx context.Context, presented string) (*keystore.Identity, error) {
	r.calls++
	if ident, ok := r.idmap[presented]; ok {
		return ident, nil
	}
	return nil, keystore.ErrNotFound
}

func TestInProcessCacheHitsAvoidBackingStore(t *testing.T) {
	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	cache, err := identitycache.New(backing, "", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ident, err := cache.Resolve(context.Background(), "sk-abc")
		require.NoError(t, err)
		require.Equal(t, "u1", ident.ID)
	}
	require.Equal(t, 1, backing.calls, "only the first Resolve should reach the backing store")
}

func TestInProcessCacheCachesNotFound(t *testing.T) {
	backing := &countingResolver{idmap: map[string]*keystore.Identity{}}
	cache, err := identitycache.New(backing, "", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, err1 := cache.Resolve(context.Background(), "sk-bogus")
	_, err2 := cache.Resolve(context.Background(), "sk-bogus")
	require.ErrorIs(t, err1, keystore.ErrNotFound)
	require.ErrorIs(t, err2, keystore.ErrNotFound)
	require.Equal(t, 1, backing.calls)
}

func TestInProcessCacheInvalidate(t *testing.T) {
	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	cache, err := identitycache.New(backing, "", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, _ = cache.Resolve(context.Background(), "sk-abc")
	cache.Invalidate(context.Background(), "sk-abc")
	_, _ = cache.Resolve(context.Background(), "sk-abc")
	require.Equal(t, 2, backing.calls, "invalidating must force a re-resolve")
}

func TestInProcessCacheInvalidateID(t *testing.T) {
	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	cache, err := identitycache.New(backing, "", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, _ = cache.Resolve(context.Background(), "sk-abc")
	cache.InvalidateID(context.Background(), "u1")
	_, _ = cache.Resolve(context.Background(), "sk-abc")
	require.Equal(t, 2, backing.calls, "invalidating by identity ID must force a re-resolve of every credential cached under it")
}

func TestRedisBackedCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityHigh},
	}}
	cache, err := identitycache.New(backing, "redis://"+mr.Addr(), time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	ident, err := cache.Resolve(context.Background(), "sk-abc")
	require.NoError(t, err)
	require.Equal(t, "u1", ident.ID)

	ident2, err := cache.Resolve(context.Background(), "sk-abc")
	require.NoError(t, err)
	require.Equal(t, "u1", ident2.ID)
	require.Equal(t, keystore.PriorityHigh, ident2.Priority)
	require.Equal(t, 1, backing.calls, "second resolve should be served from redis")
}

func TestRedisBackedCacheInvalidate(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	cache, err := identitycache.New(backing, "redis://"+mr.Addr(), time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, _ = cache.Resolve(context.Background(), "sk-abc")
	cache.Invalidate(context.Background(), "sk-abc")
	_, _ = cache.Resolve(context.Background(), "sk-abc")
	require.Equal(t, 2, backing.calls)
}

func TestRedisBackedCacheInvalidateID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	cache, err := identitycache.New(backing, "redis://"+mr.Addr(), time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, _ = cache.Resolve(context.Background(), "sk-abc")
	cache.InvalidateID(context.Background(), "u1")
	_, _ = cache.Resolve(context.Background(), "sk-abc")
	require.Equal(t, 2, backing.calls)
}

func TestUnreachableRedisFallsBackToInProcess(t *testing.T) {
	backing := &countingResolver{idmap: map[string]*keystore.Identity{
		"sk-abc": {ID: "u1", Priority: keystore.PriorityNormal},
	}}
	// Nothing listens on this port; New must fall back instead of erroring.
	cache, err := identitycache.New(backing, "redis://127.0.0.1:1", time.Minute, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, _ = cache.Resolve(context.Background(), "sk-abc")
	_, _ = cache.Resolve(context.Background(), "sk-abc")
	require.Equal(t, 1, backing.calls)
}
