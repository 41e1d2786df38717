// Package identitycache wraps the Key Store's Resolve with a read-through
// cache, so a hot credential doesn't re-hit SQLite on every request. When
// REDIS_URL is configured it caches through Redis (shared across gateway
// replicas); otherwise it falls back to an in-process cache so a single
// instance still gets the benefit.
//
// Grounded on the lineage's redisclient/redis.go (go-redis client
// construction from a URL) reworked from a plain ping-able connection
// wrapper into a read-through cache with its own TTL and negative-result
// caching, plus the lineage's concurrency.go pattern of a single mutex
// guarding a plain map for the in-process fallback.
package identitycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hwuu/pylon/internal/keystore"
)

// Resolver is the subset of keystore.Store the cache wraps.
type Resolver interface {
	Resolve(ctx context.Context, presented string) (*keystore.Identity, error)
}

// Cache is a read-through cache in front of a Resolver. A cache miss
// resolves against the backing store and populates the cache, including a
// short-lived negative entry for ErrNotFound so a credential-stuffing burst
// against one bogus key doesn't hammer the database.
type Cache struct {
	backing Resolver
	ttl     time.Duration
	negTTL  time.Duration
	logger  zerolog.Logger

	redis *redis.Client // nil when falling back to the in-process cache

	mu    sync.Mutex
	local map[string]localEntry
	byID  map[string]map[string]struct{} // identity ID -> presented credentials cached under it
}

type localEntry struct {
	identity  *keystore.Identity
	err       error
	expiresAt time.Time
}

// cachedIdentity is the wire shape stored in Redis; keystore.Identity isn't
// directly JSON-friendly because of its *time.Time fields, which round-trip
// fine through encoding/json as-is, so it's reused directly.
type cachedIdentity struct {
	Identity *keystore.Identity `json:"identity,omitempty"`
	NotFound bool               `json:"not_found,omitempty"`
}

// New builds a Cache. If redisURL is empty the cache runs entirely
// in-process. ttl bounds how long a resolved identity is trusted before
// the backing store is consulted again in the absence of an explicit
// InvalidateID call; a revoke or refresh is expected to call InvalidateID
// so the change is visible immediately rather than waiting out ttl.
// negTTL bounds how long a not-found result is cached.
func New(backing Resolver, redisURL string, ttl, negTTL time.Duration, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{
		backing: backing,
		ttl:     ttl,
		negTTL:  negTTL,
		logger:  logger,
		local:   make(map[string]localEntry),
		byID:    make(map[string]map[string]struct{}),
	}
	if redisURL == "" {
		logger.Info().Msg("identity cache: REDIS_URL not set, using in-process cache")
		return c, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c.redis = redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("identity cache: redis unreachable at startup, falling back to in-process cache")
		c.redis = nil
	}
	return c, nil
}

// Resolve returns the identity for presented, consulting the cache first.
func (c *Cache) Resolve(ctx context.Context, presented string) (*keystore.Identity, error) {
	if c.redis != nil {
		if ident, err, hit := c.getRedis(ctx, presented); hit {
			return ident, err
		}
	} else if ident, err, hit := c.getLocal(presented); hit {
		return ident, err
	}

	ident, err := c.backing.Resolve(ctx, presented)
	c.put(ctx, presented, ident, err)
	return ident, err
}

// Invalidate drops any cached entry for presented, used after a key is
// revoked or refreshed so the stale entry can't outlive its ttl.
func (c *Cache) Invalidate(ctx context.Context, presented string) {
	if c.redis != nil {
		c.redis.Del(ctx, cacheKey(presented))
		return
	}
	c.mu.Lock()
	delete(c.local, presented)
	c.mu.Unlock()
}

// InvalidateID drops every cached entry resolved to identity id. The admin
// surface only ever has the identity ID on hand (from the URL path), never
// the plaintext credential that was cached under, so revoke/refresh call
// this instead of Invalidate.
func (c *Cache) InvalidateID(ctx context.Context, id string) {
	if c.redis != nil {
		idxKey := idIndexKey(id)
		members, err := c.redis.SMembers(ctx, idxKey).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str("identity_id", id).Msg("identity cache: redis id-index lookup failed")
			return
		}
		for _, presented := range members {
			c.redis.Del(ctx, cacheKey(presented))
		}
		c.redis.Del(ctx, idxKey)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for presented := range c.byID[id] {
		delete(c.local, presented)
	}
	delete(c.byID, id)
}

func (c *Cache) getLocal(presented string) (*keystore.Identity, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[presented]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil, false
	}
	return entry.identity, entry.err, true
}

func (c *Cache) getRedis(ctx context.Context, presented string) (*keystore.Identity, error, bool) {
	raw, err := c.redis.Get(ctx, cacheKey(presented)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("identity cache: redis get failed, resolving against backing store")
		return nil, nil, false
	}
	var cached cachedIdentity
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, nil, false
	}
	if cached.NotFound {
		return nil, keystore.ErrNotFound, true
	}
	return cached.Identity, nil, true
}

func (c *Cache) put(ctx context.Context, presented string, ident *keystore.Identity, err error) {
	// Only NotFound is worth a negative cache entry; Expired/Revoked are
	// just as cheap to re-check on every request and caching them would
	// delay a revocation taking effect by up to negTTL.
	cacheable := err == nil || errors.Is(err, keystore.ErrNotFound)
	if !cacheable {
		return
	}
	ttl := c.ttl
	if err != nil {
		ttl = c.negTTL
	}

	if c.redis != nil {
		payload := cachedIdentity{Identity: ident, NotFound: err != nil}
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return
		}
		if serr := c.redis.Set(ctx, cacheKey(presented), raw, ttl).Err(); serr != nil {
			c.logger.Warn().Err(serr).Msg("identity cache: redis set failed")
		}
		if ident != nil {
			idxKey := idIndexKey(ident.ID)
			if serr := c.redis.SAdd(ctx, idxKey, presented).Err(); serr != nil {
				c.logger.Warn().Err(serr).Msg("identity cache: redis id-index set failed")
			} else {
				c.redis.Expire(ctx, idxKey, ttl)
			}
		}
		return
	}

	c.mu.Lock()
	c.local[presented] = localEntry{identity: ident, err: err, expiresAt: time.Now().Add(ttl)}
	if ident != nil {
		if c.byID[ident.ID] == nil {
			c.byID[ident.ID] = make(map[string]struct{})
		}
		c.byID[ident.ID][presented] = struct{}{}
	}
	c.mu.Unlock()
}

func cacheKey(presented string) string {
	return "pylon:identity:" + presented
}

func idIndexKey(id string) string {
	return "pylon:identity:byid:" + id
}
