// Package cache implements the multi-level resolution cache: a bounded
// in-process LRU with a short TTL in front of a shared redis layer. Entries
// are tagged with the identifiers that void them; invalidation is exact via a
// tag reverse index, with the local TTL as the backstop for missed
// cross-process broadcasts. Per-tag version counters fence rebuilds that race
// an invalidation: a write whose version snapshot went stale is discarded
// instead of stored.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/authgrid/authgrid/internal/rbac"
)

// InvalidationChannel is the redis pub/sub channel carrying invalidated tags.
const InvalidationChannel = "authgrid.invalidate"

const (
	tagKeyPrefix     = "authgrid:tag:"
	tagVersionPrefix = "authgrid:tagv:"
)

// EventObserver receives cache hit/miss/invalidation counts per level.
// Implemented by the observability metrics; nil disables observation.
type EventObserver interface {
	ObserveCacheEvent(level, event string)
}

// Config collects MultiLevel settings. A nil Client degrades the cache to the
// local layer only, which single-process deployments and tests rely on.
type Config struct {
	Client    *redis.Client
	LocalSize int
	LocalTTL  time.Duration
	SharedTTL time.Duration
	Logger    *slog.Logger
	Observer  EventObserver
}

// MultiLevel is the two-layer resolution cache.
type MultiLevel struct {
	local     *expirable.LRU[string, *rbac.ResolvedSet]
	client    *redis.Client
	sharedTTL time.Duration
	logger    *slog.Logger
	observer  EventObserver

	mu            sync.Mutex
	tagIndex      map[string]map[string]struct{}
	keyTags       map[string][]string
	localVersions map[string]uint64
}

// New constructs the cache.
func New(cfg Config) *MultiLevel {
	size := cfg.LocalSize
	if size <= 0 {
		size = 4096
	}
	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = 5 * time.Second
	}
	sharedTTL := cfg.SharedTTL
	if sharedTTL <= 0 {
		sharedTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &MultiLevel{
		client:        cfg.Client,
		sharedTTL:     sharedTTL,
		logger:        logger,
		observer:      cfg.Observer,
		tagIndex:      map[string]map[string]struct{}{},
		keyTags:       map[string][]string{},
		localVersions: map[string]uint64{},
	}
	c.local = expirable.NewLRU[string, *rbac.ResolvedSet](size, func(key string, _ *rbac.ResolvedSet) {
		c.forgetKey(key)
	}, localTTL)
	return c
}

// Get looks a key up, local layer first. Shared-layer failures degrade to a
// miss so a check can always fall through to the stores.
func (c *MultiLevel) Get(ctx context.Context, key string) (*rbac.ResolvedSet, bool, error) {
	if set, ok := c.local.Get(key); ok {
		c.observe("local", "hit")
		return set, true, nil
	}
	c.observe("local", "miss")
	if c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.observe("shared", "miss")
		return nil, false, nil
	}
	if err != nil {
		c.observe("shared", "error")
		c.logger.Warn("shared cache read failed", slog.String("key", key), slog.Any("error", err))
		return nil, false, nil
	}
	var set rbac.ResolvedSet
	if err := json.Unmarshal(payload, &set); err != nil {
		c.observe("shared", "error")
		return nil, false, nil
	}
	c.observe("shared", "hit")
	tags := tagsFor(&set)
	c.addLocal(key, &set, tags)
	return &set, true, nil
}

// TagVersions returns the current invalidation counter of each tag, local
// and shared counters combined. Shared-layer failures degrade to the local
// counters so a rebuild can always take a snapshot.
func (c *MultiLevel) TagVersions(ctx context.Context, tags ...string) (rbac.TagVersions, error) {
	versions := make(rbac.TagVersions, len(tags))
	c.mu.Lock()
	for _, tag := range tags {
		versions[tag] = c.localVersions[tag]
	}
	c.mu.Unlock()
	if c.client == nil {
		return versions, nil
	}
	versionKeys := make([]string, len(tags))
	for i, tag := range tags {
		versionKeys[i] = tagVersionPrefix + tag
	}
	vals, err := c.client.MGet(ctx, versionKeys...).Result()
	if err != nil {
		c.logger.Warn("tag version read failed", slog.Any("tags", tags), slog.Any("error", err))
		return versions, nil
	}
	for i, val := range vals {
		if raw, ok := val.(string); ok {
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				versions[tags[i]] += v
			}
		}
	}
	return versions, nil
}

// Put stores the set in both layers under the tags of the version snapshot,
// then re-reads the counters. A counter that moved past the snapshot means an
// invalidation ran while the caller was rebuilding: the entry may predate the
// mutation behind it, so it is removed again rather than left to serve stale
// grants for a shared-TTL interval. Invalidate bumps counters before it drops
// keys and Put writes before it re-checks, so one side always sees the other.
func (c *MultiLevel) Put(ctx context.Context, key string, set *rbac.ResolvedSet, versions rbac.TagVersions) error {
	tags := make([]string, 0, len(versions))
	for tag := range versions {
		tags = append(tags, tag)
	}
	c.addLocal(key, set, tags)
	if c.client != nil {
		payload, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("cache: marshal: %w", err)
		}
		pipe := c.client.Pipeline()
		pipe.Set(ctx, key, payload, c.sharedTTL)
		for _, tag := range tags {
			tagKey := tagKeyPrefix + tag
			pipe.SAdd(ctx, tagKey, key)
			pipe.Expire(ctx, tagKey, c.sharedTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Warn("shared cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	current, err := c.TagVersions(ctx, tags...)
	if err != nil {
		return err
	}
	for tag, snapshot := range versions {
		if current[tag] > snapshot {
			c.local.Remove(key)
			if c.client != nil {
				if err := c.client.Del(ctx, key).Err(); err != nil {
					c.logger.Warn("stale entry removal failed", slog.String("key", key), slog.Any("error", err))
				}
			}
			c.observe("local", "stale_discard")
			return nil
		}
	}
	return nil
}

// Invalidate voids every entry carrying one of the tags: locally via the
// reverse index, in the shared layer via tag sets, and in other processes via
// a pub/sub broadcast. Local invalidation always happens even when redis is
// unreachable; remote propagation is best-effort with the local TTL bounding
// staleness.
func (c *MultiLevel) Invalidate(ctx context.Context, tags ...string) error {
	c.dropLocal(tags...)
	if c.client == nil {
		return nil
	}
	var firstErr error
	// Counters move before any key is dropped, closing the window where an
	// in-flight rebuild could write an entry this invalidation never saw.
	bump := c.client.Pipeline()
	for _, tag := range tags {
		bump.Incr(ctx, tagVersionPrefix+tag)
	}
	if _, err := bump.Exec(ctx); err != nil {
		firstErr = err
	}
	for _, tag := range tags {
		tagKey := tagKeyPrefix + tag
		keys, err := c.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := c.client.Del(ctx, tagKey).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.client.Publish(ctx, InvalidationChannel, strings.Join(tags, ",")).Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("cache: invalidate: %w", firstErr)
	}
	return nil
}

// ListenForInvalidation subscribes to the invalidation channel and drops
// matching local entries. Blocks until the context is cancelled.
func (c *MultiLevel) ListenForInvalidation(ctx context.Context) error {
	if c.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := c.client.Subscribe(ctx, InvalidationChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == "" {
				continue
			}
			c.dropLocal(strings.Split(msg.Payload, ",")...)
		}
	}
}

func (c *MultiLevel) addLocal(key string, set *rbac.ResolvedSet, tags []string) {
	c.mu.Lock()
	c.keyTags[key] = tags
	for _, tag := range tags {
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = map[string]struct{}{}
			c.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()
	c.local.Add(key, set)
}

func (c *MultiLevel) dropLocal(tags ...string) {
	c.mu.Lock()
	var victims []string
	for _, tag := range tags {
		c.localVersions[tag]++
		for key := range c.tagIndex[tag] {
			victims = append(victims, key)
		}
	}
	c.mu.Unlock()
	for _, key := range victims {
		c.local.Remove(key)
		c.observe("local", "invalidated")
	}
}

// forgetKey cleans the reverse index when the LRU evicts or removes a key.
func (c *MultiLevel) forgetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range c.keyTags[key] {
		if keys, ok := c.tagIndex[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
	delete(c.keyTags, key)
}

func (c *MultiLevel) observe(level, event string) {
	if c.observer != nil {
		c.observer.ObserveCacheEvent(level, event)
	}
}

func tagsFor(set *rbac.ResolvedSet) []string {
	tags := []string{rbac.UserTag(set.UserID), rbac.TenantTag(set.TenantID)}
	for _, roleID := range set.RoleIDs {
		tags = append(tags, rbac.RoleTag(roleID))
	}
	return tags
}
