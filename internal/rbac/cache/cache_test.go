package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/authgrid/authgrid/internal/rbac"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// snapshot takes the version snapshot a rebuild would capture before its
// store reads.
func snapshot(t *testing.T, c *MultiLevel, tags ...string) rbac.TagVersions {
	t.Helper()
	versions, err := c.TagVersions(context.Background(), tags...)
	if err != nil {
		t.Fatalf("tag versions: %v", err)
	}
	return versions
}

func testSet(userID, tenantID int64, roleIDs ...int64) *rbac.ResolvedSet {
	return &rbac.ResolvedSet{
		UserID:   userID,
		TenantID: tenantID,
		RoleIDs:  roleIDs,
		Grants: map[string]rbac.Grant{
			"documents:read": {PermissionID: 1},
		},
		ResolvedAt: time.Now().UTC(),
	}
}

func TestPutAndGetLocal(t *testing.T) {
	_, client := newTestClient(t)
	c := New(Config{Client: client})
	ctx := context.Background()

	set := testSet(7, 1, 10)
	key := rbac.CacheKey(7, 1)
	if err := c.Put(ctx, key, set, snapshot(t, c, rbac.UserTag(7), rbac.TenantTag(1), rbac.RoleTag(10))); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.UserID != 7 || got.TenantID != 1 {
		t.Fatalf("unexpected set %+v", got)
	}
}

func TestSharedLayerPromotion(t *testing.T) {
	_, client := newTestClient(t)
	writer := New(Config{Client: client})
	reader := New(Config{Client: client})
	ctx := context.Background()

	key := rbac.CacheKey(7, 1)
	if err := writer.Put(ctx, key, testSet(7, 1, 10), snapshot(t, writer, rbac.UserTag(7))); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second process has no local entry and must fall through to redis.
	got, ok, err := reader.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected shared hit")
	}
	if len(got.RoleIDs) != 1 || got.RoleIDs[0] != 10 {
		t.Fatalf("unexpected roles %v", got.RoleIDs)
	}
	if _, ok := got.Grants["documents:read"]; !ok {
		t.Fatalf("grants lost in round trip: %+v", got.Grants)
	}
}

func TestInvalidateByTag(t *testing.T) {
	_, client := newTestClient(t)
	c := New(Config{Client: client})
	ctx := context.Background()

	keep := rbac.CacheKey(8, 1)
	victim := rbac.CacheKey(7, 1)
	if err := c.Put(ctx, victim, testSet(7, 1, 10), snapshot(t, c, rbac.UserTag(7), rbac.RoleTag(10))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put(ctx, keep, testSet(8, 1, 11), snapshot(t, c, rbac.UserTag(8), rbac.RoleTag(11))); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := c.Invalidate(ctx, rbac.UserTag(7)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, ok, _ := c.Get(ctx, victim); ok {
		t.Fatalf("expected tagged entry to be gone")
	}
	if _, ok, _ := c.Get(ctx, keep); !ok {
		t.Fatalf("untagged entry must survive")
	}
}

func TestRoleTagInvalidatesOnlyContributingSets(t *testing.T) {
	_, client := newTestClient(t)
	c := New(Config{Client: client})
	ctx := context.Background()

	withRole := rbac.CacheKey(7, 1)
	withoutRole := rbac.CacheKey(8, 1)
	_ = c.Put(ctx, withRole, testSet(7, 1, 10), snapshot(t, c, rbac.UserTag(7), rbac.RoleTag(10)))
	_ = c.Put(ctx, withoutRole, testSet(8, 1, 11), snapshot(t, c, rbac.UserTag(8), rbac.RoleTag(11)))

	if err := c.Invalidate(ctx, rbac.RoleTag(10)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, withRole); ok {
		t.Fatalf("set containing role 10 should be invalidated")
	}
	if _, ok, _ := c.Get(ctx, withoutRole); !ok {
		t.Fatalf("set without role 10 should survive")
	}
}

func TestInvalidationBroadcastDropsRemoteLocal(t *testing.T) {
	_, client := newTestClient(t)
	publisher := New(Config{Client: client})
	subscriber := New(Config{Client: client})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = subscriber.ListenForInvalidation(ctx) }()
	// Give the subscription a moment to establish.
	time.Sleep(50 * time.Millisecond)

	key := rbac.CacheKey(7, 1)
	_ = subscriber.Put(ctx, key, testSet(7, 1, 10), snapshot(t, subscriber, rbac.UserTag(7)))

	if err := publisher.Invalidate(ctx, rbac.UserTag(7)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := subscriber.local.Get(key); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("broadcast did not reach the subscriber's local layer")
}

func TestNilClientDegradesToLocalOnly(t *testing.T) {
	c := New(Config{Client: nil})
	ctx := context.Background()

	key := rbac.CacheKey(7, 1)
	if err := c.Put(ctx, key, testSet(7, 1, 10), snapshot(t, c, rbac.UserTag(7))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Fatalf("expected local hit")
	}
	if err := c.Invalidate(ctx, rbac.UserTag(7)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected entry to be gone")
	}
}

func TestPutDiscardedWhenInvalidationRacesRebuild(t *testing.T) {
	_, client := newTestClient(t)
	c := New(Config{Client: client})
	other := New(Config{Client: client})
	ctx := context.Background()

	key := rbac.CacheKey(7, 1)
	// The rebuild snapshots its tag versions, then a revocation invalidates
	// before the rebuilt set is written back.
	versions := snapshot(t, c, rbac.UserTag(7), rbac.TenantTag(1), rbac.RoleTag(10))
	if err := c.Invalidate(ctx, rbac.UserTag(7)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if err := c.Put(ctx, key, testSet(7, 1, 10), versions); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("stale write must not survive the invalidation")
	}
	// Nor may it linger in redis where another process would promote it.
	if _, ok, _ := other.Get(ctx, key); ok {
		t.Fatalf("stale write must not reach the shared layer")
	}
}

func TestPutDiscardedWhenAnotherProcessInvalidates(t *testing.T) {
	_, client := newTestClient(t)
	local := New(Config{Client: client})
	remote := New(Config{Client: client})
	ctx := context.Background()

	key := rbac.CacheKey(7, 1)
	versions := snapshot(t, local, rbac.UserTag(7), rbac.RoleTag(10))
	// The mutation lands in a different process; only the shared counters
	// carry the bump here, the broadcast may still be in flight.
	if err := remote.Invalidate(ctx, rbac.RoleTag(10)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if err := local.Put(ctx, key, testSet(7, 1, 10), versions); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := remote.Get(ctx, key); ok {
		t.Fatalf("stale write must not reach the shared layer")
	}
}

func TestPutDiscardedWithNilClient(t *testing.T) {
	c := New(Config{Client: nil})
	ctx := context.Background()

	key := rbac.CacheKey(7, 1)
	versions := snapshot(t, c, rbac.UserTag(7))
	if err := c.Invalidate(ctx, rbac.UserTag(7)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if err := c.Put(ctx, key, testSet(7, 1, 10), versions); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("stale write must not survive in the local layer")
	}
}
