package rbac_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgrid/authgrid/internal/rbac"
	rbaccache "github.com/authgrid/authgrid/internal/rbac/cache"
	"github.com/authgrid/authgrid/internal/shared"
)

// memoryStore backs both the resolver and the mutation service so revocations
// and grants flow through the same data the next resolution reads.
type memoryStore struct {
	mu          sync.Mutex
	roles       map[int64]rbac.Role
	permissions map[int64]rbac.Permission
	assignments map[[3]int64]bool
	rolePerms   map[[2]int64]bool
	nextID      int64

	// afterRolePerms runs once after the next RolePermissions read returns
	// its rows, letting a test park a rebuild mid-flight.
	afterRolePerms func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roles:       map[int64]rbac.Role{},
		permissions: map[int64]rbac.Permission{},
		assignments: map[[3]int64]bool{},
		rolePerms:   map[[2]int64]bool{},
		nextID:      1,
	}
}

func (s *memoryStore) seedRole(name string, tenantID int64, perms ...rbac.Permission) rbac.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	role := rbac.Role{ID: s.nextID, Name: name, TenantID: tenantID}
	s.roles[role.ID] = role
	for _, p := range perms {
		s.nextID++
		p.ID = s.nextID
		s.permissions[p.ID] = p
		s.rolePerms[[2]int64{role.ID, p.ID}] = true
	}
	return role
}

func (s *memoryStore) HasScope(ctx context.Context, userID, tenantID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.assignments {
		if key[0] == userID && (key[2] == tenantID || key[2] == rbac.SystemTenant) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) UserRoles(ctx context.Context, userID, tenantID int64) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Role
	for key := range s.assignments {
		if key[0] == userID && (key[2] == tenantID || key[2] == rbac.SystemTenant) {
			out = append(out, s.roles[key[1]])
		}
	}
	return out, nil
}

func (s *memoryStore) RolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	s.mu.Lock()
	var out []rbac.Permission
	for key := range s.rolePerms {
		if key[0] == roleID {
			out = append(out, s.permissions[key[1]])
		}
	}
	hook := s.afterRolePerms
	s.afterRolePerms = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memoryStore) setRolePermissionsHook(fn func()) {
	s.mu.Lock()
	s.afterRolePerms = fn
	s.mu.Unlock()
}

func (s *memoryStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return role, nil
}

func (s *memoryStore) ListRoles(ctx context.Context, tenantID int64) ([]rbac.Role, error) {
	return nil, nil
}

func (s *memoryStore) CreateRole(ctx context.Context, name, description string, tenantID int64, isSystemRole bool) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	role := rbac.Role{ID: s.nextID, Name: name, Description: description, TenantID: tenantID, IsSystemRole: isSystemRole}
	s.roles[role.ID] = role
	return role, nil
}

func (s *memoryStore) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	return nil
}

func (s *memoryStore) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return nil, nil
}

func (s *memoryStore) EnsurePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.permissions[p.ID] = p
	return p, nil
}

func (s *memoryStore) HasSystemRole(ctx context.Context, userID int64, roleName string) (bool, error) {
	return false, nil
}

func (s *memoryStore) InsertAssignment(ctx context.Context, userID, roleID, tenantID, assignedBy int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [3]int64{userID, roleID, tenantID}
	if s.assignments[key] {
		return false, nil
	}
	s.assignments[key] = true
	return true, nil
}

func (s *memoryStore) DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [3]int64{userID, roleID, tenantID}
	if !s.assignments[key] {
		return false, nil
	}
	delete(s.assignments, key)
	return true, nil
}

func (s *memoryStore) InsertRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{roleID, permissionID}
	if s.rolePerms[key] {
		return false, nil
	}
	s.rolePerms[key] = true
	return true, nil
}

func (s *memoryStore) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{roleID, permissionID}
	if !s.rolePerms[key] {
		return false, nil
	}
	delete(s.rolePerms, key)
	return true, nil
}

type engine struct {
	store    *memoryStore
	resolver *rbac.Resolver
	service  *rbac.Service
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemoryStore()
	cache := rbaccache.New(rbaccache.Config{Client: client})
	resolver := rbac.NewResolver(rbac.ResolverConfig{
		Store:    store,
		Boundary: rbac.NewBoundaryResolver(store),
		Cache:    cache,
	})
	service := rbac.NewService(rbac.ServiceConfig{
		Store:  store,
		Cache:  cache,
		Locker: shared.NewLocker(client),
	})
	return &engine{store: store, resolver: resolver, service: service}
}

func TestRevocationVisibleAfterInvalidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	role := e.store.seedRole("Editor", 1, rbac.Permission{Resource: "documents", Action: "write"})
	require.NoError(t, e.service.AssignRole(ctx, 99, 7, role.ID, 1))

	decision, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	require.NoError(t, e.service.RevokeRole(ctx, 99, 7, role.ID, 1))

	// The cached set was voided synchronously; no decision may reflect the
	// pre-revocation state.
	decision, err = e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Equal(t, rbac.ReasonOutOfScope, decision.Reason)
}

func TestRebuildRacingRevocationIsNotCached(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	role := e.store.seedRole("Editor", 1, rbac.Permission{Resource: "documents", Action: "write"})
	require.NoError(t, e.service.AssignRole(ctx, 99, 7, role.ID, 1))

	// Park the rebuild after it has read the pre-revocation permissions,
	// revoke while it is parked, then let it finish its cache write.
	read := make(chan struct{})
	resume := make(chan struct{})
	e.store.setRolePermissionsHook(func() {
		close(read)
		<-resume
	})

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
		firstErr <- err
	}()

	<-read
	require.NoError(t, e.service.RevokeRole(ctx, 99, 7, role.ID, 1))
	close(resume)
	require.NoError(t, <-firstErr)

	// The parked rebuild wrote a set computed before the revocation. It must
	// not have survived in either layer: the next decision re-resolves from
	// the stores and sees the revoked state immediately, not after a TTL.
	decision, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Equal(t, rbac.ReasonOutOfScope, decision.Reason)
}

func TestCatalogMutationVoidsCachedUnions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	role := e.store.seedRole("Viewer", 1, rbac.Permission{Resource: "documents", Action: "read"})
	require.NoError(t, e.service.AssignRole(ctx, 99, 7, role.ID, 1))

	decision, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	require.False(t, decision.Granted)

	perm, err := e.service.CreatePermission(ctx, 99, rbac.Permission{Resource: "documents", Action: "write"})
	require.NoError(t, err)
	require.NoError(t, e.service.GrantPermission(ctx, 99, role.ID, perm.ID))

	decision, err = e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.True(t, decision.Granted, "role tag invalidation must void the cached union")
}

func TestTenantIsolation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	roleT1 := e.store.seedRole("Editor", 1, rbac.Permission{Resource: "documents", Action: "write"})
	require.NoError(t, e.service.AssignRole(ctx, 99, 7, roleT1.ID, 1))

	granted, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.True(t, granted.Granted)

	denied, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 2, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Equal(t, rbac.ReasonOutOfScope, denied.Reason)
}

func TestConcurrentChecksConvergeAfterGrant(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	role := e.store.seedRole("Viewer", 1, rbac.Permission{Resource: "documents", Action: "read"})
	require.NoError(t, e.service.AssignRole(ctx, 99, 7, role.ID, 1))

	const workers = 32
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"}); err != nil {
					errCh <- fmt.Errorf("check: %w", err)
					return
				}
			}
		}()
	}

	perm, err := e.service.CreatePermission(ctx, 99, rbac.Permission{Resource: "documents", Action: "write"})
	require.NoError(t, err)
	require.NoError(t, e.service.GrantPermission(ctx, 99, role.ID, perm.ID))
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	// After the grant's invalidation every new decision sees the new union.
	decision, err := e.resolver.Check(ctx, rbac.CheckRequest{UserID: 7, TenantID: 1, Resource: "documents", Action: "write"})
	require.NoError(t, err)
	assert.True(t, decision.Granted)
}
