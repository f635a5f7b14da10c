package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/authgrid/authgrid/internal/events"
	"github.com/authgrid/authgrid/internal/shared"
)

// MutationStore is the write surface the service needs from the role store
// and permission catalog.
type MutationStore interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context, tenantID int64) ([]Role, error)
	CreateRole(ctx context.Context, name, description string, tenantID int64, isSystemRole bool) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	GetPermission(ctx context.Context, id int64) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, p Permission) (Permission, error)
	HasSystemRole(ctx context.Context, userID int64, roleName string) (bool, error)
	InsertAssignment(ctx context.Context, userID, roleID, tenantID, assignedBy int64) (bool, error)
	DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) (bool, error)
	InsertRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
}

// Service orchestrates role and permission mutations: scope guards first,
// then the serialized write, then cache invalidation, then the audit event.
// Every mutation is idempotent; a no-op still emits its event so the audit
// trail stays symmetric with the requests that were made.
type Service struct {
	store   MutationStore
	cache   ResolutionCache
	emitter events.Emitter
	locker  *shared.Locker
	logger  *slog.Logger
}

// ServiceConfig collects mutation service dependencies.
type ServiceConfig struct {
	Store   MutationStore
	Cache   ResolutionCache
	Emitter events.Emitter
	Locker  *shared.Locker
	Logger  *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		cache:   cfg.Cache,
		emitter: cfg.Emitter,
		locker:  cfg.Locker,
		logger:  logger,
	}
}

// AssignRole binds a role to a user within a tenant scope. Assigning an
// already-held role is a no-op write that still emits its audit event.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID, tenantID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := guardAssignmentScope(role, tenantID); err != nil {
		return err
	}
	if err := s.guardSystemRole(ctx, actorID, role); err != nil {
		return err
	}
	err = s.locker.WithLock(ctx, shared.AssignmentLockKey(userID, tenantID), func(ctx context.Context) error {
		_, err := s.store.InsertAssignment(ctx, userID, roleID, tenantID, actorID)
		return err
	})
	if err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	s.invalidate(ctx, UserTag(userID))
	s.emit(events.Event{
		Type:     events.TypeRoleAssigned,
		ActorID:  actorID,
		UserID:   userID,
		TenantID: tenantID,
		RoleID:   roleID,
	})
	return nil
}

// RevokeRole removes a role assignment. Revoking a role not held is a no-op
// that still emits its audit event. Invalidation runs synchronously before
// returning so same-process checks see the revocation immediately.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleID, tenantID int64) error {
	err := s.locker.WithLock(ctx, shared.AssignmentLockKey(userID, tenantID), func(ctx context.Context) error {
		_, err := s.store.DeleteAssignment(ctx, userID, roleID, tenantID)
		return err
	})
	if err != nil {
		return fmt.Errorf("rbac: revoke role: %w", err)
	}
	s.invalidate(ctx, UserTag(userID))
	s.emit(events.Event{
		Type:     events.TypeRoleRevoked,
		ActorID:  actorID,
		UserID:   userID,
		TenantID: tenantID,
		RoleID:   roleID,
	})
	return nil
}

// GrantPermission binds a permission to a role. Invalidation targets the role
// tag, voiding exactly the cached sets the role contributed to.
func (s *Service) GrantPermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(ctx, actorID, role); err != nil {
		return err
	}
	if _, err := s.store.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	err = s.locker.WithLock(ctx, shared.RoleLockKey(roleID), func(ctx context.Context) error {
		_, err := s.store.InsertRolePermission(ctx, roleID, permissionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("rbac: grant permission: %w", err)
	}
	s.invalidate(ctx, RoleTag(roleID))
	s.emit(events.Event{
		Type:         events.TypePermissionGranted,
		ActorID:      actorID,
		TenantID:     role.TenantID,
		RoleID:       roleID,
		PermissionID: permissionID,
	})
	return nil
}

// RevokePermission unbinds a permission from a role.
func (s *Service) RevokePermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(ctx, actorID, role); err != nil {
		return err
	}
	err = s.locker.WithLock(ctx, shared.RoleLockKey(roleID), func(ctx context.Context) error {
		_, err := s.store.DeleteRolePermission(ctx, roleID, permissionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("rbac: revoke permission: %w", err)
	}
	s.invalidate(ctx, RoleTag(roleID))
	s.emit(events.Event{
		Type:         events.TypePermissionRevoked,
		ActorID:      actorID,
		TenantID:     role.TenantID,
		RoleID:       roleID,
		PermissionID: permissionID,
	})
	return nil
}

// CreateRole inserts a new role after validating its scope. Scope is
// immutable afterwards.
func (s *Service) CreateRole(ctx context.Context, actorID int64, name, description string, tenantID int64, isSystemRole bool) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrInvalidMutation)
	}
	if isSystemRole && tenantID != SystemTenant {
		return Role{}, fmt.Errorf("%w: system role cannot be tenant scoped", ErrInvalidMutation)
	}
	if !isSystemRole && tenantID == SystemTenant {
		return Role{}, fmt.Errorf("%w: tenant role requires a tenant", ErrInvalidMutation)
	}
	if isSystemRole {
		if err := s.requireSuperAdmin(ctx, actorID); err != nil {
			return Role{}, err
		}
	}
	return s.store.CreateRole(ctx, name, strings.TrimSpace(description), tenantID, isSystemRole)
}

// DeleteRole removes a role; assignments and grants cascade.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(ctx, actorID, role); err != nil {
		return err
	}
	err = s.locker.WithLock(ctx, shared.RoleLockKey(roleID), func(ctx context.Context) error {
		return s.store.DeleteRole(ctx, roleID)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, RoleTag(roleID))
	return nil
}

// CreatePermission upserts a catalog entry.
func (s *Service) CreatePermission(ctx context.Context, actorID int64, p Permission) (Permission, error) {
	p.Resource = strings.TrimSpace(p.Resource)
	p.Action = strings.TrimSpace(p.Action)
	if p.Resource == "" || p.Action == "" {
		return Permission{}, fmt.Errorf("%w: permission requires resource and action", ErrInvalidMutation)
	}
	if p.IsSystemPermission {
		if err := s.requireSuperAdmin(ctx, actorID); err != nil {
			return Permission{}, err
		}
	}
	return s.store.EnsurePermission(ctx, p)
}

// ListRoles returns roles visible in a tenant scope.
func (s *Service) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return s.store.ListRoles(ctx, tenantID)
}

// GetRole fetches one role.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListPermissions returns the catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// guardAssignmentScope rejects assignments that cross tenant boundaries:
// a tenant role may only be assigned within its own tenant, a system role
// only system-wide.
func guardAssignmentScope(role Role, tenantID int64) error {
	if role.TenantID == SystemTenant && tenantID != SystemTenant {
		return fmt.Errorf("%w: system role must be assigned system-wide", ErrInvalidMutation)
	}
	if role.TenantID != SystemTenant && role.TenantID != tenantID {
		return fmt.Errorf("%w: role belongs to a different tenant", ErrInvalidMutation)
	}
	return nil
}

func (s *Service) guardSystemRole(ctx context.Context, actorID int64, role Role) error {
	if !role.IsSystemRole {
		return nil
	}
	return s.requireSuperAdmin(ctx, actorID)
}

func (s *Service) requireSuperAdmin(ctx context.Context, actorID int64) error {
	ok, err := s.store.HasSystemRole(ctx, actorID, SuperAdminRole)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: system role mutation requires %s", ErrInvalidMutation, SuperAdminRole)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, tags ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tags...); err != nil {
		// Local entries are already gone; remote staleness is bounded by the
		// in-process TTL.
		s.logger.Warn("cache invalidation incomplete", slog.Any("tags", tags), slog.Any("error", err))
	}
}

func (s *Service) emit(ev events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}
