package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the role store and
// the permission catalog. Tenant id 0 denotes system scope in storage as
// well, keeping scope comparisons index-friendly.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, description, tenant_id, is_system_role, created_at, updated_at`

// UserRoles returns the union of roles directly assigned to the user within
// the tenant scope plus system-scoped assignments. Direct lookup only; there
// is no hierarchy to traverse.
func (r *Repository) UserRoles(ctx context.Context, userID, tenantID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.tenant_id, r.is_system_role, r.created_at, r.updated_at
		FROM roles r
		JOIN role_assignments a ON a.role_id = r.id
		WHERE a.user_id = $1 AND a.tenant_id IN ($2, 0)
		ORDER BY r.id`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.TenantID, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RolePermissions returns the permissions granted to a role.
func (r *Repository) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.resource, p.action, p.description, p.is_system_permission, p.constraints
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.IsSystemPermission, &p.Constraints); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// HasScope reports whether the user holds at least one assignment in the
// requested tenant scope or system-wide.
func (r *Repository) HasScope(ctx context.Context, userID, tenantID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_assignments
			WHERE user_id = $1 AND tenant_id IN ($2, 0)
		)`, userID, tenantID).Scan(&exists)
	return exists, err
}

// HasSystemRole reports whether the user holds a system-scoped assignment of
// the named role.
func (r *Repository) HasSystemRole(ctx context.Context, userID int64, roleName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_assignments a
			JOIN roles r ON r.id = a.role_id
			WHERE a.user_id = $1 AND a.tenant_id = 0 AND r.name = $2 AND r.is_system_role
		)`, userID, roleName).Scan(&exists)
	return exists, err
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.TenantID, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns roles visible in a tenant scope: the tenant's own roles
// plus system roles.
func (r *Repository) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE tenant_id IN ($1, 0) ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.TenantID, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateRole inserts a new role. Scope is immutable after creation; there is
// deliberately no update path for tenant_id.
func (r *Repository) CreateRole(ctx context.Context, name, description string, tenantID int64, isSystemRole bool) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, tenant_id, is_system_role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+roleColumns, name, description, tenantID, isSystemRole).
		Scan(&role.ID, &role.Name, &role.Description, &role.TenantID, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrInvalidMutation
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role. Assignments and grants cascade in storage.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPermission fetches a permission by id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		SELECT id, resource, action, description, is_system_permission, constraints
		FROM permissions WHERE id = $1`, id).
		Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.IsSystemPermission, &p.Constraints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// ListPermissions returns the full permission catalog.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, description, is_system_permission, constraints
		FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.IsSystemPermission, &p.Constraints); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a permission by its resource/action pair.
func (r *Repository) EnsurePermission(ctx context.Context, p Permission) (Permission, error) {
	var out Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description, is_system_permission, constraints)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource, action) DO UPDATE
		SET description = EXCLUDED.description, constraints = EXCLUDED.constraints
		RETURNING id, resource, action, description, is_system_permission, constraints`,
		p.Resource, p.Action, p.Description, p.IsSystemPermission, p.Constraints).
		Scan(&out.ID, &out.Resource, &out.Action, &out.Description, &out.IsSystemPermission, &out.Constraints)
	return out, err
}

// InsertAssignment records a role assignment. Returns false when the triple
// already existed, without writing a duplicate.
func (r *Repository) InsertAssignment(ctx context.Context, userID, roleID, tenantID, assignedBy int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO role_assignments (user_id, role_id, tenant_id, assigned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id, tenant_id) DO NOTHING`,
		userID, roleID, tenantID, assignedBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAssignment removes a role assignment. Returns false when nothing was
// held, which is a valid no-op revoke.
func (r *Repository) DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM role_assignments WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3`,
		userID, roleID, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertRolePermission binds a permission to a role. Idempotent.
func (r *Repository) InsertRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteRolePermission unbinds a permission from a role. Idempotent.
func (r *Repository) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
