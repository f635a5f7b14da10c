package rbac

// Core engine permissions, granted to administrative roles so the engine can
// protect its own surfaces.
const (
	PermRolesView = "roles:view"
	PermRolesEdit = "roles:edit"

	PermPermissionsView = "permissions:view"
	PermPermissionsEdit = "permissions:edit"

	PermAuditView = "audit:view"
)

// CoreScopes lists all permissions the engine itself relies on.
func CoreScopes() []string {
	return []string{
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsEdit,
		PermAuditView,
	}
}
