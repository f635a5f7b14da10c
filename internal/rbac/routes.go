package rbac

import "github.com/go-chi/chi/v5"

// MountRoutes registers the engine's API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check-batch", h.checkBatch)

	r.Get("/users/{userID}/permissions", h.userPermissions)
	r.Put("/users/{userID}/roles/{roleID}", h.assignRole)
	r.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)

	r.Post("/roles", h.createRole)
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{roleID}", h.getRole)
	r.Delete("/roles/{roleID}", h.deleteRole)
	r.Put("/roles/{roleID}/permissions/{permissionID}", h.grantPermission)
	r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokePermission)

	r.Post("/permissions", h.createPermission)
	r.Get("/permissions", h.listPermissions)
}
