package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/authgrid/authgrid/internal/platform/httpx"
	"github.com/authgrid/authgrid/internal/shared"
)

// Handler exposes the engine over JSON. The invocation protocol is an
// integration choice; collaborators may equally embed the resolver directly.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, resolver *Resolver, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		resolver: resolver,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequestDTO
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.resolver.Check(r.Context(), CheckRequest{
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Resource:   req.Resource,
		Action:     req.Action,
		ResourceID: req.ResourceID,
		Context:    req.Context,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponseDTO{Granted: decision.Granted, Reason: decision.Reason})
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequestDTO
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	checks := make([]CheckItem, len(req.Checks))
	for i, item := range req.Checks {
		checks[i] = CheckItem{Resource: item.Resource, Action: item.Action}
	}
	results, err := h.resolver.CheckMany(r.Context(), req.UserID, req.TenantID, checks)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := batchCheckResponseDTO{Results: make([]batchCheckResultDTO, len(results))}
	for i, res := range results {
		out.Results[i] = batchCheckResultDTO{Resource: res.Resource, Action: res.Action, Granted: res.Granted}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	tenantID := requestTenant(r)
	refs, err := h.resolver.PermissionUnion(r.Context(), userID, tenantID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionRefDTO, len(refs))
	for i, ref := range refs {
		out[i] = permissionRefDTO{Resource: ref.Resource, Action: ref.Action}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "tenant_id": tenantID, "permissions": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequestDTO
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), h.actor(r), req.Name, req.Description, req.TenantID, req.IsSystemRole)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleDTO(role))
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context(), requestTenant(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleDTO, len(roles))
	for i, role := range roles {
		out[i] = toRoleDTO(role)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleDTO(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	if err := h.service.DeleteRole(r.Context(), h.actor(r), roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequestDTO
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), h.actor(r), Permission{
		Resource:           req.Resource,
		Action:             req.Action,
		Description:        req.Description,
		IsSystemPermission: req.IsSystemPermission,
		Constraints:        req.Constraints,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionDTO(perm))
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionDTO, len(perms))
	for i, p := range perms {
		out[i] = toPermissionDTO(p)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID, ok := h.userRoleParams(w, r)
	if !ok {
		return
	}
	if err := h.service.AssignRole(r.Context(), h.actor(r), userID, roleID, requestTenant(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID, ok := h.userRoleParams(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeRole(r.Context(), h.actor(r), userID, roleID, requestTenant(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, permissionID, ok := h.rolePermissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.GrantPermission(r.Context(), h.actor(r), roleID, permissionID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, permissionID, ok := h.rolePermissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokePermission(r.Context(), h.actor(r), roleID, permissionID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userRoleParams(w http.ResponseWriter, r *http.Request) (userID, roleID int64, ok bool) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return 0, 0, false
	}
	roleID, err = pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return 0, 0, false
	}
	return userID, roleID, true
}

func (h *Handler) rolePermissionParams(w http.ResponseWriter, r *http.Request) (roleID, permissionID int64, ok bool) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return 0, 0, false
	}
	permissionID, err = pathID(r, "permissionID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid permission id")
		return 0, 0, false
	}
	return roleID, permissionID, true
}

func (h *Handler) actor(r *http.Request) int64 {
	actorID, _ := shared.ActorFromContext(r.Context())
	return actorID
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrInvalidMutation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Mutation", err.Error())
	case errors.Is(err, ErrResolutionUnavailable):
		h.logger.Error("resolution unavailable", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
