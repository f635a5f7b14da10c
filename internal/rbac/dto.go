package rbac

import "encoding/json"

type checkRequestDTO struct {
	UserID     int64          `json:"user_id" validate:"required,gt=0"`
	TenantID   int64          `json:"tenant_id" validate:"gte=0"`
	Resource   string         `json:"resource" validate:"required"`
	Action     string         `json:"action" validate:"required"`
	ResourceID string         `json:"resource_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type checkResponseDTO struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

type checkItemDTO struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

type batchCheckRequestDTO struct {
	UserID   int64          `json:"user_id" validate:"required,gt=0"`
	TenantID int64          `json:"tenant_id" validate:"gte=0"`
	Checks   []checkItemDTO `json:"checks" validate:"required,min=1,max=200,dive"`
}

type batchCheckResultDTO struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Granted  bool   `json:"granted"`
}

type batchCheckResponseDTO struct {
	Results []batchCheckResultDTO `json:"results"`
}

type permissionRefDTO struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type createRoleRequestDTO struct {
	Name         string `json:"name" validate:"required,max=128"`
	Description  string `json:"description,omitempty"`
	TenantID     int64  `json:"tenant_id" validate:"gte=0"`
	IsSystemRole bool   `json:"is_system_role"`
}

type roleDTO struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	TenantID     int64  `json:"tenant_id"`
	IsSystemRole bool   `json:"is_system_role"`
}

type createPermissionRequestDTO struct {
	Resource           string          `json:"resource" validate:"required,max=128"`
	Action             string          `json:"action" validate:"required,max=64"`
	Description        string          `json:"description,omitempty"`
	IsSystemPermission bool            `json:"is_system_permission"`
	Constraints        json.RawMessage `json:"constraints,omitempty"`
}

type permissionDTO struct {
	ID                 int64           `json:"id"`
	Resource           string          `json:"resource"`
	Action             string          `json:"action"`
	Description        string          `json:"description,omitempty"`
	IsSystemPermission bool            `json:"is_system_permission"`
	Constraints        json.RawMessage `json:"constraints,omitempty"`
}

func toRoleDTO(r Role) roleDTO {
	return roleDTO{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		TenantID:     r.TenantID,
		IsSystemRole: r.IsSystemRole,
	}
}

func toPermissionDTO(p Permission) permissionDTO {
	return permissionDTO{
		ID:                 p.ID,
		Resource:           p.Resource,
		Action:             p.Action,
		Description:        p.Description,
		IsSystemPermission: p.IsSystemPermission,
		Constraints:        p.Constraints,
	}
}
