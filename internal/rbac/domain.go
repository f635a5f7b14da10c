package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SystemTenant is the tenant id reserved for system-wide scope. Roles and
// assignments carrying it apply across every tenant boundary.
const SystemTenant int64 = 0

// SuperAdminRole is the system role allowed to mutate other system roles.
const SuperAdminRole = "SuperAdmin"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrResolutionUnavailable indicates the durable stores or cache
	// infrastructure could not answer. Enforcement points must treat it as
	// denied, but it is never the same thing as a policy denial.
	ErrResolutionUnavailable = errors.New("rbac: resolution unavailable")
	// ErrInvalidMutation indicates a mutation that violates scope rules and
	// was rejected before any write.
	ErrInvalidMutation = errors.New("rbac: invalid mutation")
)

// Role represents a flat permission grouping. There is no hierarchy: a role
// grants exactly the permissions bound to it, nothing more.
type Role struct {
	ID           int64
	Name         string
	Description  string
	TenantID     int64
	IsSystemRole bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Permission represents an atomic capability over a resource.
type Permission struct {
	ID                 int64
	Resource           string
	Action             string
	Description        string
	IsSystemPermission bool
	Constraints        json.RawMessage
}

// Key returns the canonical "resource:action" form used in resolved sets.
func (p Permission) Key() string {
	return PermissionKey(p.Resource, p.Action)
}

// PermissionKey builds the canonical set key for a resource/action pair.
func PermissionKey(resource, action string) string {
	return resource + ":" + action
}

// RoleAssignment binds a user to a role within a scope. It is the only link
// between users and roles.
type RoleAssignment struct {
	UserID     int64
	RoleID     int64
	TenantID   int64
	AssignedBy int64
	CreatedAt  time.Time
}

// Grant is a single entry of a resolved set. Constraints are opaque to the
// engine and forwarded to the caller-supplied evaluator.
type Grant struct {
	PermissionID int64           `json:"permission_id"`
	Constraints  json.RawMessage `json:"constraints,omitempty"`
}

// ResolvedSet is the derived union of permissions across all roles assigned
// to a user within a tenant scope. It is always rebuilt from the durable
// stores, never treated as a source of truth.
type ResolvedSet struct {
	UserID     int64            `json:"user_id"`
	TenantID   int64            `json:"tenant_id"`
	RoleIDs    []int64          `json:"role_ids"`
	Grants     map[string]Grant `json:"grants"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// Has reports whether the set contains the resource/action pair.
func (s *ResolvedSet) Has(resource, action string) (Grant, bool) {
	if s == nil || s.Grants == nil {
		return Grant{}, false
	}
	g, ok := s.Grants[PermissionKey(resource, action)]
	return g, ok
}

// InScope reports whether the owning user has any assignment visible in the
// set's scope. An empty role list encodes "no assignments", which also means
// the tenant boundary check fails.
func (s *ResolvedSet) InScope() bool {
	return s != nil && len(s.RoleIDs) > 0
}

// Decision reasons surfaced in check results and audit events.
const (
	ReasonGranted         = "granted"
	ReasonDenied          = "denied"
	ReasonOutOfScope      = "out_of_scope"
	ReasonConstraintUnmet = "constraint_unmet"
	ReasonUnavailable     = "unavailable"
)

// Decision is the outcome of a permission check. Denials are normal values,
// not errors.
type Decision struct {
	Granted bool
	Reason  string
}

// CheckRequest carries one permission question.
type CheckRequest struct {
	UserID     int64
	TenantID   int64
	Resource   string
	Action     string
	ResourceID string
	Context    map[string]any
}

// CheckItem is one entry of a bulk check.
type CheckItem struct {
	Resource string
	Action   string
}

// CheckResult is one entry of a bulk check response.
type CheckResult struct {
	Resource string
	Action   string
	Granted  bool
}

// PermissionRef identifies a resource/action pair in a permission union.
type PermissionRef struct {
	Resource string
	Action   string
}

// ConstraintEvaluator decides whether an opaque permission constraint is
// satisfied for a request. The engine never interprets constraint payloads
// itself; without an evaluator, constrained permissions are not satisfied by
// presence alone.
type ConstraintEvaluator interface {
	Evaluate(ctx context.Context, constraints json.RawMessage, req CheckRequest) (bool, error)
}

// TagVersions is a snapshot of per-tag invalidation counters, taken before
// the store reads they fence. Invalidate bumps a tag's counter before it
// drops entries, so a rebuild whose snapshot went stale can tell that a
// mutation committed while it was reading.
type TagVersions map[string]uint64

// ResolutionCache is the multi-level cache consulted before hitting the
// durable stores. Entries are tagged with the identifiers that void them; a
// Put whose version snapshot is behind the current counters is discarded
// rather than stored.
type ResolutionCache interface {
	Get(ctx context.Context, key string) (*ResolvedSet, bool, error)
	TagVersions(ctx context.Context, tags ...string) (TagVersions, error)
	Put(ctx context.Context, key string, set *ResolvedSet, versions TagVersions) error
	Invalidate(ctx context.Context, tags ...string) error
}

// CacheKey builds the resolved-set cache key for a (user, tenant) pair.
func CacheKey(userID, tenantID int64) string {
	return fmt.Sprintf("authgrid:resolved:%d:%d", userID, tenantID)
}

// UserTag tags cache entries belonging to a user, in any tenant scope.
func UserTag(userID int64) string { return fmt.Sprintf("user:%d", userID) }

// TenantTag tags cache entries resolved within a tenant scope.
func TenantTag(tenantID int64) string { return fmt.Sprintf("tenant:%d", tenantID) }

// RoleTag tags cache entries whose union a role contributed to.
func RoleTag(roleID int64) string { return fmt.Sprintf("role:%d", roleID) }
