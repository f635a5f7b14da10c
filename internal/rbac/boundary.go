package rbac

import "context"

// ScopeStore is the narrow read surface the boundary resolver needs.
type ScopeStore interface {
	HasScope(ctx context.Context, userID, tenantID int64) (bool, error)
}

// ScopeDecision is the outcome of a tenant boundary check.
type ScopeDecision struct {
	Allowed           bool
	EffectiveTenantID int64
}

// BoundaryResolver decides whether a permission check may reference a tenant
// scope at all. A user crosses the boundary when they hold at least one
// assignment in the requested tenant, or any system-scoped assignment.
type BoundaryResolver struct {
	store ScopeStore
}

// NewBoundaryResolver constructs a boundary resolver.
func NewBoundaryResolver(store ScopeStore) *BoundaryResolver {
	return &BoundaryResolver{store: store}
}

// ResolveScope performs the boundary check. "No assignment" is a normal
// allowed=false outcome, not an error; errors mean the store was unreachable.
func (b *BoundaryResolver) ResolveScope(ctx context.Context, userID, tenantID int64) (ScopeDecision, error) {
	ok, err := b.store.HasScope(ctx, userID, tenantID)
	if err != nil {
		return ScopeDecision{}, err
	}
	return ScopeDecision{Allowed: ok, EffectiveTenantID: tenantID}, nil
}
