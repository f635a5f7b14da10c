package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authgrid/authgrid/internal/events"
)

// ResolverStore is the read surface the resolver needs from the role store
// and permission catalog.
type ResolverStore interface {
	UserRoles(ctx context.Context, userID, tenantID int64) ([]Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
}

// CheckObserver receives the outcome and latency of every check. Implemented
// by the observability metrics; nil disables observation.
type CheckObserver interface {
	ObserveCheck(reason string, d time.Duration)
}

// Resolver answers permission checks under the direct-assignment union model.
// Every decision is the membership test of (resource, action) in the cached
// or freshly computed union of the user's role grants.
type Resolver struct {
	store     ResolverStore
	boundary  *BoundaryResolver
	cache     ResolutionCache
	emitter   events.Emitter
	evaluator ConstraintEvaluator
	observer  CheckObserver
	logger    *slog.Logger

	group singleflight.Group
}

// ResolverConfig collects resolver dependencies.
type ResolverConfig struct {
	Store     ResolverStore
	Boundary  *BoundaryResolver
	Cache     ResolutionCache
	Emitter   events.Emitter
	Evaluator ConstraintEvaluator
	Observer  CheckObserver
	Logger    *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     cfg.Store,
		boundary:  cfg.Boundary,
		cache:     cfg.Cache,
		emitter:   cfg.Emitter,
		evaluator: cfg.Evaluator,
		observer:  cfg.Observer,
		logger:    logger,
	}
}

// Check answers "may user U perform action A on resource R within tenant T".
// Denials come back as a Decision, never as an error; an error always means
// ErrResolutionUnavailable and must be treated as denied by the caller.
func (r *Resolver) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	start := time.Now()
	set, err := r.resolveSet(ctx, req.UserID, req.TenantID)
	if err != nil {
		r.finishCheck(req, Decision{Reason: ReasonUnavailable}, start)
		return Decision{Granted: false, Reason: ReasonUnavailable}, err
	}
	decision := r.decide(ctx, set, req)
	r.finishCheck(req, decision, start)
	return decision, nil
}

// CheckMany resolves the union once and answers every check against it.
func (r *Resolver) CheckMany(ctx context.Context, userID, tenantID int64, checks []CheckItem) ([]CheckResult, error) {
	start := time.Now()
	set, err := r.resolveSet(ctx, userID, tenantID)
	if err != nil {
		// A failed resolution fails every item in the batch; each one is
		// audited, same as a single Check.
		for _, item := range checks {
			req := CheckRequest{UserID: userID, TenantID: tenantID, Resource: item.Resource, Action: item.Action}
			r.finishCheck(req, Decision{Reason: ReasonUnavailable}, start)
		}
		return nil, err
	}
	results := make([]CheckResult, 0, len(checks))
	for _, item := range checks {
		start := time.Now()
		req := CheckRequest{UserID: userID, TenantID: tenantID, Resource: item.Resource, Action: item.Action}
		decision := r.decide(ctx, set, req)
		r.finishCheck(req, decision, start)
		results = append(results, CheckResult{Resource: item.Resource, Action: item.Action, Granted: decision.Granted})
	}
	return results, nil
}

// PermissionUnion returns the user's effective permissions in a tenant scope.
func (r *Resolver) PermissionUnion(ctx context.Context, userID, tenantID int64) ([]PermissionRef, error) {
	set, err := r.resolveSet(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	refs := make([]PermissionRef, 0, len(set.Grants))
	for key := range set.Grants {
		resource, action := splitPermissionKey(key)
		refs = append(refs, PermissionRef{Resource: resource, Action: action})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Resource != refs[j].Resource {
			return refs[i].Resource < refs[j].Resource
		}
		return refs[i].Action < refs[j].Action
	})
	return refs, nil
}

// decide tests membership and delegates constraint evaluation. The zero role
// set fails closed: out of scope, everything denied.
func (r *Resolver) decide(ctx context.Context, set *ResolvedSet, req CheckRequest) Decision {
	if !set.InScope() {
		return Decision{Granted: false, Reason: ReasonOutOfScope}
	}
	grant, ok := set.Has(req.Resource, req.Action)
	if !ok {
		return Decision{Granted: false, Reason: ReasonDenied}
	}
	if len(grant.Constraints) > 0 {
		if r.evaluator == nil {
			return Decision{Granted: false, Reason: ReasonConstraintUnmet}
		}
		satisfied, err := r.evaluator.Evaluate(ctx, grant.Constraints, req)
		if err != nil {
			r.logger.Warn("constraint evaluation failed",
				slog.Int64("user_id", req.UserID),
				slog.String("resource", req.Resource),
				slog.Any("error", err))
			return Decision{Granted: false, Reason: ReasonConstraintUnmet}
		}
		if !satisfied {
			return Decision{Granted: false, Reason: ReasonConstraintUnmet}
		}
	}
	return Decision{Granted: true, Reason: ReasonGranted}
}

// resolveSet loads the resolved permission set for (user, tenant), rebuilding
// it from the stores on a cache miss. Concurrent misses for the same key are
// collapsed into a single rebuild.
func (r *Resolver) resolveSet(ctx context.Context, userID, tenantID int64) (*ResolvedSet, error) {
	key := CacheKey(userID, tenantID)
	if r.cache != nil {
		set, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("resolution cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			return set, nil
		}
	}

	resultChan := r.group.DoChan(key, func() (interface{}, error) {
		return r.rebuild(ctx, userID, tenantID)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrResolutionUnavailable, ctx.Err())
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ResolvedSet), nil
	}
}

func (r *Resolver) rebuild(ctx context.Context, userID, tenantID int64) (*ResolvedSet, error) {
	// Every tag version is snapshotted before the store read it fences, so a
	// mutation committing mid-rebuild moves a counter and the stale write is
	// discarded at Put instead of outliving the mutation's invalidation.
	versions := TagVersions{}
	r.captureVersions(ctx, versions, UserTag(userID), TenantTag(tenantID))

	scope, err := r.boundary.ResolveScope(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: boundary: %v", ErrResolutionUnavailable, err)
	}

	set := &ResolvedSet{
		UserID:     userID,
		TenantID:   tenantID,
		Grants:     map[string]Grant{},
		ResolvedAt: time.Now().UTC(),
	}

	if scope.Allowed {
		roles, err := r.store.UserRoles(ctx, userID, tenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: roles: %v", ErrResolutionUnavailable, err)
		}
		for _, role := range roles {
			set.RoleIDs = append(set.RoleIDs, role.ID)
			r.captureVersions(ctx, versions, RoleTag(role.ID))
			perms, err := r.store.RolePermissions(ctx, role.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: permissions: %v", ErrResolutionUnavailable, err)
			}
			for _, p := range perms {
				// Union semantics: any role granting the pair suffices,
				// duplicates collapse into one entry.
				set.Grants[p.Key()] = Grant{PermissionID: p.ID, Constraints: p.Constraints}
			}
		}
	}

	if r.cache != nil {
		if err := r.cache.Put(ctx, CacheKey(userID, tenantID), set, versions); err != nil {
			r.logger.Warn("resolution cache write failed", slog.Any("error", err))
		}
	}
	return set, nil
}

// captureVersions records the current invalidation counter of each tag in the
// snapshot. A failed read pins the tag at zero, which any later bump exceeds.
func (r *Resolver) captureVersions(ctx context.Context, versions TagVersions, tags ...string) {
	if r.cache == nil {
		return
	}
	got, err := r.cache.TagVersions(ctx, tags...)
	if err != nil {
		r.logger.Warn("tag version read failed", slog.Any("tags", tags), slog.Any("error", err))
	}
	for _, tag := range tags {
		versions[tag] = got[tag]
	}
}

func (r *Resolver) finishCheck(req CheckRequest, decision Decision, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveCheck(decision.Reason, time.Since(start))
	}
	if r.emitter == nil {
		return
	}
	granted := decision.Granted
	r.emitter.Emit(events.Event{
		Type:     events.TypePermissionCheck,
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Resource: req.Resource,
		Action:   req.Action,
		Granted:  &granted,
		Reason:   decision.Reason,
	})
}

func splitPermissionKey(key string) (resource, action string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
