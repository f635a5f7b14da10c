package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/authgrid/authgrid/internal/shared"
)

// Middleware wires authorization helpers for HTTP handlers on top of the
// resolver. The tenant scope comes from the route or the X-Tenant-Id header;
// the actor from the request context.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current actor holds at least one of the required
// "resource:action" permissions in the request's tenant scope.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	required := parsePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			m.authorize(w, r, next, required, false)
		})
	}
}

// RequireAll ensures the current actor holds all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	required := parsePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			m.authorize(w, r, next, required, true)
		})
	}
}

func (m Middleware) authorize(w http.ResponseWriter, r *http.Request, next http.Handler, required []CheckItem, needAll bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	tenantID := requestTenant(r)
	results, err := m.Resolver.CheckMany(r.Context(), actorID, tenantID, required)
	if err != nil {
		// Fail closed, but make the infrastructure failure visible to
		// operators; the caller only ever sees a generic denial.
		if m.Logger != nil && errors.Is(err, ErrResolutionUnavailable) {
			m.Logger.Error("authorization unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	granted := 0
	for _, res := range results {
		if res.Granted {
			granted++
		}
	}
	if (needAll && granted == len(required)) || (!needAll && granted > 0) {
		next.ServeHTTP(w, r)
		return
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

func requestTenant(r *http.Request) int64 {
	raw := chi.URLParam(r, "tenantID")
	if raw == "" {
		raw = r.Header.Get("X-Tenant-Id")
	}
	if raw == "" {
		raw = r.URL.Query().Get("tenant")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return SystemTenant
	}
	return id
}

func parsePermissions(perms []string) []CheckItem {
	items := make([]CheckItem, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		resource, action := splitPermissionKey(p)
		items = append(items, CheckItem{Resource: resource, Action: action})
	}
	return items
}
