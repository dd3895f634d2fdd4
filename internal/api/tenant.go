package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

type actorContextKey string

const actorKey actorContextKey = "actor"

// Tenancy headers. Authentication happens upstream (reverse proxy / gateway);
// by the time a request reaches this service the gateway has verified the
// caller and stamped these headers. This service trusts them and enforces
// tenant isolation on top.
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantRole = "X-Tenant-Role"
	HeaderUserID     = "X-User-ID"
)

// tenantExempt paths serve infrastructure (probes, scrapers) that carries no
// tenancy headers.
func tenantExempt(path string) bool {
	switch path {
	case "/health", "/api/health", "/metrics":
		return true
	}
	return false
}

// TenantMiddleware resolves the acting tenant from the trusted gateway
// headers and injects it into the request context. Requests without a tenant
// are rejected before any handler runs.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		actor := actorFromRequest(r)
		if actor.TenantID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "missing_tenant",
				"X-Tenant-ID header is required", nil)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromRequest(r *http.Request) models.Actor {
	role := models.RoleUser
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderTenantRole)), string(models.RoleAdmin)) {
		role = models.RoleAdmin
	}
	return models.Actor{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:     role,
	}
}

// ActorFrom returns the actor resolved by TenantMiddleware.
func ActorFrom(ctx context.Context) models.Actor {
	if actor, ok := ctx.Value(actorKey).(models.Actor); ok {
		return actor
	}
	return models.Actor{}
}

// requireAdmin rejects non-admin actors. Returns false after writing the
// response when access is denied.
func requireAdmin(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor := ActorFrom(r.Context())
	if !actor.IsAdmin() {
		writeErrorResponse(w, http.StatusForbidden, "permission_denied",
			"administrator role required", nil)
		return actor, false
	}
	return actor, true
}
