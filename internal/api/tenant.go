package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
)

// Tenant administration operates on the infrastructure registry, not on
// the caller's namespace. Root only.

func requireRoot(r *http.Request) error {
	sc := fromRequest(r)
	if !sc.Principal.IsRoot() {
		return errors.Forbidden("tenant administration requires the root access level")
	}
	return nil
}

// createTenant handles POST /api/tenant: provision a namespace, deploy
// the seed schema and register the tenant. The response carries the
// owner's generated secret exactly once.
func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	if err := requireRoot(r); err != nil {
		httputil.Error(w, err)
		return
	}

	var req infra.CreateTenantRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	tenant, owner, err := s.tenants.CreateTenant(r.Context(), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	s.announceTenant(r.Context(), messaging.EventTenantCreated, tenant)
	httputil.Created(w, map[string]any{
		"tenant": tenant,
		"owner":  owner,
	})
}

// listTenants handles GET /api/tenant.
func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	if err := requireRoot(r); err != nil {
		httputil.Error(w, err)
		return
	}

	tenants, err := s.tenants.ListTenants(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OK(w, tenants)
}

// getTenant handles GET /api/tenant/{name}.
func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	if err := requireRoot(r); err != nil {
		httputil.Error(w, err)
		return
	}

	tenant, err := s.tenants.GetTenant(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OK(w, tenant)
}

// deleteTenant handles DELETE /api/tenant/{name}: soft-deletes the
// registry row. Physical storage is retained.
func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := requireRoot(r); err != nil {
		httputil.Error(w, err)
		return
	}

	tenant, err := s.tenants.DeleteTenant(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	s.announceTenant(r.Context(), messaging.EventTenantDeleted, tenant)
	httputil.OK(w, tenant)
}

// announceTenant publishes a tenant lifecycle event. Failures are logged
// and swallowed: the registry write already committed.
func (s *Server) announceTenant(ctx context.Context, eventType string, tenant *infra.Tenant) {
	if s.events == nil {
		return
	}
	evt := messaging.TenantEvent{Tenant: tenant.Name, DBType: tenant.DBType}
	if err := s.events.Publish(ctx, eventType, evt); err != nil {
		s.log.Error().Err(err).Str("tenant", tenant.Name).Str("event", eventType).Msg("failed to publish tenant event")
	}
}
