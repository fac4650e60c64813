package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nexusvm/microvmctl/pkg/ingress"
	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// TenantService is the subset of tenant.Manager the control API depends
// on, narrowed so this package can be tested against a fake.
type TenantService interface {
	Create(ctx context.Context, req types.CreateRequest) (*types.Tenant, error)
	RegisterTenant(t *types.Tenant) error
	List() []*types.Tenant
	Get(id string) (*types.Tenant, bool)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (string, error)
	UpdateEnv(ctx context.Context, id string, envVars map[string]string) error
	CheckHealth(ctx context.Context, id string) (*types.HealthStatus, error)
	VMIPFor(id string) (string, bool)
}

// Server is the control plane's HTTP API: tenant lifecycle management,
// health and metrics endpoints, and the tenant-routed reverse proxy
// mounted ahead of everything else.
type Server struct {
	tenants TenantService
	router  chi.Router
}

// New builds a Server wiring tenants into a chi router with the proxy
// router mounted first so tenant-addressed traffic never reaches the
// REST routes below.
func New(tenants TenantService) *Server {
	s := &Server{tenants: tenants}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(ingress.Middleware(tenants))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/tenants", s.createTenant)
		api.Get("/tenants", s.listTenants)
		api.Get("/tenants/{id}", s.getTenant)
		api.Delete("/tenants/{id}", s.deleteTenant)
		api.Post("/tenants/{id}/start", s.startTenant)
		api.Post("/tenants/{id}/stop", s.stopTenant)
		api.Post("/tenants/{id}/pause", s.pauseTenant)
		api.Post("/tenants/{id}/resume", s.resumeTenant)
		api.Post("/tenants/{id}/snapshot", s.snapshotTenant)
		api.Put("/tenants/{id}/env", s.updateTenantEnv)
		api.Get("/tenants/{id}/health", s.tenantHealth)

		api.Post("/debug/tenants", s.debugRegisterTenant)
	})

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type createTenantRequest struct {
	TenantID         string            `json:"tenant_id"`
	Tier             string            `json:"tier"`
	Channels         []string          `json:"channels"`
	EnvVars          map[string]string `json:"env_vars"`
	SkipToolApproval bool              `json:"skip_tool_approval"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var body createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tier, ok := types.ParseTier(body.Tier)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tier: "+body.Tier)
		return
	}

	t, err := s.tenants.Create(r.Context(), types.CreateRequest{
		TenantID:         body.TenantID,
		Tier:             tier,
		Channels:         body.Channels,
		EnvVars:          body.EnvVars,
		SkipToolApproval: body.SkipToolApproval,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tenants.List())
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenants.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) snapshotTenant(w http.ResponseWriter, r *http.Request) {
	dir, err := s.tenants.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"snapshot_dir": dir})
}

func (s *Server) updateTenantEnv(w http.ResponseWriter, r *http.Request) {
	var env map[string]string
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.tenants.UpdateEnv(r.Context(), chi.URLParam(r, "id"), env); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tenantHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.tenants.CheckHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// debugRegisterTenant inserts a tenant record directly, bypassing
// provisioning. It exists for recovering from partial manual setup and
// integration testing against a pre-existing VM; every call is logged
// at Warn since it skips every safety check Create performs.
func (s *Server) debugRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var t types.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	log.Logger.Warn().Str("tenant_id", t.ID).Msg("debug tenant registration bypassing provisioning")

	if err := s.tenants.RegisterTenant(&t); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrPoolExhausted), errors.Is(err, types.ErrInsufficientDisk):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Logger.Error().Err(err).Msg("control api request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
