// Package api exposes the record pipeline, the schema registry and the
// tenant registry over HTTP. Handlers translate between the wire and the
// pipeline's operations; every request runs against exactly one tenant
// namespace resolved by the bearer token.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/internal/record"
	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
)

// Server wires the HTTP surface to the core components.
type Server struct {
	adapter  dbase.Adapter
	tenants  *infra.Manager
	pipeline *record.Pipeline
	events   *messaging.Publisher
	jwt      config.JWTConfig
	timeout  time.Duration
	log      *logger.Logger
}

// NewServer creates the HTTP surface. The events publisher may be nil
// when change fan-out is disabled.
func NewServer(adapter dbase.Adapter, tenants *infra.Manager, pipeline *record.Pipeline, events *messaging.Publisher, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		adapter:  adapter,
		tenants:  tenants,
		pipeline: pipeline,
		events:   events,
		jwt:      cfg.JWT,
		timeout:  cfg.Server.RequestTimeout,
		log:      log.WithComponent("api"),
	}
}

// Routes builds the router. Everything under /api requires a bearer
// token; /health does not.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(s.log))
	r.Use(httputil.Recoverer(s.log))
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", sudoHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/describe", func(r chi.Router) {
			r.Get("/", s.listModels)
			r.Route("/{model}", func(r chi.Router) {
				r.Post("/", s.createModel)
				r.Get("/", s.getModel)
				r.Put("/", s.updateModel)
				r.Delete("/", s.deleteModel)
				r.Route("/{field}", func(r chi.Router) {
					r.Post("/", s.createField)
					r.Get("/", s.getField)
					r.Put("/", s.updateField)
					r.Delete("/", s.deleteField)
				})
			})
		})

		r.Route("/data/{model}", func(r chi.Router) {
			r.Post("/", s.createRecords)
			r.Get("/", s.listRecords)
			r.Delete("/", s.deleteRecords)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getRecord)
				r.Put("/", s.updateRecord)
				r.Patch("/", s.updateRecord)
				r.Delete("/", s.deleteRecord)
			})
		})

		r.Post("/find/{model}", s.find)
		r.Post("/aggregate/{model}", s.aggregate)

		r.Route("/filter", func(r chi.Router) {
			r.Get("/", s.listFilters)
			r.Post("/{name}", s.runFilter)
			r.Put("/{name}", s.saveFilter)
			r.Delete("/{name}", s.deleteFilter)
		})

		r.Get("/history/{model}/{id}", s.listHistory)
		r.Get("/history/{model}/{id}/{change}", s.getHistoryEntry)

		r.Route("/tenant", func(r chi.Router) {
			r.Post("/", s.createTenant)
			r.Get("/", s.listTenants)
			r.Get("/{name}", s.getTenant)
			r.Delete("/{name}", s.deleteTenant)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "stratum-server",
		"database": s.adapter.Health(r.Context()),
	})
}
