package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otcheredev/ris-dicom-qr/internal/middleware"
)

// RouterConfig holds the HTTP settings that shape the router.
type RouterConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	Metrics        bool
}

// NewRouter wires the API routes.
func NewRouter(cfg RouterConfig, health *HealthHandler, management *ManagementHandler, qr *QRHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// Metrics endpoint
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Operator)

		r.Route("/pacs", func(r chi.Router) {
			r.Post("/", management.CreatePACSConfig)
			r.Get("/", management.GetPACSConfigs)
			r.Post("/test", management.TestConnection)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", management.GetPACSConfig)
				r.Put("/", management.UpdatePACSConfig)
				r.Delete("/", management.DeletePACSConfig)
				r.Post("/echo", management.Echo)
				r.Get("/audit", management.GetAuditLogs)
				qr.Routes(r)
			})
		})
	})

	return r
}
