package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.instrument)
	r.Use(s.corsMiddleware())

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			s.registry, promhttp.HandlerOpts{Registry: s.registry},
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(
				s.cfg.Server.RateLimit.RequestsPerMinute,
			))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)
		r.Get("/status", s.handleStatus)

		r.Get("/results", s.handleResults)
		r.Get("/dates", s.handleDates)
		r.Get("/runs/{date}", s.handleRun)

		r.Route("/testsuites", func(r chi.Router) {
			r.Get("/", s.handleTestsuites)
			r.Get("/{name}", s.handleTestsuite)
			r.Get("/{name}/{date}", s.handleTestsuiteOnDate)
		})

		if s.cycles != nil {
			r.Get("/cycles", s.handleCycles)
		}
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{degradedHeader},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
