// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/crossdock/pricing-engine/cmd/crossdock-api/handlers"
	"github.com/crossdock/pricing-engine/internal/app"
	"github.com/crossdock/pricing-engine/internal/observability"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, engine *app.App) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"pricing-engine"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.DB.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	})

	taskHandler := handlers.NewTaskHandler(logger, engine.Orchestrator, engine.Tasks, engine.Subscriber)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Submit)
			r.Get("/", taskHandler.List)
			r.Get("/{taskId}", taskHandler.GetStatus)
			r.Get("/{taskId}/events", taskHandler.Events)
		})
	})

	// Finished spreadsheets are served straight from the export directory.
	exportDir := http.Dir(engine.Config.Export.Dir)
	r.Handle("/media/exports/*", http.StripPrefix("/media/exports/", http.FileServer(exportDir)))

	return r
}
