/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the desktop shell and dev UI

ROUTE GROUPS:
  /api/functions/*   Generic catalog calls
  /api/events/*      Events
  /api/categories/*  Categories
  /api/subjects/*    Subjects
  /api/plans/*       Plan generation
  /api/history/*     History and revert
  /api/profile       Current user
  /api/sync/*        Window refresh and state

SECURITY NOTE:
  No authentication middleware. The bridge is meant to listen on loopback
  only (http.addr defaults to 127.0.0.1).

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Origins allowed by default: the Vite dev server and the Tauri webview.
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
	"tauri://localhost",
	"http://tauri.localhost",
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/functions", func(r chi.Router) {
			r.Get("/", h.ListFunctions)
			r.Post("/{name}", h.CallFunction)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.UpsertEvent)
			r.Get("/{id}", h.GetEvent)
			r.Put("/{id}", h.UpsertEvent)
			r.Put("/{id}/due", h.UpdateDueDate)
			r.Post("/{id}/reschedule", h.RescheduleEvent)
			r.Put("/{id}/status", h.UpdateEventStatus)
			r.Post("/{id}/notes", h.AddNote)
			r.Delete("/{id}", h.DeleteEvent)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", h.ListCategories)
			r.Post("/", h.UpsertCategory)
			r.Delete("/{id}", h.DeleteCategory)
		})

		r.Route("/subjects", func(r chi.Router) {
			r.Get("/", h.ListSubjects)
			r.Post("/", h.CreateSubject)
			r.Put("/{id}", h.UpdateSubject)
			r.Get("/{id}/events", h.SubjectEvents)
			r.Delete("/{id}", h.DeleteSubject)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", h.GeneratePlan)
			r.Post("/review", h.ReviewPlan)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Get("/{id}", h.GetHistoryEntry)
			r.Post("/{id}/revert", h.RevertHistoryEntry)
		})

		r.Get("/profile", h.GetProfile)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/refresh", h.RefreshTimeline)
			r.Get("/window", h.SyncWindow)
		})
	})

	return r
}
