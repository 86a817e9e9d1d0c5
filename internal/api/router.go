package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	// Template routes
	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.SaveTemplate)
	r.Get("/templates/{id}", h.GetTemplate)
	r.Delete("/templates/{id}", h.DeleteTemplate)
	r.Post("/templates/{id}/runs", h.CreateRun)
	r.Post("/templates/{id}/runs/csv", h.CreateRunCSV)
	r.Post("/templates/{id}/test", h.SendTest)

	// Run routes
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)
	r.Get("/runs/{id}/recipients", h.RunRecipients)
	r.Post("/runs/{id}/cancel", h.CancelRun)
	r.Post("/runs/{id}/retry", h.RetryRun)

	return r
}
