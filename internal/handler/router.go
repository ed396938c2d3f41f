package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/imagegen-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Get("/options", h.GetOptions)

		r.Post("/generations", h.CreateGeneration)
		r.Get("/generations/{id}", h.GetGeneration)

		r.Get("/users/{id}/credits", h.GetUserCredits)

		r.Post("/reports/weekly", h.GenerateWeeklyReport)
		r.Get("/reports/latest", h.GetLatestReport)
	})

	if h.tasks != nil && h.signer != nil {
		r.With(h.signer.Middleware).Post("/internal/tasks/generation", h.AcceptTask)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
