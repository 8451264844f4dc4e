package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/stats", handlers.handleStats)
	r.Get("/health", handlers.handleHealth)
	r.Get("/holders", handlers.handleHolders)
	r.Get("/locks", handlers.handleLocks)
	r.Get("/snapshot", handlers.handleSnapshot)
	r.Post("/sweep", handlers.handleSweep)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
