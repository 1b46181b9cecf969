package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

func (app *application) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", app.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(app.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(app.authenticate)

		r.Get("/ws", app.handleWebSocket)

		r.Post("/sessions", app.handleCreateSession)
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", app.handleGetSession)
			r.Post("/moves", app.handleSubmitMove)
			r.Get("/legal-moves", app.handleLegalMoves)
			r.Put("/clock", app.handleAdjustClock)
		})
		r.Get("/participants/{participant_id}/session", app.handleParticipantSession)
	})

	origins := []string{"*"}
	if app.Config.FrontendPath != "" {
		origins = []string{app.Config.FrontendPath}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Content-Type", "X-Api-Key"},
	})

	return c.Handler(r)
}
