package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login flow, guarded views and
// the catalogue proxy.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.Metrics.Instrument)
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(a.sessionMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.guardMiddleware)

		limited := r
		if a.Limiter != nil {
			limited = r.With(a.Limiter.Middleware)
		}
		r.Get("/login", a.handleLoginPage)
		limited.Get("/login/{provider}", a.handleLoginStart)
		limited.Get("/callback/{provider}", a.handleCallback)
		r.Post("/logout", a.handleLogout)

		r.Get("/session", a.handleSession)
		r.Get("/profile", a.handleProfile)
		r.Get("/profile/repositories", a.handleRepositories)
		r.Get("/profile/repositories/{owner}/{repo}/contents/*", a.handleRepositoryContent)
		r.Get("/submit", a.handleSubmit)
		r.Get("/admin", a.handleAdmin)

		if a.Proxy != nil {
			r.Handle("/api/traces", a.Proxy)
			r.Handle("/api/traces/*", a.Proxy)
			r.Handle("/api/search", a.Proxy)
		}
	})

	return r
}
