package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all sign-in endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/otp", a.handleRequestCode)
		r.Post("/otp/verify", a.handleVerifyCode)
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback", a.handleCallback)

		r.Post("/callback/screens", a.handleMountScreen)
		r.Get("/callback/screens/{id}", a.handleGetScreen)
		r.Post("/callback/screens/{id}/finalize", a.handleFinalizeScreen)
		r.Delete("/callback/screens/{id}", a.handleUnmountScreen)

		r.Get("/session", a.handleSession)
		r.Post("/signout", a.handleSignOut)
	})

	return r
}
