package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: token pages behind the gate, callback,
// logout and health in the open.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.Gate.Require)
		r.Get("/", a.handleIndex)
		r.Get("/tokens/{kind}", a.handleToken)
	})

	r.Method(http.MethodGet, "/authentication/login", a.Callback)
	r.Get("/authentication/logout", a.handleLogout)
	r.Get("/health", a.handleHealth)

	return r
}
