package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/fleetdesk/fleetdesk/internal/auth"
	"github.com/fleetdesk/fleetdesk/internal/handlers"
	"github.com/fleetdesk/fleetdesk/internal/middleware"
)

// RegisterRoutes registers the session-lifecycle routes.
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	tokenManager *auth.TokenManager,
	generations auth.GenerationFetcher,
	authEdgeLimit int,
) {
	// Public routes, with a per-IP backstop in front of login.
	router.With(middleware.EdgeRateLimit(authEdgeLimit)).Post("/auth/token", authHandler.Login)
	router.Post("/auth/token/refresh", authHandler.Refresh)

	// Protected routes.
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager, generations))
		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/password", authHandler.ChangePassword)
	})
}
