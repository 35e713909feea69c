package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Metrics   *metrics.Metrics

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	StartWorkflow    http.HandlerFunc
	EstimateWorkflow http.HandlerFunc
	ListWorkflows    http.HandlerFunc
	GetWorkflow      http.HandlerFunc
	CancelWorkflow   http.HandlerFunc

	GetCredits    http.HandlerFunc
	DebitCredits  http.HandlerFunc
	PutCredential http.HandlerFunc

	CreateUser       http.HandlerFunc
	GrantCredits     http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(mw.Logger(deps.Metrics))
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// User routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/workflows", orNotImplemented(deps.StartWorkflow))
		r.Post("/api/v1/workflows/estimate", orNotImplemented(deps.EstimateWorkflow))
		r.Get("/api/v1/workflows", orNotImplemented(deps.ListWorkflows))
		r.Get("/api/v1/workflows/{workflowID}", orNotImplemented(deps.GetWorkflow))
		r.Post("/api/v1/workflows/{workflowID}/cancel", orNotImplemented(deps.CancelWorkflow))

		r.Get("/api/v1/credits", orNotImplemented(deps.GetCredits))
		r.Post("/api/v1/credits/debit", orNotImplemented(deps.DebitCredits))

		r.Put("/api/v1/credentials/{provider}", orNotImplemented(deps.PutCredential))
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.AuthenticateAPIKey)
		r.Use(deps.RateLimit.Limit)
		r.Use(deps.Auth.RequireScope("admin"))

		r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUser))
		r.Post("/api/v1/admin/credits/{userID}/grant", orNotImplemented(deps.GrantCredits))

		r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
