package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

var knownScopes = map[string]bool{"admin": true}

// AdminStore is the slice of store.Store the admin handlers need.
type AdminStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// NewCreateUserHandler returns an http.HandlerFunc for POST /api/v1/admin/users.
// The opening balance is recorded as InitialCredits so reconciliation can
// account for it.
func NewCreateUserHandler(st AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email          string `json:"email"`
			InitialCredits int    `json:"initial_credits"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "email is invalid", nil)
			return
		}
		if req.InitialCredits < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "initial_credits must not be negative", nil)
			return
		}

		now := time.Now().UTC()
		u := &models.User{
			ID:             uuid.New(),
			Email:          email,
			Credits:        req.InitialCredits,
			InitialCredits: req.InitialCredits,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := st.CreateUser(r.Context(), u); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE", "A user with this email already exists", nil)
				return
			}
			response.FromError(w, err)
			return
		}
		response.Created(w, u)
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(st AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		for _, s := range req.Scopes {
			if !knownScopes[s] {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+s, nil)
				return
			}
		}

		key, raw, err := mw.NewAPIKey(req.Name, req.Scopes)
		if err != nil {
			response.FromError(w, err)
			return
		}
		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			response.FromError(w, err)
			return
		}
		response.Created(w, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"key":        raw,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(st AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := st.ListAPIKeys(r.Context())
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}
		if err := st.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
				return
			}
			response.FromError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
