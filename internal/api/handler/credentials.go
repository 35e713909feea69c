package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

const maxCredentialLength = 4096

// Credentials is what the credential handler needs from the vault.
type Credentials interface {
	Put(ctx context.Context, userID uuid.UUID, provider string, plaintext vault.Secret) (*models.EncryptedCredential, error)
}

// ProviderNames reports which provider names accept credentials.
type ProviderNames interface {
	Has(name string) bool
}

type credentialResponse struct {
	Provider         string    `json:"provider"`
	ValidationStatus string    `json:"validation_status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewPutCredentialHandler returns an http.HandlerFunc for
// PUT /api/v1/credentials/{provider}. The key is never echoed back.
func NewPutCredentialHandler(svc Credentials, providers ProviderNames) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		name := chi.URLParam(r, "provider")
		if !providers.Has(name) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown provider", nil)
			return
		}

		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*maxCredentialLength)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		key := strings.TrimSpace(req.APIKey)
		req.APIKey = ""
		if key == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "api_key is required", nil)
			return
		}
		if len(key) > maxCredentialLength {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "api_key is too long", nil)
			return
		}

		secret := vault.NewSecret(key)
		defer secret.Wipe()

		cred, err := svc.Put(r.Context(), userID, name, secret)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, credentialResponse{
			Provider:         cred.Provider,
			ValidationStatus: cred.ValidationStatus,
			UpdatedAt:        cred.UpdatedAt,
		})
	}
}
