package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading characters of a raw API key stored
// in clear for lookup.
const KeyPrefixLen = 8

// KeyStore is the slice of store.Store API-key auth needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware. End users
// present HS256 JWTs; operators present API keys.
type Auth struct {
	keys   KeyStore
	secret []byte
	issuer string
	logger *slog.Logger
}

func NewAuth(keys KeyStore, cfg config.AuthConfig) *Auth {
	return &Auth{keys: keys, secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer, logger: slog.Default()}
}

// Authenticate validates a user bearer token and sets the user id in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		userID, err := a.parseToken(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil)
			return
		}

		ctx := SetUserID(r.Context(), userID)
		ctx = setRateSubject(ctx, "user:"+userID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) parseToken(raw string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("subject is not a user id")
	}
	return id, nil
}

// IssueToken signs a user token. Used by genctl and tests; production tokens
// come from the identity service sharing JWT_SECRET.
func IssueToken(cfg config.AuthConfig, userID uuid.UUID, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    cfg.JWTIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

// NewAPIKey generates a raw operator key and the record that stores its
// bcrypt hash. The raw key is returned once and never stored.
func NewAPIKey(name string, scopes []string) (*models.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating api key: %w", err)
	}
	raw := "gfk_" + hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}

// AuthenticateAPIKey validates an operator API key and sets its scopes in
// the request context.
func (a *Auth) AuthenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]

		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := setRateSubject(r.Context(), "key:"+prefix)
				ctx = setScopes(ctx, key.Scopes)
				r = r.WithContext(ctx)
				matched = true

				go func(id uuid.UUID) {
					if err := a.keys.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
						a.logger.Warn("updating api key last_used_at", "key_id", id, "error", err)
					}
				}(key.ID)
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
