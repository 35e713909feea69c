package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey       contextKey = "user_id"
	rateSubjectKey  contextKey = "rate_subject"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

func SetUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the authenticated end user, set by Authenticate.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

// setRateSubject records who the request is billed to for rate limiting,
// e.g. "user:<id>" or "key:<prefix>".
func setRateSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, rateSubjectKey, subject)
}

func getRateSubject(r *http.Request) (string, bool) {
	s, ok := r.Context().Value(rateSubjectKey).(string)
	return s, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
