package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var authCfg = config.AuthConfig{JWTSecret: "middleware-test-secret", JWTIssuer: "genflow"}

// --- Mock key store ---

type mockKeyStore struct {
	keys []*models.APIKey
	err  error
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, m.err
}

func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- Mock cache ---

type mockCache struct {
	cache.Cache
	counter int64
	err     error
	keys    []string
}

func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.keys = append(m.keys, key)
	if m.err != nil {
		return 0, m.err
	}
	m.counter++
	return m.counter, nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signed(t *testing.T, claims jwt.RegisteredClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

// ─── JWT authentication ───

func TestAuthenticate_MissingHeader(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)

	w := serve(auth.Authenticate(okHandler()), "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuthenticate_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)

	w := serve(auth.Authenticate(okHandler()), "Basic abc123")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_ValidToken(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	userID := uuid.New()
	token, err := mw.IssueToken(authCfg, userID, time.Minute)
	require.NoError(t, err)

	var got uuid.UUID
	var ok bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = mw.GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := serve(auth.Authenticate(inner), "Bearer "+token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestAuthenticate_RejectedTokens(t *testing.T) {
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		Issuer:    authCfg.JWTIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	badSubject := valid
	badSubject.Subject = "not-a-uuid"

	secret := []byte(authCfg.JWTSecret)
	tests := []struct {
		name  string
		token string
	}{
		{"expired", signed(t, expired, jwt.SigningMethodHS256, secret)},
		{"no expiry", signed(t, noExpiry, jwt.SigningMethodHS256, secret)},
		{"wrong issuer", signed(t, wrongIssuer, jwt.SigningMethodHS256, secret)},
		{"subject not a uuid", signed(t, badSubject, jwt.SigningMethodHS256, secret)},
		{"wrong secret", signed(t, valid, jwt.SigningMethodHS256, []byte("other-secret"))},
		{"other hmac alg", signed(t, valid, jwt.SigningMethodHS512, secret)},
		{"garbage", "not.a.jwt"},
	}

	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(auth.Authenticate(okHandler()), "Bearer "+tt.token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
		})
	}
}

func TestIssueToken_RequiresSecret(t *testing.T) {
	_, err := mw.IssueToken(config.AuthConfig{}, uuid.New(), time.Minute)
	assert.Error(t, err)
}

// ─── API key authentication ───

func TestAPIKey_TooShort(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)

	w := serve(auth.AuthenticateAPIKey(okHandler()), "Bearer short")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKey_NotFound(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)

	w := serve(auth.AuthenticateAPIKey(okHandler()), "Bearer gfk_test1234567890")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKey_WrongSecret(t *testing.T) {
	rawKey := "gfk_test1234567890abcdef"
	ks := &mockKeyStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		KeyHash:   hashKey(t, "gfk_test_different_key"),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    []string{"admin"},
	}}}
	auth := mw.NewAuth(ks, authCfg)

	w := serve(auth.AuthenticateAPIKey(okHandler()), "Bearer "+rawKey)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKey_StoreError(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{err: errors.New("db down")}, authCfg)

	w := serve(auth.AuthenticateAPIKey(okHandler()), "Bearer gfk_test1234567890")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPIKey_GeneratedKeyAuthenticates(t *testing.T) {
	key, raw, err := mw.NewAPIKey("ops", []string{"admin"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, key.KeyPrefix))
	assert.NotContains(t, key.KeyHash, raw)

	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{key}}, authCfg)
	handler := auth.AuthenticateAPIKey(auth.RequireScope("admin")(okHandler()))

	w := serve(handler, "Bearer "+raw)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireScope_Denied(t *testing.T) {
	rawKey := "gfk_read1234567890abcdef"
	ks := &mockKeyStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    []string{"read"},
	}}}
	auth := mw.NewAuth(ks, authCfg)

	w := serve(auth.AuthenticateAPIKey(auth.RequireScope("admin")(okHandler())), "Bearer "+rawKey)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

func TestRequireScope_UserTokenHasNoScopes(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	token, err := mw.IssueToken(authCfg, uuid.New(), time.Minute)
	require.NoError(t, err)

	w := serve(auth.Authenticate(auth.RequireScope("admin")(okHandler())), "Bearer "+token)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ─── Rate limiting ───

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{}
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	userID := uuid.New()
	token, err := mw.IssueToken(authCfg, userID, time.Minute)
	require.NoError(t, err)

	w := serve(auth.Authenticate(mw.NewRateLimit(mc, 60).Limit(okHandler())), "Bearer "+token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	require.Len(t, mc.keys, 1)
	assert.Equal(t, cache.RateLimitKey("user:"+userID.String()), mc.keys[0])
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60}
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	token, err := mw.IssueToken(authCfg, uuid.New(), time.Minute)
	require.NoError(t, err)

	w := serve(auth.Authenticate(mw.NewRateLimit(mc, 60).Limit(okHandler())), "Bearer "+token)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_NoSubject_PassThrough(t *testing.T) {
	mc := &mockCache{}

	w := serve(mw.NewRateLimit(mc, 60).Limit(okHandler()), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mc.keys)
}

func TestRateLimit_CacheErrorFailsOpen(t *testing.T) {
	mc := &mockCache{err: errors.New("redis down")}
	auth := mw.NewAuth(&mockKeyStore{}, authCfg)
	token, err := mw.IssueToken(authCfg, uuid.New(), time.Minute)
	require.NoError(t, err)

	w := serve(auth.Authenticate(mw.NewRateLimit(mc, 60).Limit(okHandler())), "Bearer "+token)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ─── Recovery ───

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(mw.Recovery(aborting), "")
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), "")

	assert.Equal(t, http.StatusOK, w.Code)
}

// ─── Logging ───

func TestLogger_RecordsStatus(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := serve(mw.Logger(m)(notFound), "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestLogger_NilMetrics(t *testing.T) {
	w := serve(mw.Logger(nil)(okHandler()), "")

	assert.Equal(t, http.StatusOK, w.Code)
}
