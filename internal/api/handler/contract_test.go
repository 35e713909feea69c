package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/api"
	"github.com/kiranshivaraju/genflow/internal/api/handler"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/estimator"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/tracker"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	authCfg    = config.AuthConfig{JWTSecret: "contract-test-secret", JWTIssuer: "genflow"}
	testUserID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testWfID   = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
)

// ─── mock workflow engine ────────────────────────────────────────────────────

type mockWorkflows struct {
	lastStart workflow.StartRequest
	startErr  error
	cancelErr error
}

func (m *mockWorkflows) Start(_ context.Context, req workflow.StartRequest) (*models.WorkflowExecution, error) {
	m.lastStart = req
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &models.WorkflowExecution{
		ID:                testWfID,
		UserID:            req.UserID,
		Type:              req.Type,
		Status:            models.WorkflowStatusInitializing,
		EstimatedCost:     7,
		EstimatedDuration: 30,
		Steps:             models.NewSteps(req.Type),
	}, nil
}

func (m *mockWorkflows) Estimate(t models.WorkflowType, _ json.RawMessage) (estimator.Estimate, error) {
	if m.startErr != nil {
		return estimator.Estimate{}, m.startErr
	}
	return estimator.Estimate{Cost: 7, DurationSeconds: 30}, nil
}

func (m *mockWorkflows) Cancel(_ context.Context, userID, id uuid.UUID) (*models.WorkflowExecution, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &models.WorkflowExecution{ID: id, UserID: userID, Status: models.WorkflowStatusRunning, CancelRequested: true}, nil
}

// ─── mock tracker ────────────────────────────────────────────────────────────

type mockStatuses struct {
	owner      uuid.UUID
	lastFilter store.WorkflowFilter
}

func (m *mockStatuses) Status(_ context.Context, userID, id uuid.UUID) (tracker.Projection, error) {
	if id != testWfID {
		return tracker.Projection{}, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	if userID != m.owner {
		return tracker.Projection{}, workflow.ErrForbidden
	}
	return tracker.Projection{WorkflowID: id, Status: models.WorkflowStatusRunning, Progress: 50, TotalCost: 7}, nil
}

func (m *mockStatuses) List(_ context.Context, filter store.WorkflowFilter) ([]tracker.Projection, int, error) {
	m.lastFilter = filter
	return []tracker.Projection{{WorkflowID: testWfID, Status: models.WorkflowStatusCompleted, Progress: 100}}, 45, nil
}

// ─── mock ledger ─────────────────────────────────────────────────────────────

type mockCredits struct {
	balance   int
	lastDebit ledger.DebitRequest
	lastGrant ledger.CreditRequest
}

func (m *mockCredits) Debit(_ context.Context, req ledger.DebitRequest) (ledger.Receipt, error) {
	m.lastDebit = req
	if req.Amount > m.balance {
		return ledger.Receipt{}, ledger.ErrInsufficientCredits
	}
	m.balance -= req.Amount
	return ledger.Receipt{TransactionID: "01HTX", NewBalance: m.balance}, nil
}

func (m *mockCredits) Credit(_ context.Context, req ledger.CreditRequest) (ledger.Receipt, error) {
	m.lastGrant = req
	if req.UserID != testUserID {
		return ledger.Receipt{}, ledger.ErrUserNotFound
	}
	m.balance += req.Amount
	return ledger.Receipt{TransactionID: "01HTY", NewBalance: m.balance}, nil
}

func (m *mockCredits) Balance(_ context.Context, _ uuid.UUID) (ledger.Balance, error) {
	return ledger.Balance{Credits: m.balance, CreditsUsed: 100 - m.balance}, nil
}

func (m *mockCredits) Transactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return []*models.CreditTransaction{{UserID: userID, Type: models.TransactionDebit, Amount: 7}}, nil
}

// ─── mock vault ──────────────────────────────────────────────────────────────

type mockCredentials struct {
	received string
}

func (m *mockCredentials) Put(_ context.Context, userID uuid.UUID, provider string, secret vault.Secret) (*models.EncryptedCredential, error) {
	m.received = secret.Reveal()
	return &models.EncryptedCredential{
		UserID:           userID,
		Provider:         provider,
		ValidationStatus: models.ValidationUnchecked,
		UpdatedAt:        time.Now().UTC(),
	}, nil
}

type providerSet map[string]bool

func (p providerSet) Has(name string) bool { return p[name] }

// ─── mock pinger ─────────────────────────────────────────────────────────────

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	router      http.Handler
	store       *store.MemoryStore
	workflows   *mockWorkflows
	statuses    *mockStatuses
	credits     *mockCredits
	credentials *mockCredentials
	userToken   string
	adminKey    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	h := &harness{
		store:       st,
		workflows:   &mockWorkflows{},
		statuses:    &mockStatuses{owner: testUserID},
		credits:     &mockCredits{balance: 100},
		credentials: &mockCredentials{},
	}

	key, raw, err := mw.NewAPIKey("ops", []string{"admin"})
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), key))
	h.adminKey = raw

	h.userToken, err = mw.IssueToken(authCfg, testUserID, time.Hour)
	require.NoError(t, err)

	h.router = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st, authCfg),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 1000),

		HealthHandler: handler.NewHealthHandler(st, cache.NewMemoryCache()),

		StartWorkflow:    handler.NewStartWorkflowHandler(h.workflows),
		EstimateWorkflow: handler.NewEstimateHandler(h.workflows),
		ListWorkflows:    handler.NewListWorkflowsHandler(h.statuses),
		GetWorkflow:      handler.NewGetWorkflowHandler(h.statuses),
		CancelWorkflow:   handler.NewCancelWorkflowHandler(h.workflows),

		GetCredits:    handler.NewGetCreditsHandler(h.credits),
		DebitCredits:  handler.NewDebitHandler(h.credits),
		PutCredential: handler.NewPutCredentialHandler(h.credentials, providerSet{"openai": true, "veo": true}),

		CreateUser:       handler.NewCreateUserHandler(st),
		GrantCredits:     handler.NewGrantCreditsHandler(h.credits),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) user(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return h.do(t, method, path, h.userToken, body)
}

func (h *harness) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return h.do(t, method, path, h.adminKey, body)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	return decode(t, w)["data"].(map[string]any)
}

func errObj(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	return decode(t, w)["error"].(map[string]any)
}

var imageOnlyBody = map[string]any{
	"workflow_type": "image-only",
	"config":        map[string]any{"prompt": "a red fox", "image": map[string]any{"quality": "hd"}},
}

// ─── workflows ───────────────────────────────────────────────────────────────

func TestStartWorkflow_Accepted(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/workflows", imageOnlyBody)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	d := data(t, w)
	assert.Equal(t, testWfID.String(), d["workflow_id"])
	assert.Equal(t, "INITIALIZING", d["status"])
	assert.Equal(t, float64(7), d["estimated_cost"])
	assert.Len(t, d["steps"], 2)

	assert.Equal(t, testUserID, h.workflows.lastStart.UserID)
	assert.Equal(t, models.WorkflowImageOnly, h.workflows.lastStart.Type)
	assert.JSONEq(t, `{"prompt":"a red fox","image":{"quality":"hd"}}`, string(h.workflows.lastStart.Config))
}

func TestStartWorkflow_RequestShape(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"workflow_type":`},
		{"missing type", map[string]any{"config": map[string]any{"prompt": "x"}}},
		{"missing config", map[string]any{"workflow_type": "image-only"}},
		{"null config", `{"workflow_type":"image-only","config":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.user(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errObj(t, w)["code"])
		})
	}
}

func TestStartWorkflow_DomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			"validation",
			&workflow.ValidationError{Fields: []models.FieldError{{Field: "config.prompt", Message: "is required"}}},
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{"insufficient credits", fmt.Errorf("admit: %w", ledger.ErrInsufficientCredits), http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{"missing credential", fmt.Errorf("%w: openai", vault.ErrMissingCredential), http.StatusPreconditionFailed, "MISSING_CREDENTIAL"},
		{"undecryptable credential", vault.ErrAuthenticationFailed, http.StatusUnprocessableEntity, "CREDENTIAL_AUTH_FAILED"},
		{"internal", errors.New("pq: connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.workflows.startErr = tt.err

			w := h.user(t, http.MethodPost, "/api/v1/workflows", imageOnlyBody)

			assert.Equal(t, tt.status, w.Code)
			e := errObj(t, w)
			assert.Equal(t, tt.code, e["code"])
			assert.NotContains(t, e["message"], "pq:")
		})
	}
}

func TestStartWorkflow_ValidationDetailsListFields(t *testing.T) {
	h := newHarness(t)
	h.workflows.startErr = &workflow.ValidationError{Fields: []models.FieldError{
		{Field: "config.prompt", Message: "is required"},
		{Field: "config.video.duration_seconds", Message: "must be one of 4, 6, 8"},
	}}

	w := h.user(t, http.MethodPost, "/api/v1/workflows", imageOnlyBody)

	require.Equal(t, http.StatusBadRequest, w.Code)
	details := errObj(t, w)["details"].([]any)
	require.Len(t, details, 2)
	assert.Equal(t, "config.prompt", details[0].(map[string]any)["field"])
}

func TestEstimateWorkflow(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/workflows/estimate", imageOnlyBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7), data(t, w)["cost"])
}

func TestGetWorkflow(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodGet, "/api/v1/workflows/"+testWfID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, float64(50), d["progress"])
	assert.Equal(t, float64(7), d["total_cost"])

	w = h.user(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errObj(t, w)["code"])

	w = h.user(t, http.MethodGet, "/api/v1/workflows/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetWorkflow_OtherUsersWorkflow(t *testing.T) {
	h := newHarness(t)
	h.statuses.owner = uuid.New()

	w := h.user(t, http.MethodGet, "/api/v1/workflows/"+testWfID.String(), nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errObj(t, w)["code"])
}

func TestListWorkflows_Pagination(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodGet, "/api/v1/workflows?page=2&limit=20&status=COMPLETED&workflow_type=complete", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["page"])
	assert.Equal(t, float64(45), meta["total"])
	assert.Equal(t, true, meta["has_next"])
	assert.Len(t, body["data"], 1)

	f := h.statuses.lastFilter
	assert.Equal(t, testUserID, f.UserID)
	assert.Equal(t, "COMPLETED", f.Status)
	assert.Equal(t, models.WorkflowComplete, f.Type)
}

func TestListWorkflows_ClampsAndValidates(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodGet, "/api/v1/workflows?limit=5000&page=-3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, h.statuses.lastFilter.Limit)
	assert.Equal(t, 1, h.statuses.lastFilter.Page)

	w = h.user(t, http.MethodGet, "/api/v1/workflows?workflow_type=slideshow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/workflows/"+testWfID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, w)["cancel_requested"])

	h.workflows.cancelErr = fmt.Errorf("%w: workflow is COMPLETED", workflow.ErrInvalidTransition)
	w = h.user(t, http.MethodPost, "/api/v1/workflows/"+testWfID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errObj(t, w)["code"])
}

// ─── credits ─────────────────────────────────────────────────────────────────

func TestGetCredits(t *testing.T) {
	h := newHarness(t)
	h.credits.balance = 93

	w := h.user(t, http.MethodGet, "/api/v1/credits", nil)

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, float64(93), d["credits"])
	assert.Equal(t, float64(7), d["credits_used"])
	assert.Len(t, d["transactions"], 1)
}

func TestDebit(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/credits/debit", map[string]any{
		"amount":   5,
		"reason":   "export",
		"metadata": map[string]string{"format": "mp4"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, float64(95), d["remaining_credits"])
	assert.Equal(t, "01HTX", d["transaction_id"])
	assert.Equal(t, testUserID, h.credits.lastDebit.UserID)
	assert.Equal(t, "mp4", h.credits.lastDebit.Metadata["format"])
}

func TestDebit_IdempotencyHeaderFallback(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/debit",
		strings.NewReader(`{"amount":1,"reason":"export"}`))
	req.Header.Set("Authorization", "Bearer "+h.userToken)
	req.Header.Set("Idempotency-Key", "export-42")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api:export-42", h.credits.lastDebit.IdempotencyKey)
}

func TestDebit_ClientKeyCannotTakeStepKey(t *testing.T) {
	h := newHarness(t)
	stepKey := uuid.NewString() + ":generate_image"

	w := h.user(t, http.MethodPost, "/api/v1/credits/debit", map[string]any{
		"amount": 1, "reason": "export", "idempotency_key": stepKey,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api:"+stepKey, h.credits.lastDebit.IdempotencyKey)
}

func TestDebit_Rejections(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/credits/debit", map[string]any{"amount": 0, "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.user(t, http.MethodPost, "/api/v1/credits/debit", map[string]any{"amount": 1, "reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.user(t, http.MethodPost, "/api/v1/credits/debit", map[string]any{"amount": 500, "reason": "x"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", errObj(t, w)["code"])
}

// ─── credentials ─────────────────────────────────────────────────────────────

func TestPutCredential_NeverEchoesKey(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPut, "/api/v1/credentials/openai", map[string]any{"api_key": "  sk-live-abc123  "})

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-live-abc123")
	d := data(t, w)
	assert.Equal(t, "openai", d["provider"])
	assert.Equal(t, models.ValidationUnchecked, d["validation_status"])
	assert.Equal(t, "sk-live-abc123", h.credentials.received)
}

func TestPutCredential_Rejections(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPut, "/api/v1/credentials/midjourney", map[string]any{"api_key": "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.user(t, http.MethodPut, "/api/v1/credentials/openai", map[string]any{"api_key": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.user(t, http.MethodPut, "/api/v1/credentials/openai", map[string]any{"api_key": strings.Repeat("k", 5000)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.credentials.received)
}

// ─── admin ───────────────────────────────────────────────────────────────────

func TestAdmin_CreateUser(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"email": "Ada@Example.com", "initial_credits": 100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := data(t, w)
	assert.Equal(t, "ada@example.com", d["email"])

	id := uuid.MustParse(d["id"].(string))
	u, err := h.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 100, u.Credits)
	assert.Equal(t, 100, u.InitialCredits)

	w = h.admin(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"email": "ada@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.admin(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.admin(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"email": "b@example.com", "initial_credits": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_GrantCredits(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPost, "/api/v1/admin/credits/"+testUserID.String()+"/grant",
		map[string]any{"amount": 50, "reason": "promo"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(150), data(t, w)["remaining_credits"])
	assert.Equal(t, "promo", h.credits.lastGrant.Reason)

	w = h.admin(t, http.MethodPost, "/api/v1/admin/credits/"+uuid.NewString()+"/grant",
		map[string]any{"amount": 50, "reason": "promo"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_GrantRequiresAdminKey(t *testing.T) {
	h := newHarness(t)

	w := h.user(t, http.MethodPost, "/api/v1/admin/credits/"+testUserID.String()+"/grant",
		map[string]any{"amount": 50, "reason": "promo"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{"name": "ci", "scopes": []string{"admin"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := data(t, w)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, created["key_prefix"].(string)))

	// The new key works.
	w = h.do(t, http.MethodGet, "/api/v1/admin/keys", raw, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), raw)
	assert.Len(t, decode(t, w)["data"], 2)

	w = h.admin(t, http.MethodDelete, "/api/v1/admin/keys/"+created["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/admin/keys", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.admin(t, http.MethodDelete, "/api/v1/admin/keys/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_CreateKeyValidation(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.admin(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", data(t, w)["status"])
}

func TestHealth_Degraded(t *testing.T) {
	hf := handler.NewHealthHandler(pinger{}, pinger{err: errors.New("redis down")})

	w := httptest.NewRecorder()
	hf(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	e := errObj(t, w)
	assert.Equal(t, "DEGRADED", e["code"])
	assert.Equal(t, "degraded", e["details"].(map[string]any)["cache"])
	assert.Equal(t, "ok", e["details"].(map[string]any)["database"])
}
