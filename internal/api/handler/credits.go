package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

const recentTransactions = 20

// Client-supplied idempotency keys are namespaced so they cannot collide
// with the keys the workflow engine bills steps under.
const (
	debitKeyPrefix = "api:"
	grantKeyPrefix = "grant:"
)

// Credits is what the credit handlers need from the ledger.
type Credits interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Receipt, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Receipt, error)
	Balance(ctx context.Context, userID uuid.UUID) (ledger.Balance, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type creditRequest struct {
	Amount         int               `json:"amount"`
	Reason         string            `json:"reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type receiptResponse struct {
	RemainingCredits int    `json:"remaining_credits"`
	TransactionID    string `json:"transaction_id"`
	Replayed         bool   `json:"replayed,omitempty"`
}

func decodeCredit(w http.ResponseWriter, r *http.Request, keyPrefix string) (creditRequest, bool) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return req, false
	}
	if req.Amount <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive integer", nil)
		return req, false
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required", nil)
		return req, false
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey != "" {
		req.IdempotencyKey = keyPrefix + req.IdempotencyKey
	}
	return req, true
}

// NewDebitHandler returns an http.HandlerFunc for POST /api/v1/credits/debit.
func NewDebitHandler(svc Credits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		req, ok := decodeCredit(w, r, debitKeyPrefix)
		if !ok {
			return
		}

		receipt, err := svc.Debit(r.Context(), ledger.DebitRequest{
			UserID:         userID,
			Amount:         req.Amount,
			Reason:         req.Reason,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, receiptResponse{
			RemainingCredits: receipt.NewBalance,
			TransactionID:    receipt.TransactionID,
			Replayed:         receipt.Replayed,
		})
	}
}

// NewGetCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewGetCreditsHandler(svc Credits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		txns, err := svc.Transactions(r.Context(), userID, recentTransactions)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"credits":      balance.Credits,
			"credits_used": balance.CreditsUsed,
			"transactions": txns,
		})
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for
// POST /api/v1/admin/credits/{userID}/grant.
func NewGrantCreditsHandler(svc Credits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a UUID", nil)
			return
		}
		req, ok := decodeCredit(w, r, grantKeyPrefix)
		if !ok {
			return
		}

		receipt, err := svc.Credit(r.Context(), ledger.CreditRequest{
			UserID:         userID,
			Amount:         req.Amount,
			Reason:         req.Reason,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, receiptResponse{
			RemainingCredits: receipt.NewBalance,
			TransactionID:    receipt.TransactionID,
			Replayed:         receipt.Replayed,
		})
	}
}
