// Package ledger is the only writer of user credit balances. Every balance
// change is paired with an append-only transaction row committed in the same
// database transaction.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different amount")
)

// Store is the slice of store.Store the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ApplyCreditTransaction(ctx context.Context, txn *models.CreditTransaction) (*models.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	SumCreditTransactions(ctx context.Context, userID uuid.UUID) (store.LedgerTotals, error)
}

// DebitRequest removes Amount credits from UserID. A non-empty
// IdempotencyKey makes retries safe: a replay returns the first receipt.
type DebitRequest struct {
	UserID         uuid.UUID
	Amount         int
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

// CreditRequest adds Amount credits (top-ups, grants, refunds).
type CreditRequest struct {
	UserID         uuid.UUID
	Amount         int
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

type Receipt struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int    `json:"new_balance"`
	Replayed      bool   `json:"replayed,omitempty"`
}

type Balance struct {
	Credits     int `json:"credits"`
	CreditsUsed int `json:"credits_used"`
}

// Reconciliation compares a user's balance with the sum of their ledger.
type Reconciliation struct {
	UserID         uuid.UUID `json:"user_id"`
	InitialCredits int       `json:"initial_credits"`
	TotalCredits   int       `json:"total_credits"`
	TotalDebits    int       `json:"total_debits"`
	Transactions   int       `json:"transactions"`
	Expected       int       `json:"expected_balance"`
	Actual         int       `json:"actual_balance"`
	Drift          int       `json:"drift"`
	CreditsUsed    int       `json:"credits_used"`
	Balanced       bool      `json:"balanced"`
}

type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entropy io.Reader
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

func New(st Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		logger:  slog.Default(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newID returns a ULID. Monotonic entropy is not safe for concurrent use.
func (l *Ledger) newID(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
}

// CanAfford reports whether the user's current balance covers amount. It
// does not reserve anything.
func (l *Ledger) CanAfford(ctx context.Context, userID uuid.UUID, amount int) (bool, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return b.Credits >= amount, nil
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Balance{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return Balance{}, fmt.Errorf("loading user: %w", err)
	}
	return Balance{Credits: u.Credits, CreditsUsed: u.CreditsUsed}, nil
}

func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (Receipt, error) {
	r, err := l.apply(ctx, models.TransactionDebit, req.UserID, req.Amount, req.Reason, req.Metadata, req.IdempotencyKey)
	l.metrics.LedgerOperation("debit", req.Amount, err)
	return r, err
}

func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Receipt, error) {
	r, err := l.apply(ctx, models.TransactionCredit, req.UserID, req.Amount, req.Reason, req.Metadata, req.IdempotencyKey)
	l.metrics.LedgerOperation("credit", req.Amount, err)
	return r, err
}

func (l *Ledger) apply(ctx context.Context, typ models.TransactionType, userID uuid.UUID, amount int, reason string, metadata map[string]string, key string) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	now := time.Now().UTC()
	txn := &models.CreditTransaction{
		ID:        l.newID(now),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		Reason:    reason,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if key != "" {
		txn.IdempotencyKey = &key
	}

	stored, err := l.store.ApplyCreditTransaction(ctx, txn)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Receipt{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	case errors.Is(err, store.ErrInsufficientBalance):
		return Receipt{}, fmt.Errorf("%w: need %d", ErrInsufficientCredits, amount)
	case errors.Is(err, store.ErrIdempotencyMismatch):
		return Receipt{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	case err != nil:
		return Receipt{}, fmt.Errorf("applying %s: %w", typ, err)
	}

	replayed := stored.ID != txn.ID
	if replayed {
		l.logger.Info("ledger replay", "user_id", userID, "idempotency_key", key, "transaction_id", stored.ID)
	} else {
		l.logger.Info("ledger entry",
			"user_id", userID, "type", typ, "amount", amount, "balance_after", stored.BalanceAfter, "transaction_id", stored.ID)
	}
	return Receipt{TransactionID: stored.ID, NewBalance: stored.BalanceAfter, Replayed: replayed}, nil
}

// Transactions returns the user's most recent entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if _, err := l.Balance(ctx, userID); err != nil {
		return nil, err
	}
	txns, err := l.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txns, nil
}

// Reconcile checks initial + credits - debits == balance for one user.
func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) (Reconciliation, error) {
	u, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Reconciliation{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return Reconciliation{}, fmt.Errorf("loading user: %w", err)
	}

	totals, err := l.store.SumCreditTransactions(ctx, userID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("summing transactions: %w", err)
	}

	r := Reconciliation{
		UserID:         userID,
		InitialCredits: u.InitialCredits,
		TotalCredits:   totals.Credits,
		TotalDebits:    totals.Debits,
		Transactions:   totals.Count,
		Expected:       u.InitialCredits + totals.Credits - totals.Debits,
		Actual:         u.Credits,
		CreditsUsed:    u.CreditsUsed,
	}
	r.Drift = r.Actual - r.Expected
	r.Balanced = r.Drift == 0 && r.CreditsUsed == r.TotalDebits
	if !r.Balanced {
		l.logger.Error("ledger drift detected",
			"user_id", userID, "expected", r.Expected, "actual", r.Actual, "credits_used", r.CreditsUsed, "debits", r.TotalDebits)
	}
	return r, nil
}
