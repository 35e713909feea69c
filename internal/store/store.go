package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInsufficientBalance is returned when a debit would drive a balance negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrInvalidTransition is returned when a conditional status update matched no row.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrIdempotencyMismatch is returned when an idempotency key is reused with a different request.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	// ApplyCreditTransaction locks the user's balance row, applies the signed
	// amount, and appends txn, all in one transaction. BalanceAfter is filled in.
	// If txn carries an idempotency key that was already applied for the user,
	// the stored transaction is returned and nothing changes.
	ApplyCreditTransaction(ctx context.Context, txn *models.CreditTransaction) (*models.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	SumCreditTransactions(ctx context.Context, userID uuid.UUID) (LedgerTotals, error)

	UpsertCredential(ctx context.Context, cred *models.EncryptedCredential) error
	GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*models.EncryptedCredential, error)
	UpdateCredentialValidation(ctx context.Context, userID uuid.UUID, provider, status string) error
	ListCredentialsByScheme(ctx context.Context, scheme string, after uuid.UUID, limit int) ([]*models.EncryptedCredential, error)
	// ReplaceCredentialCiphertext swaps the sealed payload of id, provided its
	// scheme still equals fromScheme. Returns ErrNotFound otherwise.
	ReplaceCredentialCiphertext(ctx context.Context, id uuid.UUID, fromScheme string, sealed SealedPayload) error
	FlagCredentialForReview(ctx context.Context, id uuid.UUID) error

	CreateWorkflow(ctx context.Context, wf *models.WorkflowExecution) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowExecution, int, error)
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status string, opts ...WorkflowUpdateOption) error
	// UpdateWorkflowSteps persists step records, progress and actual cost of a RUNNING workflow.
	// Progress never moves backwards.
	UpdateWorkflowSteps(ctx context.Context, id uuid.UUID, steps []models.Step, progress, actualCost int) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// LedgerTotals are the summed transaction amounts for one user.
type LedgerTotals struct {
	Credits int
	Debits  int
	Count   int
}

// SealedPayload is the at-rest form of one credential.
type SealedPayload struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Scheme     string
}

type WorkflowFilter struct {
	UserID uuid.UUID
	Status string
	Type   models.WorkflowType
	Page   int
	Limit  int
}

func (f WorkflowFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// validTransitions lists the statuses reachable from each workflow status.
var validTransitions = map[string][]string{
	models.WorkflowStatusInitializing: {models.WorkflowStatusRunning, models.WorkflowStatusCancelled, models.WorkflowStatusFailed},
	models.WorkflowStatusRunning:      {models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled},
}

func transitionAllowed(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type workflowUpdateParams struct {
	FromStatus *string
	Error      *string
	Result     *models.WorkflowResult
	Progress   *int
	Steps      []models.Step
	ActualCost *int
}

type WorkflowUpdateOption func(*workflowUpdateParams)

// WithFromStatus makes the update conditional on the current status.
func WithFromStatus(status string) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.FromStatus = &status
	}
}

func WithError(msg string) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Error = &msg
	}
}

func WithResult(r models.WorkflowResult) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Result = &r
	}
}

func WithProgress(progress int) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Progress = &progress
	}
}

// WithSteps replaces the stored step records in the same update.
func WithSteps(steps []models.Step) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Steps = steps
	}
}

func WithActualCost(cost int) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.ActualCost = &cost
	}
}

func sameRequest(a, b *models.CreditTransaction) bool {
	return a.Type == b.Type && a.Amount == b.Amount
}
