package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// A single mutex stands in for Postgres row locks.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*models.User
	txns        map[uuid.UUID][]*models.CreditTransaction
	credentials map[uuid.UUID]*models.EncryptedCredential
	workflows   map[uuid.UUID]*models.WorkflowExecution
	apiKeys     map[uuid.UUID]*models.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*models.User),
		txns:        make(map[uuid.UUID][]*models.CreditTransaction),
		credentials: make(map[uuid.UUID]*models.EncryptedCredential),
		workflows:   make(map[uuid.UUID]*models.WorkflowExecution),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- Users ---

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateKey
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// --- Credit ledger ---

func (m *MemoryStore) ApplyCreditTransaction(ctx context.Context, txn *models.CreditTransaction) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[txn.UserID]
	if !ok {
		return nil, ErrNotFound
	}

	if txn.IdempotencyKey != nil {
		for _, existing := range m.txns[txn.UserID] {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *txn.IdempotencyKey {
				if !sameRequest(existing, txn) {
					return nil, ErrIdempotencyMismatch
				}
				return copyTxn(existing), nil
			}
		}
	}

	switch txn.Type {
	case models.TransactionDebit:
		if u.Credits < txn.Amount {
			return nil, ErrInsufficientBalance
		}
		u.Credits -= txn.Amount
		u.CreditsUsed += txn.Amount
	case models.TransactionCredit:
		u.Credits += txn.Amount
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txn.Type)
	}
	u.UpdatedAt = time.Now().UTC()

	stored := copyTxn(txn)
	stored.BalanceAfter = u.Credits
	m.txns[txn.UserID] = append(m.txns[txn.UserID], stored)
	return copyTxn(stored), nil
}

func (m *MemoryStore) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := m.txns[userID]
	out := make([]*models.CreditTransaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyTxn(all[i]))
	}
	return out, nil
}

func (m *MemoryStore) SumCreditTransactions(ctx context.Context, userID uuid.UUID) (LedgerTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t LedgerTotals
	for _, txn := range m.txns[userID] {
		if txn.Type == models.TransactionCredit {
			t.Credits += txn.Amount
		} else {
			t.Debits += txn.Amount
		}
		t.Count++
	}
	return t, nil
}

func copyTxn(t *models.CreditTransaction) *models.CreditTransaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.IdempotencyKey != nil {
		key := *t.IdempotencyKey
		cp.IdempotencyKey = &key
	}
	return &cp
}

// --- Credentials ---

func (m *MemoryStore) UpsertCredential(ctx context.Context, c *models.EncryptedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credentials {
		if existing.UserID == c.UserID && existing.Provider == c.Provider {
			existing.EncryptedPayload = bytes.Clone(c.EncryptedPayload)
			existing.IV = bytes.Clone(c.IV)
			existing.AuthTag = bytes.Clone(c.AuthTag)
			existing.Scheme = c.Scheme
			existing.ValidationStatus = c.ValidationStatus
			existing.NeedsReview = false
			existing.UpdatedAt = c.UpdatedAt
			return nil
		}
	}
	m.credentials[c.ID] = copyCredential(c)
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*models.EncryptedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.UserID == userID && c.Provider == provider {
			return copyCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateCredentialValidation(ctx context.Context, userID uuid.UUID, provider, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.UserID == userID && c.Provider == provider {
			c.ValidationStatus = status
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListCredentialsByScheme(ctx context.Context, scheme string, after uuid.UUID, limit int) ([]*models.EncryptedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EncryptedCredential
	for _, c := range m.credentials {
		if c.Scheme == scheme && bytes.Compare(c.ID[:], after[:]) > 0 {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReplaceCredentialCiphertext(ctx context.Context, id uuid.UUID, fromScheme string, sealed SealedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok || c.Scheme != fromScheme {
		return ErrNotFound
	}
	c.EncryptedPayload = bytes.Clone(sealed.Ciphertext)
	c.IV = bytes.Clone(sealed.IV)
	c.AuthTag = bytes.Clone(sealed.AuthTag)
	c.Scheme = sealed.Scheme
	c.NeedsReview = false
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FlagCredentialForReview(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.NeedsReview = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func copyCredential(c *models.EncryptedCredential) *models.EncryptedCredential {
	cp := *c
	cp.EncryptedPayload = bytes.Clone(c.EncryptedPayload)
	cp.IV = bytes.Clone(c.IV)
	cp.AuthTag = bytes.Clone(c.AuthTag)
	return &cp
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrDuplicateKey
	}
	m.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(wf), nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.WorkflowExecution
	for _, wf := range m.workflows {
		if wf.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.Type != "" && wf.Type != filter.Type {
			continue
		}
		matched = append(matched, wf)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	limit, offset := filter.normalize()
	if offset >= total {
		return []*models.WorkflowExecution{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*models.WorkflowExecution, 0, end-offset)
	for _, wf := range matched[offset:end] {
		out = append(out, copyWorkflow(wf))
	}
	return out, total, nil
}

func (m *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status string, opts ...WorkflowUpdateOption) error {
	params := &workflowUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if params.FromStatus != nil && *params.FromStatus != wf.Status {
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, *params.FromStatus, wf.Status)
	}
	if !transitionAllowed(wf.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, wf.Status, status)
	}

	now := time.Now().UTC()
	wf.Status = status
	wf.UpdatedAt = now
	if status == models.WorkflowStatusRunning {
		wf.StartedAt = &now
	}
	if models.IsTerminal(status) {
		wf.CompletedAt = &now
	}
	if params.Error != nil {
		msg := *params.Error
		wf.Error = &msg
	}
	if params.Result != nil {
		r := *params.Result
		wf.Result = &r
	}
	if params.Progress != nil && *params.Progress > wf.Progress {
		wf.Progress = *params.Progress
	}
	if params.Steps != nil {
		wf.Steps = copySteps(params.Steps)
	}
	if params.ActualCost != nil {
		wf.ActualCost = *params.ActualCost
	}
	return nil
}

func (m *MemoryStore) UpdateWorkflowSteps(ctx context.Context, id uuid.UUID, steps []models.Step, progress, actualCost int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.Status != models.WorkflowStatusRunning {
		return ErrInvalidTransition
	}
	wf.Steps = copySteps(steps)
	if progress > wf.Progress {
		wf.Progress = progress
	}
	wf.ActualCost = actualCost
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.Status != models.WorkflowStatusRunning {
		return ErrInvalidTransition
	}
	wf.CancelRequested = true
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return false, ErrNotFound
	}
	return wf.CancelRequested, nil
}

func copyWorkflow(wf *models.WorkflowExecution) *models.WorkflowExecution {
	cp := *wf
	cp.Steps = copySteps(wf.Steps)
	if wf.Result != nil {
		r := *wf.Result
		cp.Result = &r
	}
	if wf.Error != nil {
		e := *wf.Error
		cp.Error = &e
	}
	return &cp
}

func copySteps(steps []models.Step) []models.Step {
	out := make([]models.Step, len(steps))
	copy(out, steps)
	return out
}

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	m.apiKeys[key.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
