package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, credits, credits_used, initial_credits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Credits, u.CreditsUsed, u.InitialCredits, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, credits, credits_used, initial_credits, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Credits, &u.CreditsUsed, &u.InitialCredits, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// --- Credit ledger ---

const creditTxnColumns = `id, user_id, type, amount, reason, metadata, idempotency_key, balance_after, created_at`

func (s *PostgresStore) ApplyCreditTransaction(ctx context.Context, txn *models.CreditTransaction) (*models.CreditTransaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin credit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock serialises every balance mutation for this user.
	var credits, used int
	err = tx.QueryRow(ctx,
		`SELECT credits, credits_used FROM users WHERE id = $1 FOR UPDATE`, txn.UserID,
	).Scan(&credits, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user balance: %w", err)
	}

	if txn.IdempotencyKey != nil {
		existing, err := scanCreditTxn(tx.QueryRow(ctx,
			`SELECT `+creditTxnColumns+` FROM credit_transactions
			 WHERE user_id = $1 AND idempotency_key = $2`, txn.UserID, *txn.IdempotencyKey))
		switch {
		case err == nil:
			if !sameRequest(existing, txn) {
				return nil, ErrIdempotencyMismatch
			}
			return existing, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	switch txn.Type {
	case models.TransactionDebit:
		if credits < txn.Amount {
			return nil, ErrInsufficientBalance
		}
		credits -= txn.Amount
		used += txn.Amount
	case models.TransactionCredit:
		credits += txn.Amount
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txn.Type)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = $2, credits_used = $3, updated_at = NOW() WHERE id = $1`,
		txn.UserID, credits, used); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	metadata, err := json.Marshal(nonNilMetadata(txn.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	out := *txn
	out.BalanceAfter = credits
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (`+creditTxnColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		out.ID, out.UserID, out.Type, out.Amount, out.Reason, metadata, out.IdempotencyKey,
		out.BalanceAfter, out.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit transaction: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+creditTxnColumns+` FROM credit_transactions
		 WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		t, err := scanCreditTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumCreditTransactions(ctx context.Context, userID uuid.UUID) (LedgerTotals, error) {
	var t LedgerTotals
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE type = 'CREDIT'), 0),
		        COALESCE(SUM(amount) FILTER (WHERE type = 'DEBIT'), 0),
		        COUNT(*)
		 FROM credit_transactions WHERE user_id = $1`, userID,
	).Scan(&t.Credits, &t.Debits, &t.Count)
	if err != nil {
		return LedgerTotals{}, fmt.Errorf("sum credit transactions: %w", err)
	}
	return t, nil
}

func scanCreditTxn(row pgx.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	var metadata []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reason, &metadata,
		&t.IdempotencyKey, &t.BalanceAfter, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// --- Credentials ---

const credentialColumns = `id, user_id, provider, encrypted_payload, iv, auth_tag, scheme,
	validation_status, needs_review, created_at, updated_at`

// UpsertCredential stores the sealed key for (user, provider), replacing any
// previous one. A replaced key starts over as unchecked.
func (s *PostgresStore) UpsertCredential(ctx context.Context, c *models.EncryptedCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO encrypted_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   encrypted_payload = EXCLUDED.encrypted_payload,
		   iv = EXCLUDED.iv,
		   auth_tag = EXCLUDED.auth_tag,
		   scheme = EXCLUDED.scheme,
		   validation_status = EXCLUDED.validation_status,
		   needs_review = FALSE,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.Provider, c.EncryptedPayload, c.IV, c.AuthTag, c.Scheme,
		c.ValidationStatus, c.NeedsReview, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*models.EncryptedCredential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM encrypted_credentials
		 WHERE user_id = $1 AND provider = $2`, userID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCredentialValidation(ctx context.Context, userID uuid.UUID, provider, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE encrypted_credentials SET validation_status = $3, updated_at = NOW()
		 WHERE user_id = $1 AND provider = $2`, userID, provider, status)
	if err != nil {
		return fmt.Errorf("update credential validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCredentialsByScheme(ctx context.Context, scheme string, after uuid.UUID, limit int) ([]*models.EncryptedCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM encrypted_credentials
		 WHERE scheme = $1 AND id > $2 ORDER BY id LIMIT $3`, scheme, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list credentials by scheme: %w", err)
	}
	defer rows.Close()

	var out []*models.EncryptedCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceCredentialCiphertext(ctx context.Context, id uuid.UUID, fromScheme string, sealed SealedPayload) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE encrypted_credentials
		 SET encrypted_payload = $3, iv = $4, auth_tag = $5, scheme = $6, needs_review = FALSE, updated_at = NOW()
		 WHERE id = $1 AND scheme = $2`,
		id, fromScheme, sealed.Ciphertext, sealed.IV, sealed.AuthTag, sealed.Scheme)
	if err != nil {
		return fmt.Errorf("replace credential ciphertext: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FlagCredentialForReview(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE encrypted_credentials SET needs_review = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("flag credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredential(row pgx.Row) (*models.EncryptedCredential, error) {
	var c models.EncryptedCredential
	if err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.EncryptedPayload, &c.IV, &c.AuthTag,
		&c.Scheme, &c.ValidationStatus, &c.NeedsReview, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Workflows ---

const workflowColumns = `id, user_id, project_id, workflow_type, config, status, progress, steps,
	estimated_cost, actual_cost, estimated_duration, cancel_requested, result, error,
	created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.WorkflowExecution) error {
	cfg, err := json.Marshal(wf.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_executions (id, user_id, project_id, workflow_type, config, status, progress, steps,
		   estimated_cost, actual_cost, estimated_duration, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		wf.ID, wf.UserID, wf.ProjectID, wf.Type, cfg, wf.Status, wf.Progress, steps,
		wf.EstimatedCost, wf.ActualCost, wf.EstimatedDuration, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowExecution, int, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("workflow_type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM workflow_executions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	limit, offset := filter.normalize()
	query := fmt.Sprintf(
		`SELECT %s FROM workflow_executions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		workflowColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

// UpdateWorkflowStatus moves a workflow to status. The write is conditional on
// the status read beforehand (or the WithFromStatus value), so two writers
// racing on the same row cannot both win.
func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status string, opts ...WorkflowUpdateOption) error {
	params := &workflowUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get workflow status: %w", err)
	}

	if params.FromStatus != nil && *params.FromStatus != current {
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, *params.FromStatus, current)
	}
	if !transitionAllowed(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	query := `UPDATE workflow_executions SET status = $3, updated_at = $4`
	args := []any{id, current, status, now}
	argIdx := 5

	if status == models.WorkflowStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.Error != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.Error)
		argIdx++
	}
	if params.Result != nil {
		result, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, result)
		argIdx++
	}
	if params.Progress != nil {
		query += fmt.Sprintf(", progress = GREATEST(progress, $%d)", argIdx)
		args = append(args, *params.Progress)
		argIdx++
	}
	if params.Steps != nil {
		steps, err := json.Marshal(params.Steps)
		if err != nil {
			return fmt.Errorf("encode steps: %w", err)
		}
		query += fmt.Sprintf(", steps = $%d", argIdx)
		args = append(args, steps)
		argIdx++
	}
	if params.ActualCost != nil {
		query += fmt.Sprintf(", actual_cost = $%d", argIdx)
		args = append(args, *params.ActualCost)
		argIdx++
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, current)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkflowSteps(ctx context.Context, id uuid.UUID, steps []models.Step, progress, actualCost int) error {
	encoded, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET steps = $2, progress = GREATEST(progress, $3), actual_cost = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, encoded, progress, actualCost, models.WorkflowStatusRunning)
	if err != nil {
		return fmt.Errorf("update workflow steps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_executions SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status = $2`, id, models.WorkflowStatusRunning)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM workflow_executions WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

func scanWorkflow(row pgx.Row) (*models.WorkflowExecution, error) {
	var (
		wf              models.WorkflowExecution
		cfg, steps, res []byte
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.ProjectID, &wf.Type, &cfg, &wf.Status, &wf.Progress, &steps,
		&wf.EstimatedCost, &wf.ActualCost, &wf.EstimatedDuration, &wf.CancelRequested, &res, &wf.Error,
		&wf.CreatedAt, &wf.StartedAt, &wf.CompletedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}

	config, err := models.DecodeConfig(wf.Type, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	wf.Config = config

	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if len(res) > 0 {
		wf.Result = &models.WorkflowResult{}
		if err := json.Unmarshal(res, wf.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &wf, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
