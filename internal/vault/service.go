package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// CredentialStore is the slice of store.Store the vault needs.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred *models.EncryptedCredential) error
	GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*models.EncryptedCredential, error)
	UpdateCredentialValidation(ctx context.Context, userID uuid.UUID, provider, status string) error
}

// Service stores and resolves per-user provider credentials. There is
// deliberately no Delete: credential rows are kept for audit.
type Service struct {
	store   CredentialStore
	cipher  *Cipher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(st CredentialStore, c *Cipher, opts ...Option) *Service {
	s := &Service{store: st, cipher: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssociatedData is the GCM additional data binding a credential to its owner.
func AssociatedData(userID uuid.UUID, provider string) []byte {
	return []byte(userID.String() + ":" + provider)
}

// Put seals plaintext and stores it for (userID, provider), replacing any
// previous key. The stored record starts as unchecked.
func (s *Service) Put(ctx context.Context, userID uuid.UUID, provider string, plaintext Secret) (cred *models.EncryptedCredential, err error) {
	defer func() { s.metrics.VaultOperation("put", err) }()
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if plaintext.IsZero() {
		return nil, fmt.Errorf("credential value is required")
	}

	sealed, err := s.cipher.Encrypt(plaintext.value, AssociatedData(userID, provider))
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	now := time.Now().UTC()
	cred = &models.EncryptedCredential{
		ID:               uuid.New(),
		UserID:           userID,
		Provider:         provider,
		EncryptedPayload: sealed.Ciphertext,
		IV:               sealed.IV,
		AuthTag:          sealed.AuthTag,
		Scheme:           models.SchemeAESGCM,
		ValidationStatus: models.ValidationUnchecked,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	s.logger.Info("credential stored", "user_id", userID, "provider", provider)
	return cred, nil
}

// Resolve decrypts the credential for (userID, provider). The caller owns the
// returned Secret for the duration of one provider call and should Wipe it.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, provider string) (secret Secret, err error) {
	defer func() { s.metrics.VaultOperation("resolve", err) }()

	cred, err := s.store.GetCredential(ctx, userID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return Secret{}, fmt.Errorf("%w: %s", ErrMissingCredential, provider)
	}
	if err != nil {
		return Secret{}, fmt.Errorf("load credential: %w", err)
	}

	switch cred.Scheme {
	case models.SchemeAESGCM:
		secret, err := s.cipher.Decrypt(Sealed{
			Ciphertext: cred.EncryptedPayload,
			IV:         cred.IV,
			AuthTag:    cred.AuthTag,
		}, AssociatedData(userID, provider))
		if err != nil {
			s.logger.Warn("credential failed authentication", "user_id", userID, "provider", provider)
			return Secret{}, fmt.Errorf("%w: %s", err, provider)
		}
		return secret, nil
	case models.SchemeLegacyAESCBC:
		// Unauthenticated until genctl vault migrate re-seals it.
		s.logger.Warn("credential awaiting migration", "user_id", userID, "provider", provider)
		return Secret{}, fmt.Errorf("%w: %s uses legacy scheme", ErrAuthenticationFailed, provider)
	default:
		return Secret{}, fmt.Errorf("%w: unknown scheme %q", ErrAuthenticationFailed, cred.Scheme)
	}
}

// SetValidation records whether the provider accepted the key.
func (s *Service) SetValidation(ctx context.Context, userID uuid.UUID, provider, status string) error {
	switch status {
	case models.ValidationValid, models.ValidationInvalid, models.ValidationUnchecked:
	default:
		return fmt.Errorf("unknown validation status %q", status)
	}
	err := s.store.UpdateCredentialValidation(ctx, userID, provider, status)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrMissingCredential, provider)
	}
	return err
}
