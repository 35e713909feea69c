package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// MigrationStore is the slice of store.Store the migrator needs.
type MigrationStore interface {
	ListCredentialsByScheme(ctx context.Context, scheme string, after uuid.UUID, limit int) ([]*models.EncryptedCredential, error)
	ReplaceCredentialCiphertext(ctx context.Context, id uuid.UUID, fromScheme string, sealed store.SealedPayload) error
	FlagCredentialForReview(ctx context.Context, id uuid.UUID) error
}

// MigrationReport summarises one migrator run.
type MigrationReport struct {
	Migrated   int         `json:"migrated"`
	Flagged    int         `json:"flagged"`
	Skipped    int         `json:"skipped"`
	FlaggedIDs []uuid.UUID `json:"flagged_ids,omitempty"`
}

// Migrator re-encrypts legacy CBC credentials under AES-256-GCM. A record is
// either fully replaced or left untouched and flagged for review.
type Migrator struct {
	store     MigrationStore
	legacy    *LegacyCipher
	cipher    *Cipher
	logger    *slog.Logger
	batchSize int
}

func NewMigrator(st MigrationStore, legacy *LegacyCipher, c *Cipher, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{store: st, legacy: legacy, cipher: c, logger: logger, batchSize: 100}
}

func (m *Migrator) Run(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	after := uuid.Nil

	for {
		batch, err := m.store.ListCredentialsByScheme(ctx, models.SchemeLegacyAESCBC, after, m.batchSize)
		if err != nil {
			return report, fmt.Errorf("list legacy credentials: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, cred := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			after = cred.ID

			if cred.NeedsReview {
				report.Skipped++
				continue
			}

			sealed, err := m.reseal(cred)
			if err != nil {
				m.logger.Warn("credential flagged for review",
					"credential_id", cred.ID, "user_id", cred.UserID, "provider", cred.Provider, "error", err)
				if ferr := m.store.FlagCredentialForReview(ctx, cred.ID); ferr != nil {
					return report, fmt.Errorf("flag credential %s: %w", cred.ID, ferr)
				}
				report.Flagged++
				report.FlaggedIDs = append(report.FlaggedIDs, cred.ID)
				continue
			}

			err = m.store.ReplaceCredentialCiphertext(ctx, cred.ID, models.SchemeLegacyAESCBC, sealed)
			if errors.Is(err, store.ErrNotFound) {
				// Rewritten by the user since it was listed.
				report.Skipped++
				continue
			}
			if err != nil {
				return report, fmt.Errorf("replace credential %s: %w", cred.ID, err)
			}
			report.Migrated++
		}
	}

	m.logger.Info("credential migration finished",
		"migrated", report.Migrated, "flagged", report.Flagged, "skipped", report.Skipped)
	return report, nil
}

// reseal decrypts one legacy record, re-encrypts it and proves the new
// ciphertext opens to the same bytes.
func (m *Migrator) reseal(cred *models.EncryptedCredential) (store.SealedPayload, error) {
	plain, err := m.legacy.Decrypt(cred.EncryptedPayload, cred.IV)
	if err != nil {
		return store.SealedPayload{}, err
	}
	defer wipe(plain)

	aad := AssociatedData(cred.UserID, cred.Provider)
	sealed, err := m.cipher.Encrypt(plain, aad)
	if err != nil {
		return store.SealedPayload{}, err
	}

	check, err := m.cipher.Decrypt(sealed, aad)
	if err != nil {
		return store.SealedPayload{}, fmt.Errorf("round-trip: %w", err)
	}
	defer check.Wipe()
	if !bytes.Equal(check.value, plain) {
		return store.SealedPayload{}, errors.New("round-trip mismatch")
	}

	return store.SealedPayload{
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		AuthTag:    sealed.AuthTag,
		Scheme:     models.SchemeAESGCM,
	}, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
