package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ValidationValid     = "valid"
	ValidationInvalid   = "invalid"
	ValidationUnchecked = "unchecked"
)

const (
	SchemeAESGCM       = "aes-256-gcm"
	SchemeLegacyAESCBC = "legacy-aes-256-cbc"
)

// EncryptedCredential is a third-party API key sealed at rest, one per (user, provider).
// The plaintext is never stored; the legacy scheme carries no auth tag.
type EncryptedCredential struct {
	ID               uuid.UUID `db:"id"                json:"id"`
	UserID           uuid.UUID `db:"user_id"           json:"user_id"`
	Provider         string    `db:"provider"          json:"provider"`
	EncryptedPayload []byte    `db:"encrypted_payload" json:"-"`
	IV               []byte    `db:"iv"                json:"-"`
	AuthTag          []byte    `db:"auth_tag"          json:"-"`
	Scheme           string    `db:"scheme"            json:"scheme"`
	ValidationStatus string    `db:"validation_status" json:"validation_status"`
	NeedsReview      bool      `db:"needs_review"      json:"needs_review"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}
