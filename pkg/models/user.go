package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the subset of the user record the core reads and writes.
// Credits and CreditsUsed are mutated only through the ledger.
type User struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	Email          string    `db:"email"           json:"email"`
	Credits        int       `db:"credits"         json:"credits"`
	CreditsUsed    int       `db:"credits_used"    json:"credits_used"`
	InitialCredits int       `db:"initial_credits" json:"-"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}
