package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/internal/workflow"
)

// FromError writes the envelope for a domain error. Unknown errors are
// logged and reported as 500 without their text.
func FromError(w http.ResponseWriter, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid workflow configuration", verr.Fields)
	case errors.Is(err, ledger.ErrInvalidAmount):
		Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", err.Error(), nil)
	case errors.Is(err, vault.ErrMissingCredential):
		Error(w, http.StatusPreconditionFailed, "MISSING_CREDENTIAL", err.Error(), nil)
	case errors.Is(err, vault.ErrAuthenticationFailed):
		Error(w, http.StatusUnprocessableEntity, "CREDENTIAL_AUTH_FAILED",
			"Stored credential could not be decrypted; submit it again", nil)
	case errors.Is(err, provider.ErrProviderUnavailable):
		Error(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, ledger.ErrUserNotFound):
		Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, workflow.ErrForbidden):
		Error(w, http.StatusForbidden, "FORBIDDEN", "Resource belongs to another user", nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		Error(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", err.Error(), nil)
	default:
		slog.Error("unhandled error", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
