package workflow

import (
	"errors"
	"strings"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

var (
	ErrValidation        = errors.New("invalid workflow configuration")
	ErrNotFound          = errors.New("workflow not found")
	ErrForbidden         = errors.New("workflow belongs to another user")
	ErrInvalidTransition = errors.New("invalid workflow transition")
)

// ValidationError lists every rejected field. It matches ErrValidation.
type ValidationError struct {
	Fields []models.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: []models.FieldError{{Field: field, Message: message}}}
}
