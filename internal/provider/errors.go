package provider

import "errors"

var (
	ErrProviderFailure     = errors.New("provider failure")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidResponse     = errors.New("provider returned invalid response")
	ErrCredentialRejected  = errors.New("provider rejected credential")
)
