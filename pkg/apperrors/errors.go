package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrInvalidSession    = errors.New("invalid or expired session")
	ErrExecutionMismatch = errors.New("execution does not belong to session")
	ErrBatchTooLarge     = errors.New("batch exceeds maximum size")
	ErrNotClaimOwner     = errors.New("collector does not hold the claim")
	ErrInvalidInput      = errors.New("invalid input")
)
