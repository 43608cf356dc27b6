package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")
)
