package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrIntentNotFound         = errors.New("intent not found")
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrSignatureNotFound      = errors.New("signature not found")
	ErrDuplicateRecord        = errors.New("record already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrIntentAlreadyExecuting = errors.New("intent already executing")
	ErrRemoteUnavailable      = errors.New("remote ledger unavailable")
	ErrRemoteRejected         = errors.New("remote ledger rejected request")
	ErrAdvisoryUnavailable    = errors.New("advisory unavailable")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
