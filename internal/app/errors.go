package app

import (
	"errors"

	"github.com/bnp/benefit-service/internal/policy"
)

var (
	// ErrInvalidTransition means the operation is not legal from the record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrForbidden means a reactivation is blocked by the deactivation reason.
	ErrForbidden = errors.New("operation forbidden")

	ErrInvalidInput     = policy.ErrInvalidInput
	ErrInvalidOperation = policy.ErrInvalidOperation
)
