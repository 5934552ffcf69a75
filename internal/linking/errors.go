package linking

import (
	"errors"
	"fmt"
)

var (
	// Store-level errors.
	ErrNotFound     = errors.New("linking: not found")
	ErrConflict     = errors.New("linking: status conflict")
	ErrAttemptLimit = errors.New("linking: attempt limit reached")

	// Flow-level errors surfaced by the coordinator.
	ErrSessionInvalid             = errors.New("linking: invalid or expired session")
	ErrChallengeNotFound          = errors.New("linking: challenge not found")
	ErrChallengeExpired           = errors.New("linking: challenge expired")
	ErrChallengeAttemptsExhausted = errors.New("linking: challenge attempts exhausted")
	ErrVerificationInvalid        = errors.New("linking: verification invalid")
	ErrVerificationIncomplete     = errors.New("linking: verification incomplete")
	ErrBackendUnavailable         = errors.New("linking: backend unavailable")
)

// IncompleteError names the verification step still outstanding when approval
// was requested.
type IncompleteError struct {
	MissingStep string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("linking: verification incomplete: %s step outstanding", e.MissingStep)
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrVerificationIncomplete
}
