package authz

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationRequired = errors.New("authz: authentication required")
	ErrPermissionDenied       = errors.New("authz: permission denied")
	ErrBackendUnavailable     = errors.New("authz: backend unavailable")
	ErrInvalidInput           = errors.New("authz: invalid input")
)

// DeniedError carries the resource/action pair of a denied operation. It never
// includes backend details; those stay in the decision audit data.
type DeniedError struct {
	Resource string
	Action   string
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authz: %s on %s denied: %s", e.Action, e.Resource, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}
