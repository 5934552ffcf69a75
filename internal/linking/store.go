package linking

import (
	"context"
	"time"
)

// Store persists challenge and verification records. Every status or counter
// mutation goes through an atomic transition method with optimistic
// concurrency: the transition fails with ErrConflict when the record is not in
// the expected status, and with ErrAttemptLimit when an increment would push
// the attempt counter past its maximum. Terminal statuses are never
// overwritten.
type Store interface {
	CreateChallenge(ctx context.Context, ch *Challenge) error
	Challenge(ctx context.Context, id string) (*Challenge, error)
	// TransitionChallenge atomically moves the challenge from expect to next
	// and applies attemptDelta in the same operation. Returns the updated
	// record.
	TransitionChallenge(ctx context.Context, id string, expect, next ChallengeStatus, attemptDelta int) (*Challenge, error)

	CreateEmailVerification(ctx context.Context, v *EmailVerification) error
	EmailVerification(ctx context.Context, id string) (*EmailVerification, error)
	TransitionEmailVerification(ctx context.Context, id string, expect, next VerificationStatus, attemptDelta int) (*EmailVerification, error)

	CreateVerification(ctx context.Context, v *Verification) error
	Verification(ctx context.Context, id string) (*Verification, error)
	// ApproveVerification transitions verified -> approved and stamps the
	// approval time, atomically.
	ApproveVerification(ctx context.Context, id string, approvedAt time.Time) (*Verification, error)
}
