package linking

import "time"

// ChallengeStatus is the lifecycle state of a re-authentication challenge.
// completed and expired are terminal and never overwritten.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeExpired   ChallengeStatus = "expired"
)

// Method identifies how a challenge response is verified.
type Method string

const (
	MethodPassword Method = "password"
	MethodEmail    Method = "email"
	MethodSMS      Method = "sms"
)

// ChallengeTypeReauth is the only challenge type the coordinator issues.
const ChallengeTypeReauth = "reauth"

// Request describes an account-linking attempt as received from the caller.
type Request struct {
	SubjectID                string `json:"subject_id"`
	Provider                 string `json:"provider"`
	ProviderUserID           string `json:"provider_user_id"`
	ProviderEmail            string `json:"provider_email,omitempty"`
	ForceReauth              bool   `json:"force_reauth,omitempty"`
	RequireEmailVerification bool   `json:"require_email_verification,omitempty"`
	PreferredMethod          Method `json:"preferred_method,omitempty"`
}

// Challenge is a time-boxed, attempt-limited re-authentication proof request.
// All mutation goes through the store's atomic transition primitive.
type Challenge struct {
	ID           string          `json:"id"`
	SubjectID    string          `json:"subject_id"`
	Type         string          `json:"type"`
	Status       ChallengeStatus `json:"status"`
	Method       Method          `json:"method"`
	ExpiresAt    time.Time       `json:"expires_at"`
	MaxAttempts  int             `json:"max_attempts"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`

	// Request carries the originating linking request so the flow can resume
	// after the challenge succeeds.
	Request Request `json:"request"`
}

// VerificationStatus is the lifecycle state of an email verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationExpired  VerificationStatus = "expired"
)

// EmailVerification proves control of the provider email address. Only a hash
// of the verification code is ever stored; the code itself is never logged.
type EmailVerification struct {
	ID           string             `json:"id"`
	SubjectID    string             `json:"subject_id"`
	Email        string             `json:"email"`
	CodeHash     string             `json:"code_hash"`
	Status       VerificationStatus `json:"status"`
	ExpiresAt    time.Time          `json:"expires_at"`
	MaxAttempts  int                `json:"max_attempts"`
	AttemptCount int                `json:"attempt_count"`
	CreatedAt    time.Time          `json:"created_at"`

	// ChallengeID references the reauth challenge that preceded this
	// verification, when one was required.
	ChallengeID string  `json:"challenge_id,omitempty"`
	Request     Request `json:"request"`
}

// LinkingStatus is the lifecycle state of the final linking record.
type LinkingStatus string

const (
	LinkingVerified LinkingStatus = "verified"
	LinkingApproved LinkingStatus = "approved"
)

// Verification is the account-linking record created once every required
// sub-verification succeeded. It transitions to approved only after the
// completeness check in Coordinator.Complete.
type Verification struct {
	ID             string        `json:"id"`
	SubjectID      string        `json:"subject_id"`
	Provider       string        `json:"provider"`
	ProviderUserID string        `json:"provider_user_id"`
	ProviderEmail  string        `json:"provider_email,omitempty"`
	Status         LinkingStatus `json:"status"`

	RequiredReauth      bool   `json:"required_reauth"`
	RequiredEmail       bool   `json:"required_email"`
	ChallengeID         string `json:"challenge_id,omitempty"`
	EmailVerificationID string `json:"email_verification_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ApprovedAt time.Time `json:"approved_at,omitempty"`
}

// Code is the caller-facing result of a coordinator operation.
type Code string

const (
	CodeOK                        Code = "OK"
	CodeReauthRequired            Code = "REAUTH_REQUIRED"
	CodeEmailVerificationRequired Code = "EMAIL_VERIFICATION_REQUIRED"
)

// Outcome is what a coordinator step returns to the operation invoker.
type Outcome struct {
	Code           Code   `json:"code"`
	ChallengeID    string `json:"challenge_id,omitempty"`
	VerificationID string `json:"verification_id,omitempty"`
	LinkingID      string `json:"linking_id,omitempty"`
}
