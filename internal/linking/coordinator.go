package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/ids"
	"vitrine.store/internal/obs"
	"vitrine.store/internal/session"
)

const (
	defaultReauthTTL         = 10 * time.Minute
	defaultReauthMaxAttempts = 3
	defaultEmailTTL          = 15 * time.Minute
	defaultEmailMaxAttempts  = 5
	defaultLoginFreshness    = 15 * time.Minute
	defaultCallTimeout       = 3 * time.Second
	verificationCodeLength   = 6
)

// SessionValidator resolves a bearer session token into a subject identity.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (subjectID string, active bool, err error)
}

// TokenSessionValidator validates tokens issued by the session package.
type TokenSessionValidator struct{}

var _ SessionValidator = TokenSessionValidator{}

func (TokenSessionValidator) Validate(_ context.Context, token string) (string, bool, error) {
	claims, err := session.ParseAndValidate(token)
	if err != nil {
		return "", false, err
	}
	return claims.Subject, claims.Active(), nil
}

// IdentityDirectory answers the signals that decide whether a linking attempt
// needs a re-authentication challenge.
type IdentityDirectory interface {
	// ActiveConnectionCount counts the subject's non-disconnected external
	// identity connections.
	ActiveConnectionCount(ctx context.Context, subjectID string) (int, error)
	// LastSuccessfulLogin returns the zero time when no successful login is
	// recorded.
	LastSuccessfulLogin(ctx context.Context, subjectID string) (time.Time, error)
}

// StaticDirectory answers directory queries with fixed values. Deployments
// without an identity backend use the zero value, whose zero last-login time
// routes every linking attempt through re-authentication. FreshLogin is for
// local development only: it reports a just-now login so the direct path
// stays reachable without a login history.
type StaticDirectory struct {
	Connections int
	LastLogin   time.Time
	FreshLogin  bool
}

var _ IdentityDirectory = StaticDirectory{}

func (d StaticDirectory) ActiveConnectionCount(context.Context, string) (int, error) {
	return d.Connections, nil
}

func (d StaticDirectory) LastSuccessfulLogin(context.Context, string) (time.Time, error) {
	if d.FreshLogin {
		return time.Now().UTC(), nil
	}
	return d.LastLogin, nil
}

// Coordinator orchestrates session validation, the conditional reauth
// challenge, the conditional email verification, and final linking approval.
// Every successful or failed transition writes exactly one audit entry.
type Coordinator struct {
	store     Store
	sink      audit.Sink
	sessions  SessionValidator
	directory IdentityDirectory
	auth      Authenticator
	mailer    Mailer

	now         func() time.Time
	callTimeout time.Duration

	reauthTTL         time.Duration
	reauthMaxAttempts int
	emailTTL          time.Duration
	emailMaxAttempts  int
	loginFreshness    time.Duration
}

// CoordinatorOption configures Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the time source (useful for tests).
func WithCoordinatorClock(fn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLinkingCallTimeout bounds every store, directory, authenticator and
// mailer call.
func WithLinkingCallTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithReauthPolicy overrides challenge lifetime and attempt budget.
func WithReauthPolicy(ttl time.Duration, maxAttempts int) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.reauthTTL = ttl
		}
		if maxAttempts > 0 {
			c.reauthMaxAttempts = maxAttempts
		}
	}
}

// WithEmailPolicy overrides email verification lifetime and attempt budget.
func WithEmailPolicy(ttl time.Duration, maxAttempts int) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.emailTTL = ttl
		}
		if maxAttempts > 0 {
			c.emailMaxAttempts = maxAttempts
		}
	}
}

// WithLoginFreshness overrides how recent a successful login must be to skip
// the reauth challenge.
func WithLoginFreshness(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.loginFreshness = d
		}
	}
}

// NewCoordinator constructs the account-linking security coordinator with its
// collaborators injected. None of them may be nil except the mailer, which
// defaults to the log mailer.
func NewCoordinator(store Store, sink audit.Sink, sessions SessionValidator, directory IdentityDirectory, auth Authenticator, mailer Mailer, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil || sink == nil || sessions == nil || directory == nil || auth == nil {
		return nil, errors.New("linking: store, sink, sessions, directory and authenticator are required")
	}
	if mailer == nil {
		mailer = LogMailer{}
	}
	c := &Coordinator{
		store:             store,
		sink:              sink,
		sessions:          sessions,
		directory:         directory,
		auth:              auth,
		mailer:            mailer,
		now:               time.Now,
		callTimeout:       defaultCallTimeout,
		reauthTTL:         defaultReauthTTL,
		reauthMaxAttempts: defaultReauthMaxAttempts,
		emailTTL:          defaultEmailTTL,
		emailMaxAttempts:  defaultEmailMaxAttempts,
		loginFreshness:    defaultLoginFreshness,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initiate validates the session and starts the linking flow, deciding which
// verification steps the request requires.
func (c *Coordinator) Initiate(ctx context.Context, req Request, sessionToken string) (Outcome, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" || strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.ProviderUserID) == "" {
		return Outcome{}, fmt.Errorf("%w: subject, provider and provider user id are required", ErrVerificationInvalid)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	subjectID, active, err := c.sessions.Validate(callCtx, sessionToken)
	if err != nil || subjectID != req.SubjectID || !active {
		c.record(ctx, "linking.session.rejected", req.SubjectID, false, map[string]any{
			"provider": req.Provider,
			"reason":   "invalid or expired session",
		})
		obs.ObserveChallenge("session", "rejected")
		return Outcome{}, ErrSessionInvalid
	}

	if c.requiresReauth(callCtx, req) {
		return c.createChallenge(ctx, req)
	}
	if req.RequireEmailVerification && req.ProviderEmail != "" {
		return c.createEmailVerification(ctx, req, "")
	}
	return c.createVerification(ctx, req, "", "")
}

// requiresReauth is an OR of conservative conditions: any ambiguous signal
// resolves to requiring stronger proof.
func (c *Coordinator) requiresReauth(ctx context.Context, req Request) bool {
	if req.ForceReauth {
		return true
	}
	connections, err := c.directory.ActiveConnectionCount(ctx, req.SubjectID)
	if err != nil || connections > 0 {
		return true
	}
	lastLogin, err := c.directory.LastSuccessfulLogin(ctx, req.SubjectID)
	if err != nil || lastLogin.IsZero() {
		return true
	}
	return c.now().Sub(lastLogin) > c.loginFreshness
}

func (c *Coordinator) createChallenge(ctx context.Context, req Request) (Outcome, error) {
	method := req.PreferredMethod
	if method == "" {
		method = MethodPassword
	}
	now := c.now().UTC()
	ch := &Challenge{
		ID:          ids.New(),
		SubjectID:   req.SubjectID,
		Type:        ChallengeTypeReauth,
		Status:      ChallengePending,
		Method:      method,
		ExpiresAt:   now.Add(c.reauthTTL),
		MaxAttempts: c.reauthMaxAttempts,
		CreatedAt:   now,
		Request:     req,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.CreateChallenge(callCtx, ch); err != nil {
		c.record(ctx, "linking.challenge.create_failed", req.SubjectID, false, map[string]any{
			"provider": req.Provider,
		})
		obs.ObserveChallenge("reauth", "error")
		return Outcome{}, fmt.Errorf("%w: create challenge: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.challenge.created", req.SubjectID, true, map[string]any{
		"challenge_id": ch.ID,
		"provider":     req.Provider,
		"method":       string(method),
	})
	obs.ObserveChallenge("reauth", "created")
	return Outcome{Code: CodeReauthRequired, ChallengeID: ch.ID}, nil
}

func (c *Coordinator) createEmailVerification(ctx context.Context, req Request, challengeID string) (Outcome, error) {
	code, err := GenerateCode(verificationCodeLength)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: generate code: %v", ErrBackendUnavailable, err)
	}
	now := c.now().UTC()
	v := &EmailVerification{
		ID:          ids.New(),
		SubjectID:   req.SubjectID,
		Email:       req.ProviderEmail,
		CodeHash:    HashCode(code),
		Status:      VerificationPending,
		ExpiresAt:   now.Add(c.emailTTL),
		MaxAttempts: c.emailMaxAttempts,
		CreatedAt:   now,
		ChallengeID: challengeID,
		Request:     req,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.CreateEmailVerification(callCtx, v); err != nil {
		c.record(ctx, "linking.email.create_failed", req.SubjectID, false, map[string]any{
			"provider": req.Provider,
		})
		obs.ObserveChallenge("email", "error")
		return Outcome{}, fmt.Errorf("%w: create email verification: %v", ErrBackendUnavailable, err)
	}

	body := fmt.Sprintf("Your %s account linking code is %s. It expires in %d minutes.",
		req.Provider, code, int(c.emailTTL.Minutes()))
	if err := c.mailer.Send(callCtx, v.Email, "Confirm your account link", body); err != nil {
		c.record(ctx, "linking.email.dispatch_failed", req.SubjectID, false, map[string]any{
			"verification_id": v.ID,
			"provider":        req.Provider,
		})
		obs.ObserveChallenge("email", "error")
		return Outcome{}, fmt.Errorf("%w: dispatch verification mail: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.email.dispatched", req.SubjectID, true, map[string]any{
		"verification_id": v.ID,
		"provider":        req.Provider,
	})
	obs.ObserveChallenge("email", "created")
	return Outcome{Code: CodeEmailVerificationRequired, VerificationID: v.ID}, nil
}

func (c *Coordinator) createVerification(ctx context.Context, req Request, challengeID, emailVerificationID string) (Outcome, error) {
	now := c.now().UTC()
	v := &Verification{
		ID:                  ids.New(),
		SubjectID:           req.SubjectID,
		Provider:            req.Provider,
		ProviderUserID:      req.ProviderUserID,
		ProviderEmail:       req.ProviderEmail,
		Status:              LinkingVerified,
		RequiredReauth:      challengeID != "",
		RequiredEmail:       emailVerificationID != "",
		ChallengeID:         challengeID,
		EmailVerificationID: emailVerificationID,
		CreatedAt:           now,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.CreateVerification(callCtx, v); err != nil {
		c.record(ctx, "linking.verification.create_failed", req.SubjectID, false, map[string]any{
			"provider": req.Provider,
		})
		obs.ObserveChallenge("linking", "error")
		return Outcome{}, fmt.Errorf("%w: create linking verification: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.verified", req.SubjectID, true, map[string]any{
		"linking_id": v.ID,
		"provider":   v.Provider,
	})
	obs.ObserveChallenge("linking", "verified")
	return Outcome{Code: CodeOK, LinkingID: v.ID}, nil
}

// ValidateReauthChallenge checks the response against the stored credential
// and, on success, advances the linking flow to its next required step.
func (c *Coordinator) ValidateReauthChallenge(ctx context.Context, challengeID, response string, method Method) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	ch, err := c.store.Challenge(callCtx, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.record(ctx, "linking.challenge.rejected", "", false, map[string]any{
				"challenge_id": challengeID,
				"reason":       "not found",
			})
			obs.ObserveChallenge("reauth", "rejected")
			return Outcome{}, ErrChallengeNotFound
		}
		return Outcome{}, fmt.Errorf("%w: load challenge: %v", ErrBackendUnavailable, err)
	}

	if ch.Type != ChallengeTypeReauth || ch.Method != method {
		return c.rejectChallenge(ctx, ch, "wrong type or method", ErrVerificationInvalid)
	}
	switch ch.Status {
	case ChallengePending:
	case ChallengeExpired:
		return c.rejectChallenge(ctx, ch, "expired", ErrChallengeExpired)
	default:
		return c.rejectChallenge(ctx, ch, "not pending", ErrVerificationInvalid)
	}
	if c.now().After(ch.ExpiresAt) {
		// Mark expired; a concurrent transition losing this race is fine, the
		// challenge is unusable either way.
		if _, err := c.store.TransitionChallenge(callCtx, ch.ID, ChallengePending, ChallengeExpired, 0); err != nil && !errors.Is(err, ErrConflict) {
			return Outcome{}, fmt.Errorf("%w: expire challenge: %v", ErrBackendUnavailable, err)
		}
		return c.rejectChallenge(ctx, ch, "expired", ErrChallengeExpired)
	}
	if ch.AttemptCount >= ch.MaxAttempts {
		return c.rejectChallenge(ctx, ch, "attempts exhausted", ErrChallengeAttemptsExhausted)
	}

	ok, err := c.auth.Verify(callCtx, ch.SubjectID, method, response)
	if err != nil {
		c.record(ctx, "linking.challenge.rejected", ch.SubjectID, false, map[string]any{
			"challenge_id": ch.ID,
			"reason":       "challenge validation failed",
		})
		obs.ObserveChallenge("reauth", "error")
		return Outcome{}, fmt.Errorf("%w: verify response: %v", ErrBackendUnavailable, err)
	}

	if !ok {
		updated, terr := c.store.TransitionChallenge(callCtx, ch.ID, ChallengePending, ChallengePending, 1)
		switch {
		case terr == nil && updated.AttemptCount >= updated.MaxAttempts:
			return c.rejectChallenge(ctx, updated, "attempts exhausted", ErrChallengeAttemptsExhausted)
		case errors.Is(terr, ErrAttemptLimit):
			return c.rejectChallenge(ctx, ch, "attempts exhausted", ErrChallengeAttemptsExhausted)
		case errors.Is(terr, ErrConflict), errors.Is(terr, ErrNotFound):
			return c.rejectChallenge(ctx, ch, "not pending", ErrVerificationInvalid)
		case terr != nil:
			return Outcome{}, fmt.Errorf("%w: record attempt: %v", ErrBackendUnavailable, terr)
		}
		return c.rejectChallenge(ctx, ch, "invalid response", ErrVerificationInvalid)
	}

	// Single atomic winner: of two concurrent correct responses only one
	// completes the challenge.
	if _, err := c.store.TransitionChallenge(callCtx, ch.ID, ChallengePending, ChallengeCompleted, 0); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return c.rejectChallenge(ctx, ch, "not pending", ErrVerificationInvalid)
		}
		return Outcome{}, fmt.Errorf("%w: complete challenge: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.challenge.completed", ch.SubjectID, true, map[string]any{
		"challenge_id": ch.ID,
		"provider":     ch.Request.Provider,
	})
	obs.ObserveChallenge("reauth", "completed")

	req := ch.Request
	if req.RequireEmailVerification && req.ProviderEmail != "" {
		return c.createEmailVerification(ctx, req, ch.ID)
	}
	return c.createVerification(ctx, req, ch.ID, "")
}

func (c *Coordinator) rejectChallenge(ctx context.Context, ch *Challenge, reason string, err error) (Outcome, error) {
	c.record(ctx, "linking.challenge.rejected", ch.SubjectID, false, map[string]any{
		"challenge_id": ch.ID,
		"reason":       reason,
	})
	obs.ObserveChallenge("reauth", "rejected")
	return Outcome{}, err
}

// ValidateEmailVerification checks the submitted code in constant time and,
// on success, creates the linking verification record.
func (c *Coordinator) ValidateEmailVerification(ctx context.Context, verificationID, code string) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	v, err := c.store.EmailVerification(callCtx, verificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.record(ctx, "linking.email.rejected", "", false, map[string]any{
				"verification_id": verificationID,
				"reason":          "not found",
			})
			obs.ObserveChallenge("email", "rejected")
			return Outcome{}, ErrChallengeNotFound
		}
		return Outcome{}, fmt.Errorf("%w: load email verification: %v", ErrBackendUnavailable, err)
	}

	switch v.Status {
	case VerificationPending:
	case VerificationExpired:
		return c.rejectEmail(ctx, v, "expired", ErrChallengeExpired)
	default:
		return c.rejectEmail(ctx, v, "not pending", ErrVerificationInvalid)
	}
	if c.now().After(v.ExpiresAt) {
		if _, err := c.store.TransitionEmailVerification(callCtx, v.ID, VerificationPending, VerificationExpired, 0); err != nil && !errors.Is(err, ErrConflict) {
			return Outcome{}, fmt.Errorf("%w: expire email verification: %v", ErrBackendUnavailable, err)
		}
		return c.rejectEmail(ctx, v, "expired", ErrChallengeExpired)
	}
	if v.AttemptCount >= v.MaxAttempts {
		return c.rejectEmail(ctx, v, "attempts exhausted", ErrChallengeAttemptsExhausted)
	}

	if !CompareCodeHash(v.CodeHash, code) {
		updated, terr := c.store.TransitionEmailVerification(callCtx, v.ID, VerificationPending, VerificationPending, 1)
		switch {
		case terr == nil && updated.AttemptCount >= updated.MaxAttempts:
			return c.rejectEmail(ctx, updated, "attempts exhausted", ErrChallengeAttemptsExhausted)
		case errors.Is(terr, ErrAttemptLimit):
			return c.rejectEmail(ctx, v, "attempts exhausted", ErrChallengeAttemptsExhausted)
		case errors.Is(terr, ErrConflict), errors.Is(terr, ErrNotFound):
			return c.rejectEmail(ctx, v, "not pending", ErrVerificationInvalid)
		case terr != nil:
			return Outcome{}, fmt.Errorf("%w: record attempt: %v", ErrBackendUnavailable, terr)
		}
		return c.rejectEmail(ctx, v, "invalid code", ErrVerificationInvalid)
	}

	if _, err := c.store.TransitionEmailVerification(callCtx, v.ID, VerificationPending, VerificationVerified, 0); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return c.rejectEmail(ctx, v, "not pending", ErrVerificationInvalid)
		}
		return Outcome{}, fmt.Errorf("%w: verify email: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.email.verified", v.SubjectID, true, map[string]any{
		"verification_id": v.ID,
		"provider":        v.Request.Provider,
	})
	obs.ObserveChallenge("email", "verified")

	return c.createVerification(ctx, v.Request, v.ChallengeID, v.ID)
}

func (c *Coordinator) rejectEmail(ctx context.Context, v *EmailVerification, reason string, err error) (Outcome, error) {
	c.record(ctx, "linking.email.rejected", v.SubjectID, false, map[string]any{
		"verification_id": v.ID,
		"reason":          reason,
	})
	obs.ObserveChallenge("email", "rejected")
	return Outcome{}, err
}

// Complete approves the linking verification after re-deriving that every
// step the original request required has independently reached success.
// Completing an already-approved record is a no-op returning the record.
func (c *Coordinator) Complete(ctx context.Context, linkingID string) (*Verification, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	v, err := c.store.Verification(callCtx, linkingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.record(ctx, "linking.approve.rejected", "", false, map[string]any{
				"linking_id": linkingID,
				"reason":     "not found",
			})
			obs.ObserveChallenge("linking", "rejected")
			return nil, ErrVerificationInvalid
		}
		return nil, fmt.Errorf("%w: load linking verification: %v", ErrBackendUnavailable, err)
	}
	if v.Status == LinkingApproved {
		return v, nil
	}
	if v.Status != LinkingVerified {
		c.record(ctx, "linking.approve.rejected", v.SubjectID, false, map[string]any{
			"linking_id": v.ID,
			"reason":     "not verified",
		})
		obs.ObserveChallenge("linking", "rejected")
		return nil, ErrVerificationInvalid
	}

	if missing := c.outstandingStep(callCtx, v); missing != "" {
		c.record(ctx, "linking.approve.rejected", v.SubjectID, false, map[string]any{
			"linking_id": v.ID,
			"reason":     "incomplete",
			"missing":    missing,
		})
		obs.ObserveChallenge("linking", "rejected")
		return nil, &IncompleteError{MissingStep: missing}
	}

	approved, err := c.store.ApproveVerification(callCtx, v.ID, c.now().UTC())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost the race; if the winner approved it, report their result.
			if cur, lerr := c.store.Verification(callCtx, v.ID); lerr == nil && cur.Status == LinkingApproved {
				return cur, nil
			}
			return nil, ErrVerificationInvalid
		}
		return nil, fmt.Errorf("%w: approve linking: %v", ErrBackendUnavailable, err)
	}

	c.record(ctx, "linking.approved", approved.SubjectID, true, map[string]any{
		"linking_id": approved.ID,
		"provider":   approved.Provider,
	})
	obs.ObserveChallenge("linking", "approved")
	return approved, nil
}

// outstandingStep re-derives required-step completion from the stored
// sub-records rather than trusting caller-supplied flags. Returns the name of
// the first step still outstanding, or "" when all are satisfied.
func (c *Coordinator) outstandingStep(ctx context.Context, v *Verification) string {
	if v.RequiredReauth {
		ch, err := c.store.Challenge(ctx, v.ChallengeID)
		if err != nil || ch.SubjectID != v.SubjectID || ch.Status != ChallengeCompleted {
			return "reauth"
		}
	}
	if v.RequiredEmail {
		ev, err := c.store.EmailVerification(ctx, v.EmailVerificationID)
		if err != nil || ev.SubjectID != v.SubjectID || ev.Status != VerificationVerified {
			return "email-verification"
		}
	}
	return ""
}

// record writes one audit entry; sink failures are logged and never reverse
// the decision already made.
func (c *Coordinator) record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) {
	if err := c.sink.Record(ctx, eventType, subjectID, success, payload); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "audit record failed",
			"event": eventType,
		})
	}
}
