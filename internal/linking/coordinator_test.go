package linking

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"vitrine.store/internal/audit"
)

type stubSessions struct {
	subjectID string
	active    bool
	err       error
}

func (s stubSessions) Validate(context.Context, string) (string, bool, error) {
	return s.subjectID, s.active, s.err
}

type stubDirectory struct {
	connections    int
	connectionsErr error
	lastLogin      time.Time
	lastLoginErr   error
}

func (d stubDirectory) ActiveConnectionCount(context.Context, string) (int, error) {
	return d.connections, d.connectionsErr
}

func (d stubDirectory) LastSuccessfulLogin(context.Context, string) (time.Time, error) {
	return d.lastLogin, d.lastLoginErr
}

type stubAuth struct {
	correct string
	err     error
}

func (a stubAuth) Verify(_ context.Context, _ string, _ Method, response string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return response == a.correct, nil
}

type captureMailer struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (m *captureMailer) Send(_ context.Context, _, _, body string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		t.Fatal("no mail dispatched")
	}
	code := regexp.MustCompile(`\d{6}`).FindString(m.bodies[len(m.bodies)-1])
	if code == "" {
		t.Fatalf("no code found in mail body %q", m.bodies[len(m.bodies)-1])
	}
	return code
}

type fixture struct {
	store  *MemoryStore
	sink   *audit.Memory
	mailer *captureMailer
	clock  *time.Time
	coord  *Coordinator
}

func newFixture(t *testing.T, sessions SessionValidator, directory IdentityDirectory, auth Authenticator) *fixture {
	t.Helper()
	store := NewMemoryStore()
	sink := audit.NewMemory()
	mailer := &captureMailer{}
	now := time.Now().UTC()

	coord, err := NewCoordinator(store, sink, sessions, directory, auth, mailer,
		WithCoordinatorClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return &fixture{store: store, sink: sink, mailer: mailer, clock: &now, coord: coord}
}

func freshSession(subjectID string) stubSessions {
	return stubSessions{subjectID: subjectID, active: true}
}

func validRequest() Request {
	return Request{SubjectID: "u1", Provider: "google", ProviderUserID: "g1"}
}

func TestInitiateRejectsInvalidSession(t *testing.T) {
	f := newFixture(t, stubSessions{err: errors.New("bad token")}, stubDirectory{}, stubAuth{})

	_, err := f.coord.Initiate(context.Background(), validRequest(), "token")
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if got := len(f.sink.ByType("linking.session.rejected")); got != 1 {
		t.Fatalf("expected 1 session rejection audit entry, got %d", got)
	}
}

func TestInitiateRejectsSubjectMismatch(t *testing.T) {
	f := newFixture(t, freshSession("someone-else"), stubDirectory{}, stubAuth{})

	if _, err := f.coord.Initiate(context.Background(), validRequest(), "token"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestInitiateRejectsInactiveAccount(t *testing.T) {
	f := newFixture(t, stubSessions{subjectID: "u1", active: false}, stubDirectory{}, stubAuth{})

	if _, err := f.coord.Initiate(context.Background(), validRequest(), "token"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestInitiateExistingConnectionRequiresReauth(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1, lastLogin: time.Now()}, stubAuth{})

	out, err := f.coord.Initiate(context.Background(), validRequest(), "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeReauthRequired || out.ChallengeID == "" {
		t.Fatalf("expected REAUTH_REQUIRED with challenge id, got %+v", out)
	}
	if out.LinkingID != "" {
		t.Fatal("no linking verification record may exist yet")
	}

	ch, err := f.store.Challenge(context.Background(), out.ChallengeID)
	if err != nil {
		t.Fatalf("challenge not persisted: %v", err)
	}
	if ch.MaxAttempts != 3 || ch.Status != ChallengePending {
		t.Fatalf("unexpected challenge: %+v", ch)
	}
	if want := f.clock.Add(10 * time.Minute); !ch.ExpiresAt.Equal(want) {
		t.Fatalf("expected 10 minute expiry, got %v", ch.ExpiresAt)
	}
	if got := len(f.sink.ByType("linking.challenge.created")); got != 1 {
		t.Fatalf("expected 1 challenge-created audit entry, got %d", got)
	}
}

func TestInitiateStaleLoginRequiresReauth(t *testing.T) {
	stale := time.Now().Add(-30 * time.Minute)
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: stale}, stubAuth{})

	out, err := f.coord.Initiate(context.Background(), validRequest(), "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeReauthRequired {
		t.Fatalf("expected REAUTH_REQUIRED for stale login, got %s", out.Code)
	}
}

func TestInitiateDirectorySignalErrorIsConservative(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connectionsErr: errors.New("directory down")}, stubAuth{})

	out, err := f.coord.Initiate(context.Background(), validRequest(), "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeReauthRequired {
		t.Fatalf("ambiguous signal must require reauth, got %s", out.Code)
	}
}

func TestInitiateDirectPathCreatesVerifiedRecord(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})

	out, err := f.coord.Initiate(context.Background(), validRequest(), "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeOK || out.LinkingID == "" {
		t.Fatalf("expected OK with linking id, got %+v", out)
	}
	v, err := f.store.Verification(context.Background(), out.LinkingID)
	if err != nil {
		t.Fatalf("Verification: %v", err)
	}
	if v.Status != LinkingVerified || v.RequiredReauth || v.RequiredEmail {
		t.Fatalf("unexpected verification: %+v", v)
	}
}

func TestInitiateEmailPath(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})

	req := validRequest()
	req.RequireEmailVerification = true
	req.ProviderEmail = "u1@example.com"

	out, err := f.coord.Initiate(context.Background(), req, "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeEmailVerificationRequired || out.VerificationID == "" {
		t.Fatalf("expected EMAIL_VERIFICATION_REQUIRED, got %+v", out)
	}

	v, err := f.store.EmailVerification(context.Background(), out.VerificationID)
	if err != nil {
		t.Fatalf("EmailVerification: %v", err)
	}
	if v.MaxAttempts != 5 {
		t.Fatalf("expected 5 max attempts, got %d", v.MaxAttempts)
	}
	if want := f.clock.Add(15 * time.Minute); !v.ExpiresAt.Equal(want) {
		t.Fatalf("expected 15 minute expiry, got %v", v.ExpiresAt)
	}

	code := f.mailer.lastCode(t)
	if v.CodeHash == code {
		t.Fatal("store must hold a hash, not the plain code")
	}
	if !CompareCodeHash(v.CodeHash, code) {
		t.Fatal("dispatched code must match stored hash")
	}
}

func TestInitiateMailerFailureFailsStep(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})
	f.mailer.err = errors.New("smtp down")

	req := validRequest()
	req.RequireEmailVerification = true
	req.ProviderEmail = "u1@example.com"

	if _, err := f.coord.Initiate(context.Background(), req, "token"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func initiateReauth(t *testing.T, f *fixture, req Request) string {
	t.Helper()
	out, err := f.coord.Initiate(context.Background(), req, "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.Code != CodeReauthRequired {
		t.Fatalf("expected REAUTH_REQUIRED, got %s", out.Code)
	}
	return out.ChallengeID
}

func TestValidateReauthChallengeSuccess(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{correct: "hunter2"})
	req := validRequest()
	req.ForceReauth = true
	chID := initiateReauth(t, f, req)

	out, err := f.coord.ValidateReauthChallenge(context.Background(), chID, "hunter2", MethodPassword)
	if err != nil {
		t.Fatalf("ValidateReauthChallenge: %v", err)
	}
	if out.Code != CodeOK || out.LinkingID == "" {
		t.Fatalf("expected OK with linking id, got %+v", out)
	}

	ch, _ := f.store.Challenge(context.Background(), chID)
	if ch.Status != ChallengeCompleted {
		t.Fatalf("expected completed challenge, got %s", ch.Status)
	}
	v, err := f.store.Verification(context.Background(), out.LinkingID)
	if err != nil {
		t.Fatalf("Verification: %v", err)
	}
	if !v.RequiredReauth || v.ChallengeID != chID {
		t.Fatalf("verification must reference the completed challenge: %+v", v)
	}
	if got := len(f.sink.ByType("linking.challenge.completed")); got != 1 {
		t.Fatalf("expected 1 completion audit entry, got %d", got)
	}
}

func TestValidateReauthChallengeExhaustionIsPermanent(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{correct: "hunter2"})
	chID := initiateReauth(t, f, validRequest())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.coord.ValidateReauthChallenge(ctx, chID, "wrong", MethodPassword)
		if i < 2 && !errors.Is(err, ErrVerificationInvalid) {
			t.Fatalf("attempt %d: expected ErrVerificationInvalid, got %v", i, err)
		}
		if i == 2 && !errors.Is(err, ErrChallengeAttemptsExhausted) {
			t.Fatalf("limit-reaching attempt: expected ErrChallengeAttemptsExhausted, got %v", err)
		}
	}

	// Correct response after exhaustion is still rejected.
	if _, err := f.coord.ValidateReauthChallenge(ctx, chID, "hunter2", MethodPassword); !errors.Is(err, ErrChallengeAttemptsExhausted) {
		t.Fatalf("expected permanent exhaustion, got %v", err)
	}
	ch, _ := f.store.Challenge(ctx, chID)
	if ch.AttemptCount != 3 {
		t.Fatalf("expected counter capped at 3, got %d", ch.AttemptCount)
	}
}

func TestValidateReauthChallengeExpiry(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{correct: "hunter2"})
	chID := initiateReauth(t, f, validRequest())

	*f.clock = f.clock.Add(11 * time.Minute)

	if _, err := f.coord.ValidateReauthChallenge(context.Background(), chID, "hunter2", MethodPassword); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	ch, _ := f.store.Challenge(context.Background(), chID)
	if ch.Status != ChallengeExpired {
		t.Fatalf("expected challenge marked expired, got %s", ch.Status)
	}
}

func TestValidateReauthChallengeUnknownID(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{}, stubAuth{})
	if _, err := f.coord.ValidateReauthChallenge(context.Background(), "missing", "x", MethodPassword); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestValidateReauthChallengeMethodMismatch(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{correct: "hunter2"})
	chID := initiateReauth(t, f, validRequest())

	if _, err := f.coord.ValidateReauthChallenge(context.Background(), chID, "hunter2", MethodSMS); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expected ErrVerificationInvalid, got %v", err)
	}
}

func TestValidateReauthChallengeAuthenticatorFailureFailsClosed(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{err: errors.New("auth backend down")})
	chID := initiateReauth(t, f, validRequest())

	if _, err := f.coord.ValidateReauthChallenge(context.Background(), chID, "hunter2", MethodPassword); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	// A backend failure is not a guess; the attempt budget is untouched.
	ch, _ := f.store.Challenge(context.Background(), chID)
	if ch.AttemptCount != 0 {
		t.Fatalf("expected no attempt recorded, got %d", ch.AttemptCount)
	}
}

func TestReauthThenEmailChain(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{connections: 1}, stubAuth{correct: "hunter2"})

	req := validRequest()
	req.RequireEmailVerification = true
	req.ProviderEmail = "u1@example.com"
	chID := initiateReauth(t, f, req)

	ctx := context.Background()
	out, err := f.coord.ValidateReauthChallenge(ctx, chID, "hunter2", MethodPassword)
	if err != nil {
		t.Fatalf("ValidateReauthChallenge: %v", err)
	}
	if out.Code != CodeEmailVerificationRequired || out.VerificationID == "" {
		t.Fatalf("expected email step after reauth, got %+v", out)
	}

	code := f.mailer.lastCode(t)

	// One wrong code burns an attempt.
	if _, err := f.coord.ValidateEmailVerification(ctx, out.VerificationID, "999999"); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expected ErrVerificationInvalid, got %v", err)
	}

	final, err := f.coord.ValidateEmailVerification(ctx, out.VerificationID, code)
	if err != nil {
		t.Fatalf("ValidateEmailVerification: %v", err)
	}
	if final.Code != CodeOK || final.LinkingID == "" {
		t.Fatalf("expected OK, got %+v", final)
	}

	v, err := f.store.Verification(ctx, final.LinkingID)
	if err != nil {
		t.Fatalf("Verification: %v", err)
	}
	if !v.RequiredReauth || !v.RequiredEmail || v.ChallengeID != chID || v.EmailVerificationID != out.VerificationID {
		t.Fatalf("verification must reference both steps: %+v", v)
	}

	approved, err := f.coord.Complete(ctx, final.LinkingID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if approved.Status != LinkingApproved || approved.ApprovedAt.IsZero() {
		t.Fatalf("expected approved record, got %+v", approved)
	}
}

func TestValidateEmailVerificationExhaustion(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})

	req := validRequest()
	req.RequireEmailVerification = true
	req.ProviderEmail = "u1@example.com"
	out, err := f.coord.Initiate(context.Background(), req, "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	code := f.mailer.lastCode(t)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, verr := f.coord.ValidateEmailVerification(ctx, out.VerificationID, "000000")
		if i < 4 && !errors.Is(verr, ErrVerificationInvalid) {
			t.Fatalf("attempt %d: expected ErrVerificationInvalid, got %v", i, verr)
		}
	}
	if _, err := f.coord.ValidateEmailVerification(ctx, out.VerificationID, code); !errors.Is(err, ErrChallengeAttemptsExhausted) {
		t.Fatalf("expected exhaustion with correct code, got %v", err)
	}
}

func TestCompleteRequiresRederivedSteps(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{}, stubAuth{})
	ctx := context.Background()

	// A linking record whose required challenge never completed - as if a
	// client fabricated its flags.
	ch := newTestChallenge("c-pending")
	if err := f.store.CreateChallenge(ctx, ch); err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	v := &Verification{
		ID:             "l1",
		SubjectID:      "u1",
		Provider:       "google",
		ProviderUserID: "g1",
		Status:         LinkingVerified,
		RequiredReauth: true,
		ChallengeID:    "c-pending",
		CreatedAt:      time.Now(),
	}
	if err := f.store.CreateVerification(ctx, v); err != nil {
		t.Fatalf("CreateVerification: %v", err)
	}

	_, err := f.coord.Complete(ctx, "l1")
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if incomplete.MissingStep != "reauth" {
		t.Fatalf("expected reauth named as outstanding, got %s", incomplete.MissingStep)
	}
	if !errors.Is(err, ErrVerificationIncomplete) {
		t.Fatal("IncompleteError must match ErrVerificationIncomplete")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})
	ctx := context.Background()

	out, err := f.coord.Initiate(ctx, validRequest(), "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	first, err := f.coord.Complete(ctx, out.LinkingID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := f.coord.Complete(ctx, out.LinkingID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !second.ApprovedAt.Equal(first.ApprovedAt) {
		t.Fatal("second completion must not restamp approval")
	}
	if got := len(f.sink.ByType("linking.approved")); got != 1 {
		t.Fatalf("expected exactly 1 approval audit entry, got %d", got)
	}
}

func TestCompleteUnknownRecord(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{}, stubAuth{})
	if _, err := f.coord.Complete(context.Background(), "missing"); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expected ErrVerificationInvalid, got %v", err)
	}
}

func TestAuditEntriesNeverCarryCodes(t *testing.T) {
	f := newFixture(t, freshSession("u1"), stubDirectory{lastLogin: time.Now()}, stubAuth{})

	req := validRequest()
	req.RequireEmailVerification = true
	req.ProviderEmail = "u1@example.com"
	out, err := f.coord.Initiate(context.Background(), req, "token")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	code := f.mailer.lastCode(t)
	if _, err := f.coord.ValidateEmailVerification(context.Background(), out.VerificationID, code); err != nil {
		t.Fatalf("ValidateEmailVerification: %v", err)
	}

	for _, e := range f.sink.Entries() {
		for k, val := range e.Payload {
			s, ok := val.(string)
			if ok && s == code {
				t.Fatalf("audit payload %s leaks the verification code", k)
			}
		}
	}
}
