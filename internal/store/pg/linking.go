package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"time"

	"vitrine.store/internal/linking"
)

var _ linking.Store = (*Store)(nil)

// Transition statements carry the optimistic expectation and the attempt cap
// in their WHERE clause, so a status change and a counter increment are one
// atomic row update. A zero-row result is then classified against the current
// row: missing, wrong status, or attempt budget exceeded.

func (s *Store) CreateChallenge(ctx context.Context, ch *linking.Challenge) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	reqJSON, err := json.Marshal(ch.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into link_challenges
			(id, subject_id, challenge_type, status, method, expires_at, max_attempts, attempt_count, created_at, request)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do nothing
	`, ch.ID, ch.SubjectID, ch.Type, ch.Status, ch.Method, ch.ExpiresAt, ch.MaxAttempts, ch.AttemptCount, ch.CreatedAt, reqJSON)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return linking.ErrConflict
	}
	return nil
}

func (s *Store) Challenge(ctx context.Context, id string) (*linking.Challenge, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanChallenge(s.db.QueryRowContext(ctx, `
		select id, subject_id, challenge_type, status, method, expires_at, max_attempts, attempt_count, created_at, request
		from link_challenges
		where id = $1
	`, id))
}

func (s *Store) TransitionChallenge(ctx context.Context, id string, expect, next linking.ChallengeStatus, attemptDelta int) (*linking.Challenge, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	ch, err := scanChallenge(s.db.QueryRowContext(ctx, `
		update link_challenges
		set status = $3, attempt_count = attempt_count + $4
		where id = $1 and status = $2 and attempt_count + $4 <= max_attempts
		returning id, subject_id, challenge_type, status, method, expires_at, max_attempts, attempt_count, created_at, request
	`, id, expect, next, attemptDelta))
	if errors.Is(err, linking.ErrNotFound) {
		return nil, s.classifyTransition(ctx, "link_challenges", id, string(expect), attemptDelta)
	}
	return ch, err
}

func scanChallenge(row *sql.Row) (*linking.Challenge, error) {
	var (
		ch      linking.Challenge
		reqJSON []byte
	)
	err := row.Scan(&ch.ID, &ch.SubjectID, &ch.Type, &ch.Status, &ch.Method,
		&ch.ExpiresAt, &ch.MaxAttempts, &ch.AttemptCount, &ch.CreatedAt, &reqJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &ch.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	return &ch, nil
}

func (s *Store) CreateEmailVerification(ctx context.Context, v *linking.EmailVerification) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	reqJSON, err := json.Marshal(v.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into link_email_verifications
			(id, subject_id, email, code_hash, status, expires_at, max_attempts, attempt_count, created_at, challenge_id, request)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10, ''), $11)
		on conflict (id) do nothing
	`, v.ID, v.SubjectID, v.Email, v.CodeHash, v.Status, v.ExpiresAt, v.MaxAttempts, v.AttemptCount, v.CreatedAt, v.ChallengeID, reqJSON)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return linking.ErrConflict
	}
	return nil
}

func (s *Store) EmailVerification(ctx context.Context, id string) (*linking.EmailVerification, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanEmailVerification(s.db.QueryRowContext(ctx, `
		select id, subject_id, email, code_hash, status, expires_at, max_attempts, attempt_count, created_at, coalesce(challenge_id, ''), request
		from link_email_verifications
		where id = $1
	`, id))
}

func (s *Store) TransitionEmailVerification(ctx context.Context, id string, expect, next linking.VerificationStatus, attemptDelta int) (*linking.EmailVerification, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	v, err := scanEmailVerification(s.db.QueryRowContext(ctx, `
		update link_email_verifications
		set status = $3, attempt_count = attempt_count + $4
		where id = $1 and status = $2 and attempt_count + $4 <= max_attempts
		returning id, subject_id, email, code_hash, status, expires_at, max_attempts, attempt_count, created_at, coalesce(challenge_id, ''), request
	`, id, expect, next, attemptDelta))
	if errors.Is(err, linking.ErrNotFound) {
		return nil, s.classifyTransition(ctx, "link_email_verifications", id, string(expect), attemptDelta)
	}
	return v, err
}

func scanEmailVerification(row *sql.Row) (*linking.EmailVerification, error) {
	var (
		v       linking.EmailVerification
		reqJSON []byte
	)
	err := row.Scan(&v.ID, &v.SubjectID, &v.Email, &v.CodeHash, &v.Status,
		&v.ExpiresAt, &v.MaxAttempts, &v.AttemptCount, &v.CreatedAt, &v.ChallengeID, &reqJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &v.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	return &v, nil
}

func (s *Store) CreateVerification(ctx context.Context, v *linking.Verification) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		insert into link_verifications
			(id, subject_id, provider, provider_user_id, provider_email, status,
			 required_reauth, required_email, challenge_id, email_verification_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), nullif($10, ''), $11)
		on conflict (id) do nothing
	`, v.ID, v.SubjectID, v.Provider, v.ProviderUserID, v.ProviderEmail, v.Status,
		v.RequiredReauth, v.RequiredEmail, v.ChallengeID, v.EmailVerificationID, v.CreatedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return linking.ErrConflict
	}
	return nil
}

func (s *Store) Verification(ctx context.Context, id string) (*linking.Verification, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return scanVerification(s.db.QueryRowContext(ctx, `
		select id, subject_id, provider, provider_user_id, provider_email, status,
		       required_reauth, required_email, coalesce(challenge_id, ''), coalesce(email_verification_id, ''),
		       created_at, approved_at
		from link_verifications
		where id = $1
	`, id))
}

func (s *Store) ApproveVerification(ctx context.Context, id string, approvedAt time.Time) (*linking.Verification, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	v, err := scanVerification(s.db.QueryRowContext(ctx, `
		update link_verifications
		set status = $2, approved_at = $3
		where id = $1 and status = $4
		returning id, subject_id, provider, provider_user_id, provider_email, status,
		          required_reauth, required_email, coalesce(challenge_id, ''), coalesce(email_verification_id, ''),
		          created_at, approved_at
	`, id, linking.LinkingApproved, approvedAt, linking.LinkingVerified))
	if !errors.Is(err, linking.ErrNotFound) {
		return v, err
	}

	var cur string
	serr := s.db.QueryRowContext(ctx, `select status from link_verifications where id = $1`, id).Scan(&cur)
	if errors.Is(serr, sql.ErrNoRows) {
		return nil, linking.ErrNotFound
	}
	if serr != nil {
		return nil, serr
	}
	return nil, linking.ErrConflict
}

func scanVerification(row *sql.Row) (*linking.Verification, error) {
	var (
		v          linking.Verification
		approvedAt sql.NullTime
	)
	err := row.Scan(&v.ID, &v.SubjectID, &v.Provider, &v.ProviderUserID, &v.ProviderEmail, &v.Status,
		&v.RequiredReauth, &v.RequiredEmail, &v.ChallengeID, &v.EmailVerificationID,
		&v.CreatedAt, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		v.ApprovedAt = approvedAt.Time
	}
	return &v, nil
}

// classifyTransition inspects the row a zero-row transition targeted and maps
// the failure to the store sentinel the caller dispatches on.
func (s *Store) classifyTransition(ctx context.Context, table, id, expect string, attemptDelta int) error {
	var (
		status       string
		attemptCount int
		maxAttempts  int
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select status, attempt_count, max_attempts from %s where id = $1`, table), id,
	).Scan(&status, &attemptCount, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return linking.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != expect {
		return linking.ErrConflict
	}
	if attemptDelta > 0 && attemptCount+attemptDelta > maxAttempts {
		return linking.ErrAttemptLimit
	}
	return linking.ErrConflict
}
