package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vitrine.store/internal/linking"
)

var (
	_ linking.IdentityDirectory = (*Store)(nil)
	_ linking.CredentialSource  = (*Store)(nil)
)

// ActiveConnectionCount counts the subject's external identity connections
// that have not been disconnected.
func (s *Store) ActiveConnectionCount(ctx context.Context, subjectID string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from identity_connections
		where subject_id = $1 and status <> 'disconnected'
	`, subjectID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LastSuccessfulLogin returns the subject's most recent successful login, or
// the zero time when none is recorded.
func (s *Store) LastSuccessfulLogin(ctx context.Context, subjectID string) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, errors.New("database connection unavailable")
	}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select max(occurred_at)
		from login_events
		where subject_id = $1 and success
	`, subjectID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}

// PasswordHash returns the subject's stored bcrypt hash, or the empty string
// for subjects without a password credential.
func (s *Store) PasswordHash(ctx context.Context, subjectID string) (string, error) {
	if s.db == nil {
		return "", errors.New("database connection unavailable")
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `
		select password_hash from subject_credentials where subject_id = $1
	`, subjectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// ContactCodeHash returns the newest unexpired out-of-band code hash
// dispatched to the subject over the given method. Missing or expired codes
// resolve to the empty string so verification fails closed.
func (s *Store) ContactCodeHash(ctx context.Context, subjectID string, method linking.Method) (string, error) {
	if s.db == nil {
		return "", errors.New("database connection unavailable")
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `
		select code_hash
		from contact_codes
		where subject_id = $1 and method = $2 and expires_at > now()
		order by created_at desc
		limit 1
	`, subjectID, string(method)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}
