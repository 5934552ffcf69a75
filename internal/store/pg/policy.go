package pg

import (
	"context"
	"errors"

	"vitrine.store/internal/authz"
)

var (
	_ authz.PolicyStore    = (*Store)(nil)
	_ authz.OwnershipStore = (*Store)(nil)
)

// HasPermission reports whether any grant covers the subject for the
// resource/action pair. A grant with action '*' covers every action on its
// resource; a grant with a NULL scope_business applies in every business
// scope, while a scoped grant only applies when the evaluation scope names
// the same business.
func (s *Store) HasPermission(ctx context.Context, subjectID, resource, action string, scope map[string]string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from role_grants
			where subject_id = $1
			  and resource = $2
			  and (action = $3 or action = '*')
			  and (scope_business is null or scope_business = $4)
		)
	`, subjectID, resource, action, scope["business_id"]).Scan(&allowed)
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// HasPermissionsBulk loads every grant visible to the subject in the given
// scope once and answers all pairs from it, keeping the result positional.
func (s *Store) HasPermissionsBulk(ctx context.Context, subjectID string, pairs []string, scope map[string]string) ([]bool, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select resource, action from role_grants
		where subject_id = $1
		  and (scope_business is null or scope_business = $2)
	`, subjectID, scope["business_id"])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	granted := make(map[string]struct{})
	for rows.Next() {
		var resource, action string
		if err := rows.Scan(&resource, &action); err != nil {
			return nil, err
		}
		granted[resource+":"+action] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]bool, len(pairs))
	for i, pair := range pairs {
		resource, _ := splitPair(pair)
		if _, ok := granted[pair]; ok {
			out[i] = true
			continue
		}
		_, out[i] = granted[resource+":*"]
	}
	return out, nil
}

func (s *Store) IsBusinessOwner(ctx context.Context, subjectID, businessID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var owner bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from business_owners
			where business_id = $1 and subject_id = $2
		)
	`, businessID, subjectID).Scan(&owner)
	if err != nil {
		return false, err
	}
	return owner, nil
}

func splitPair(pair string) (resource, action string) {
	for i := len(pair) - 1; i >= 0; i-- {
		if pair[i] == ':' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}
