package authz

import "context"

// PolicyStore answers whether a stored role or permission grants access. The
// backing query mechanism is opaque to the evaluator.
type PolicyStore interface {
	HasPermission(ctx context.Context, subjectID, resource, action string, scope map[string]string) (bool, error)
	// HasPermissionsBulk answers many resource:action pairs sharing one scope
	// in a single round-trip. The result slice is positional: result[i]
	// answers pairs[i].
	HasPermissionsBulk(ctx context.Context, subjectID string, pairs []string, scope map[string]string) ([]bool, error)
}

// OwnershipStore resolves recorded business ownership used by the owner
// override rule.
type OwnershipStore interface {
	IsBusinessOwner(ctx context.Context, subjectID, businessID string) (bool, error)
}
