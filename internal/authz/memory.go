package authz

import (
	"context"
	"sync"
)

// MemoryPolicyStore is an in-memory PolicyStore and OwnershipStore used in
// tests and local development.
type MemoryPolicyStore struct {
	mu     sync.RWMutex
	grants map[string]struct{}
	owners map[string]string
}

var (
	_ PolicyStore    = (*MemoryPolicyStore)(nil)
	_ OwnershipStore = (*MemoryPolicyStore)(nil)
)

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		grants: make(map[string]struct{}),
		owners: make(map[string]string),
	}
}

// Grant records that subjectID may perform action on resource. The "*" action
// grants every action on the resource.
func (m *MemoryPolicyStore) Grant(subjectID, resource, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[subjectID+"|"+resource+"|"+action] = struct{}{}
}

// SetOwner records subjectID as the owner of businessID.
func (m *MemoryPolicyStore) SetOwner(businessID, subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[businessID] = subjectID
}

func (m *MemoryPolicyStore) HasPermission(_ context.Context, subjectID, resource, action string, _ map[string]string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.grants[subjectID+"|"+resource+"|"+action]; ok {
		return true, nil
	}
	_, ok := m.grants[subjectID+"|"+resource+"|*"]
	return ok, nil
}

func (m *MemoryPolicyStore) HasPermissionsBulk(ctx context.Context, subjectID string, pairs []string, scope map[string]string) ([]bool, error) {
	out := make([]bool, len(pairs))
	for i, pair := range pairs {
		resource, action := splitPair(pair)
		ok, err := m.HasPermission(ctx, subjectID, resource, action, scope)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (m *MemoryPolicyStore) IsBusinessOwner(_ context.Context, subjectID, businessID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[businessID] == subjectID, nil
}

func splitPair(pair string) (resource, action string) {
	for i := len(pair) - 1; i >= 0; i-- {
		if pair[i] == ':' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}
