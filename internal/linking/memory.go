package linking

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps linking records in process memory with the same atomic
// transition semantics as the durable stores. Used in tests and local
// development.
type MemoryStore struct {
	mu            sync.Mutex
	challenges    map[string]*Challenge
	emails        map[string]*EmailVerification
	verifications map[string]*Verification
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges:    make(map[string]*Challenge),
		emails:        make(map[string]*EmailVerification),
		verifications: make(map[string]*Verification),
	}
}

func (m *MemoryStore) CreateChallenge(_ context.Context, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[ch.ID]; ok {
		return ErrConflict
	}
	cp := *ch
	m.challenges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) Challenge(_ context.Context, id string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) TransitionChallenge(_ context.Context, id string, expect, next ChallengeStatus, attemptDelta int) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ch.Status != expect {
		return nil, ErrConflict
	}
	if ch.Status != ChallengePending && next != ch.Status {
		// Terminal statuses stay terminal.
		return nil, ErrConflict
	}
	if attemptDelta > 0 && ch.AttemptCount+attemptDelta > ch.MaxAttempts {
		return nil, ErrAttemptLimit
	}
	ch.AttemptCount += attemptDelta
	ch.Status = next
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) CreateEmailVerification(_ context.Context, v *EmailVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[v.ID]; ok {
		return ErrConflict
	}
	cp := *v
	m.emails[v.ID] = &cp
	return nil
}

func (m *MemoryStore) EmailVerification(_ context.Context, id string) (*EmailVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) TransitionEmailVerification(_ context.Context, id string, expect, next VerificationStatus, attemptDelta int) (*EmailVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v.Status != expect {
		return nil, ErrConflict
	}
	if v.Status != VerificationPending && next != v.Status {
		return nil, ErrConflict
	}
	if attemptDelta > 0 && v.AttemptCount+attemptDelta > v.MaxAttempts {
		return nil, ErrAttemptLimit
	}
	v.AttemptCount += attemptDelta
	v.Status = next
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) CreateVerification(_ context.Context, v *Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verifications[v.ID]; ok {
		return ErrConflict
	}
	cp := *v
	m.verifications[v.ID] = &cp
	return nil
}

func (m *MemoryStore) Verification(_ context.Context, id string) (*Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) ApproveVerification(_ context.Context, id string, approvedAt time.Time) (*Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v.Status != LinkingVerified {
		return nil, ErrConflict
	}
	v.Status = LinkingApproved
	v.ApprovedAt = approvedAt
	cp := *v
	return &cp, nil
}
