package audit

import (
	"context"
	"sync"
)

// Memory keeps recorded entries in process memory. Test helper and local
// development sink.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, eventType, subjectID string, success bool, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, NewEntry(eventType, subjectID, success, payload))
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByType returns recorded entries with the given event type.
func (m *Memory) ByType(eventType string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
