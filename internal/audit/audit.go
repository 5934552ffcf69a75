// Package audit provides the append-only security event log used by the
// authorization gate and the account-linking coordinator. Sink failures are
// reported to the caller but must never reverse an already-made decision;
// callers log and continue.
package audit

import (
	"context"
	"strings"
	"time"

	"vitrine.store/internal/ids"
	"vitrine.store/internal/obs"
)

// Entry is one immutable security event.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	EventType  string         `json:"event_type"`
	SubjectID  string         `json:"subject_id"`
	Success    bool           `json:"success"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Sink is a durable append-only destination for security events.
type Sink interface {
	Record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) error
}

// NewEntry stamps id and occurrence time on a raw event.
func NewEntry(eventType, subjectID string, success bool, payload map[string]any) Entry {
	return Entry{
		ID:         ids.New(),
		OccurredAt: time.Now().UTC(),
		EventType:  strings.TrimSpace(eventType),
		SubjectID:  subjectID,
		Success:    success,
		Payload:    payload,
	}
}

// LogSink writes audit events as structured JSON log lines.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Record(_ context.Context, eventType, subjectID string, success bool, payload map[string]any) error {
	e := NewEntry(eventType, subjectID, success, payload)
	obs.LogEvent(map[string]any{
		"ts":         e.OccurredAt.Format(time.RFC3339Nano),
		"type":       "audit",
		"id":         e.ID,
		"event":      e.EventType,
		"subject_id": e.SubjectID,
		"success":    e.Success,
		"fields":     payloadOrEmpty(e.Payload),
	})
	return nil
}

// Fanout records to every configured sink. The first failure is returned
// after all sinks were attempted.
type Fanout []Sink

var _ Sink = Fanout(nil)

func (f Fanout) Record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) error {
	var first error
	for _, s := range f {
		if err := s.Record(ctx, eventType, subjectID, success, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
