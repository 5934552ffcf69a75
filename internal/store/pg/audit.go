package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vitrine.store/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// Record appends one immutable row to the audit trail.
func (s *Store) Record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	entry := audit.NewEntry(eventType, subjectID, success, payload)
	payloadJSON := []byte("{}")
	if len(entry.Payload) > 0 {
		bytes, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries (id, occurred_at, event_type, subject_id, success, payload)
		values ($1, $2, $3, nullif($4, ''), $5, $6)
	`, entry.ID, entry.OccurredAt, entry.EventType, entry.SubjectID, entry.Success, payloadJSON)
	return err
}
