package authz

import "time"

// SourceKind identifies which rule produced an allow decision.
type SourceKind string

const (
	SourceRole          SourceKind = "role"
	SourceBusinessOwner SourceKind = "business-owner"
	SourceSelfAccess    SourceKind = "self-access"
)

// Source describes the provenance of an allow decision.
type Source struct {
	Kind      SourceKind `json:"kind"`
	Inherited bool       `json:"inherited"`
}

// Context carries the ambient inputs of a permission evaluation. A Context is
// built once per call and never mutated after evaluation starts.
type Context struct {
	TargetSubjectID   string            `json:"target_subject_id,omitempty"`
	BusinessID        string            `json:"business_id,omitempty"`
	ResourceID        string            `json:"resource_id,omitempty"`
	Scope             map[string]string `json:"scope,omitempty"`
	RequiresMFA       bool              `json:"requires_mfa,omitempty"`
	EmergencyOverride bool              `json:"emergency_override,omitempty"`
}

// Merge layers an override context on top of c. Scalar fields win when set in
// the override; scope maps are merged key by key with override precedence.
// Neither input is mutated.
func (c Context) Merge(override Context) Context {
	out := c
	if override.TargetSubjectID != "" {
		out.TargetSubjectID = override.TargetSubjectID
	}
	if override.BusinessID != "" {
		out.BusinessID = override.BusinessID
	}
	if override.ResourceID != "" {
		out.ResourceID = override.ResourceID
	}
	if override.RequiresMFA {
		out.RequiresMFA = true
	}
	if override.EmergencyOverride {
		out.EmergencyOverride = true
	}
	if len(override.Scope) > 0 {
		merged := make(map[string]string, len(c.Scope)+len(override.Scope))
		for k, v := range c.Scope {
			merged[k] = v
		}
		for k, v := range override.Scope {
			merged[k] = v
		}
		out.Scope = merged
	}
	return out
}

// Decision is the outcome of a single permission evaluation. Decisions are
// never persisted; they are surfaced to the caller and recorded through the
// audit sink.
type Decision struct {
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason"`
	Source      *Source        `json:"source,omitempty"`
	RequiresMFA bool           `json:"requires_mfa"`
	AuditData   map[string]any `json:"-"`
}

// Duration reports evaluation wall time if it was captured in the audit data.
func (d Decision) Duration() time.Duration {
	if d.AuditData == nil {
		return 0
	}
	v, ok := d.AuditData["duration_ms"].(float64)
	if !ok {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}
