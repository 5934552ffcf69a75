package httpapi

import (
	"context"
	"net/http"
	"strings"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/authz"
	"vitrine.store/internal/obs"
	"vitrine.store/internal/session"
)

// Caller-facing result codes. The HTTP handlers map them to status codes;
// the gate itself is transport-agnostic.
const (
	CodeOK              = "OK"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
)

// Outcome is what the gate hands back to the wrapped operation.
type Outcome struct {
	Code      string
	SubjectID string
	Resource  string
	Action    string
	Decision  authz.Decision
}

// Gate wraps inbound operations: it resolves the subject session, derives
// the permission context from the request path, evaluates, and writes the
// audit entry for the decision. Exactly zero or one audit entry per call:
// zero when the caller is unauthenticated or audit is suppressed.
type Gate struct {
	eval     *authz.Evaluator
	bulk     *authz.BulkEvaluator
	sink     audit.Sink
	suppress bool
}

// GateOption configures Gate behavior.
type GateOption func(*Gate)

// WithoutAudit suppresses the per-decision audit entries; for call sites
// that are audited at a higher level.
func WithoutAudit() GateOption {
	return func(g *Gate) {
		g.suppress = true
	}
}

func NewGate(eval *authz.Evaluator, bulk *authz.BulkEvaluator, sink audit.Sink, opts ...GateOption) *Gate {
	g := &Gate{eval: eval, bulk: bulk, sink: sink}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize runs the full gate sequence for one operation. The session check
// precedes everything else; pctx is layered over whatever DeriveContext reads
// out of rawPath.
func (g *Gate) Authorize(ctx context.Context, resource, action, rawPath string, pctx authz.Context) Outcome {
	subjectID, ok := session.SubjectFromContext(ctx)
	if !ok || subjectID == "" {
		return Outcome{Code: CodeUnauthenticated, Resource: resource, Action: action}
	}

	eff := DeriveContext(rawPath).Merge(pctx)
	d := g.eval.Evaluate(ctx, subjectID, resource, action, eff)
	g.recordDecision(ctx, subjectID, resource, action, d)

	out := Outcome{SubjectID: subjectID, Resource: resource, Action: action, Decision: d}
	if d.Allowed {
		out.Code = CodeOK
	} else {
		out.Code = CodeForbidden
	}
	return out
}

// AuthorizeBulk evaluates many queries for the session subject, one audit
// entry per decision.
func (g *Gate) AuthorizeBulk(ctx context.Context, queries []authz.Query, global authz.Context) (map[string]authz.Decision, string, bool) {
	subjectID, ok := session.SubjectFromContext(ctx)
	if !ok || subjectID == "" {
		return nil, "", false
	}
	decisions := g.bulk.EvaluateMany(ctx, subjectID, queries, global)
	for key, d := range decisions {
		resource, action := splitKey(key)
		g.recordDecision(ctx, subjectID, resource, action, d)
	}
	return decisions, subjectID, true
}

func (g *Gate) recordDecision(ctx context.Context, subjectID, resource, action string, d authz.Decision) {
	source := ""
	if d.Source != nil {
		source = string(d.Source.Kind)
	}
	obs.ObserveDecision(d.Allowed, source)
	if g.suppress {
		return
	}
	event := "unauthorized access"
	if d.Allowed {
		event = "authorized access"
	}
	payload := map[string]any{
		"resource": resource,
		"action":   action,
		"reason":   d.Reason,
	}
	for k, v := range d.AuditData {
		payload[k] = v
	}
	if err := g.sink.Record(ctx, event, subjectID, d.Allowed, payload); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "audit record failed",
			"event": event,
		})
	}
}

// DeriveContext pattern-matches the raw path for embedded identifiers.
// Best-effort: a segment following a known collection name fills the matching
// field, anything else leaves it unset.
func DeriveContext(rawPath string) authz.Context {
	var pctx authz.Context
	parts := strings.Split(strings.Trim(rawPath, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		id := parts[i+1]
		if id == "" {
			continue
		}
		switch parts[i] {
		case "businesses", "stores":
			if pctx.BusinessID == "" {
				pctx.BusinessID = id
			}
		case "users", "subjects", "accounts":
			if pctx.TargetSubjectID == "" {
				pctx.TargetSubjectID = id
			}
		case "listings", "orders", "products":
			if pctx.ResourceID == "" {
				pctx.ResourceID = id
			}
		}
	}
	return pctx
}

func splitKey(key string) (resource, action string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// RespondOutcome maps a gate outcome onto the HTTP convention: 401 for
// UNAUTHENTICATED, 403 for FORBIDDEN with resource/action/reason only, and
// reports true when the request may proceed.
func RespondOutcome(w http.ResponseWriter, r *http.Request, out Outcome) bool {
	switch out.Code {
	case CodeUnauthenticated:
		writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
			"error": "authentication required",
		})
		return false
	case CodeForbidden:
		writeOutcome(w, r, http.StatusForbidden, CodeForbidden, map[string]any{
			"resource": out.Resource,
			"action":   out.Action,
			"reason":   out.Decision.Reason,
		})
		return false
	default:
		return true
	}
}
