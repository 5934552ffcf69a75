package authz

import (
	"context"
	"encoding/json"
	"time"
)

// Query is one resource/action check inside a bulk evaluation. Its context, if
// any, is layered over the bulk call's global context.
type Query struct {
	Resource string
	Action   string
	Context  *Context
}

// Key returns the resource:action map key the bulk result is reported under.
func (q Query) Key() string {
	return q.Resource + ":" + q.Action
}

// BulkEvaluator answers many permission queries while minimizing backend
// round-trips: queries sharing an identical effective context are sent to the
// policy store as one batched lookup and the results fanned back out.
type BulkEvaluator struct {
	eval *Evaluator
}

// NewBulkEvaluator wraps an Evaluator for batched use. Bulk decisions are
// rule-for-rule identical to what Evaluate would return for each query with
// the same effective context.
func NewBulkEvaluator(eval *Evaluator) *BulkEvaluator {
	return &BulkEvaluator{eval: eval}
}

type queryGroup struct {
	ctx     Context
	indexes []int
}

// EvaluateMany evaluates every query and returns one decision per unique
// resource:action key. Duplicate pairs collapse to the last decision computed
// in input order. A failed group batch denies only that group's queries.
func (b *BulkEvaluator) EvaluateMany(ctx context.Context, subjectID string, queries []Query, global Context) map[string]Decision {
	decisions := make([]Decision, len(queries))

	groups := make(map[string]*queryGroup)
	order := make([]string, 0)
	for i, q := range queries {
		eff := global
		if q.Context != nil {
			eff = global.Merge(*q.Context)
		}
		key := contextKey(eff)
		g, ok := groups[key]
		if !ok {
			g = &queryGroup{ctx: eff}
			groups[key] = g
			order = append(order, key)
		}
		g.indexes = append(g.indexes, i)
	}

	for _, key := range order {
		b.evaluateGroup(ctx, subjectID, queries, groups[key], decisions)
	}

	out := make(map[string]Decision, len(queries))
	for i, q := range queries {
		out[q.Key()] = decisions[i]
	}
	return out
}

func (b *BulkEvaluator) evaluateGroup(ctx context.Context, subjectID string, queries []Query, g *queryGroup, decisions []Decision) {
	e := b.eval
	start := e.now()

	pairs := make([]string, len(g.indexes))
	for n, i := range g.indexes {
		pairs[n] = queries[i].Key()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	grants, err := e.policy.HasPermissionsBulk(callCtx, subjectID, pairs, g.ctx.Scope)
	if err == nil && len(grants) != len(pairs) {
		err = ErrBackendUnavailable
	}
	if err != nil {
		for _, i := range g.indexes {
			audit := bulkAudit(subjectID, queries[i], g.ctx)
			audit["error"] = err.Error()
			decisions[i] = Decision{
				Allowed:     false,
				Reason:      "bulk evaluation failed",
				RequiresMFA: g.ctx.RequiresMFA,
				AuditData:   audit,
			}
		}
		return
	}

	// The owner lookup is shared by the whole group: ownership depends only on
	// the subject and the business id, both constant within a group.
	ownerNeeded := false
	for n, i := range g.indexes {
		q := queries[i]
		if !grants[n] && !e.selfAccess(subjectID, q.Resource, g.ctx) &&
			g.ctx.BusinessID != "" && e.owners != nil && e.overrideEnabled(q.Resource) {
			ownerNeeded = true
			break
		}
	}
	var (
		owner    bool
		ownerErr error
	)
	if ownerNeeded {
		owner, ownerErr = e.owners.IsBusinessOwner(callCtx, subjectID, g.ctx.BusinessID)
	}

	duration := float64(e.now().Sub(start)) / float64(time.Millisecond)
	for n, i := range g.indexes {
		q := queries[i]
		grant := grants[n]
		self := e.selfAccess(subjectID, q.Resource, g.ctx)

		audit := bulkAudit(subjectID, q, g.ctx)
		audit["policy_grant"] = grant
		audit["self_access"] = self
		audit["duration_ms"] = duration

		needsOwner := !grant && !self && g.ctx.BusinessID != "" && e.owners != nil && e.overrideEnabled(q.Resource)
		if needsOwner && ownerErr != nil {
			audit["error"] = ownerErr.Error()
			decisions[i] = Decision{
				Allowed:     false,
				Reason:      "evaluation failed",
				RequiresMFA: g.ctx.RequiresMFA,
				AuditData:   audit,
			}
			continue
		}
		ownerAccess := needsOwner && owner
		audit["owner_access"] = ownerAccess

		d := decide(ruleInputs{policyGrant: grant, selfAccess: self, ownerAccess: ownerAccess}, g.ctx)
		d.AuditData = audit
		decisions[i] = d
	}
}

func bulkAudit(subjectID string, q Query, eff Context) map[string]any {
	return map[string]any{
		"subject_id": subjectID,
		"resource":   q.Resource,
		"action":     q.Action,
		"context":    eff,
		"batched":    true,
	}
}

// contextKey serializes an effective context into a stable grouping key. JSON
// map keys marshal in sorted order, so scope maps with equal contents always
// produce the same key.
func contextKey(c Context) string {
	data, err := json.Marshal(c)
	if err != nil {
		return "unkeyed"
	}
	return string(data)
}
