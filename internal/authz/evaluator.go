package authz

import (
	"context"
	"strings"
	"time"
)

const defaultCallTimeout = 3 * time.Second

// Evaluator combines a PolicyStore grant with the self-access and business
// owner override rules into a single fail-closed decision.
type Evaluator struct {
	policy PolicyStore
	owners OwnershipStore
	now    func() time.Time

	selfResources  map[string]struct{}
	ownerResources map[string]struct{}
	callTimeout    time.Duration
}

// EvaluatorOption configures Evaluator behavior.
type EvaluatorOption func(*Evaluator)

// WithSelfAccessResources sets the resources a subject may always act on when
// the target is their own identity (for example own-profile reads).
func WithSelfAccessResources(resources ...string) EvaluatorOption {
	return func(e *Evaluator) {
		e.selfResources = toSet(resources)
	}
}

// WithOwnerOverrideResources sets the resource classes where a recorded
// business owner is granted access regardless of role grants.
func WithOwnerOverrideResources(resources ...string) EvaluatorOption {
	return func(e *Evaluator) {
		e.ownerResources = toSet(resources)
	}
}

// WithCallTimeout bounds every backing store call.
func WithCallTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithEvaluatorClock overrides the time source (useful for tests).
func WithEvaluatorClock(fn func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEvaluator constructs an Evaluator. The ownership store may be nil, in
// which case the owner override rule never fires.
func NewEvaluator(policy PolicyStore, owners OwnershipStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		policy:      policy,
		owners:      owners,
		now:         time.Now,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ruleInputs are the gathered facts the pure decision function works from.
type ruleInputs struct {
	policyGrant bool
	selfAccess  bool
	ownerAccess bool
}

// decide maps gathered rule inputs onto a decision. It is pure: no I/O, no
// clock. Priority order for the reported source is policy > self-access >
// owner-access; the rules themselves are additive and can only grant.
func decide(in ruleInputs, pctx Context) Decision {
	d := Decision{RequiresMFA: pctx.RequiresMFA}
	switch {
	case in.policyGrant:
		d.Allowed = true
		d.Reason = "granted by role permission"
		d.Source = &Source{Kind: SourceRole}
	case in.selfAccess:
		d.Allowed = true
		d.Reason = "self access"
		d.Source = &Source{Kind: SourceSelfAccess}
	case in.ownerAccess:
		d.Allowed = true
		d.Reason = "business owner"
		d.Source = &Source{Kind: SourceBusinessOwner}
	default:
		d.Reason = "access denied"
	}
	return d
}

// Evaluate decides whether subjectID may perform action on resource under the
// given context. Backend failures resolve to a deny decision; the cause is
// preserved in the decision audit data only.
func (e *Evaluator) Evaluate(ctx context.Context, subjectID, resource, action string, pctx Context) Decision {
	start := e.now()

	audit := map[string]any{
		"subject_id": subjectID,
		"resource":   resource,
		"action":     action,
		"context":    pctx,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	grant, err := e.policy.HasPermission(callCtx, subjectID, resource, action, pctx.Scope)
	if err != nil {
		return e.failClosed(audit, start, pctx, err)
	}
	audit["policy_grant"] = grant

	self := e.selfAccess(subjectID, resource, pctx)
	audit["self_access"] = self

	owner := false
	if !grant && !self && pctx.BusinessID != "" && e.owners != nil && e.overrideEnabled(resource) {
		owner, err = e.owners.IsBusinessOwner(callCtx, subjectID, pctx.BusinessID)
		if err != nil {
			return e.failClosed(audit, start, pctx, err)
		}
	}
	audit["owner_access"] = owner

	d := decide(ruleInputs{policyGrant: grant, selfAccess: self, ownerAccess: owner}, pctx)
	d.AuditData = audit
	audit["duration_ms"] = float64(e.now().Sub(start)) / float64(time.Millisecond)
	return d
}

func (e *Evaluator) failClosed(audit map[string]any, start time.Time, pctx Context, cause error) Decision {
	audit["error"] = cause.Error()
	audit["duration_ms"] = float64(e.now().Sub(start)) / float64(time.Millisecond)
	return Decision{
		Allowed:     false,
		Reason:      "evaluation failed",
		RequiresMFA: pctx.RequiresMFA,
		AuditData:   audit,
	}
}

// selfAccess reports whether the subject is acting on their own identity for a
// resource in the self-accessible set. Pure; additive only.
func (e *Evaluator) selfAccess(subjectID, resource string, pctx Context) bool {
	if pctx.TargetSubjectID == "" || pctx.TargetSubjectID != subjectID {
		return false
	}
	_, ok := e.selfResources[resource]
	return ok
}

func (e *Evaluator) overrideEnabled(resource string) bool {
	_, ok := e.ownerResources[resource]
	return ok
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		set[it] = struct{}{}
	}
	return set
}
