package httpapi

import (
	"net/http"
	"strings"

	"vitrine.store/internal/authz"
)

type permissionContext struct {
	TargetSubjectID   string            `json:"target_subject_id"`
	BusinessID        string            `json:"business_id"`
	ResourceID        string            `json:"resource_id"`
	Scope             map[string]string `json:"scope"`
	RequiresMFA       bool              `json:"requires_mfa"`
	EmergencyOverride bool              `json:"emergency_override"`
}

func (c *permissionContext) toContext() authz.Context {
	if c == nil {
		return authz.Context{}
	}
	return authz.Context{
		TargetSubjectID:   c.TargetSubjectID,
		BusinessID:        c.BusinessID,
		ResourceID:        c.ResourceID,
		Scope:             c.Scope,
		RequiresMFA:       c.RequiresMFA,
		EmergencyOverride: c.EmergencyOverride,
	}
}

type checkRequest struct {
	Resource string             `json:"resource"`
	Action   string             `json:"action"`
	Context  *permissionContext `json:"context"`
}

type bulkQuery struct {
	Resource string             `json:"resource"`
	Action   string             `json:"action"`
	Context  *permissionContext `json:"context"`
}

type bulkCheckRequest struct {
	Queries []bulkQuery        `json:"queries"`
	Context *permissionContext `json:"context"`
}

type decisionResponse struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason"`
	Source      *authz.Source `json:"source,omitempty"`
	RequiresMFA bool          `json:"requires_mfa"`
}

func toDecisionResponse(d authz.Decision) decisionResponse {
	return decisionResponse{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		Source:      d.Source,
		RequiresMFA: d.RequiresMFA,
	}
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Resource = strings.TrimSpace(req.Resource)
	req.Action = strings.TrimSpace(req.Action)
	if req.Resource == "" || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "resource and action are required")
		return
	}

	out := a.gate.Authorize(r.Context(), req.Resource, req.Action, r.URL.Path, req.Context.toContext())
	if !RespondOutcome(w, r, out) {
		return
	}
	writeOutcome(w, r, http.StatusOK, CodeOK, map[string]any{
		"decision": toDecisionResponse(out.Decision),
	})
}

func (a *API) handleAuthzCheckBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bulkCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, r, http.StatusBadRequest, "queries are required")
		return
	}

	queries := make([]authz.Query, 0, len(req.Queries))
	for _, q := range req.Queries {
		resource := strings.TrimSpace(q.Resource)
		action := strings.TrimSpace(q.Action)
		if resource == "" || action == "" {
			writeError(w, r, http.StatusBadRequest, "every query needs resource and action")
			return
		}
		query := authz.Query{Resource: resource, Action: action}
		if q.Context != nil {
			ctx := q.Context.toContext()
			query.Context = &ctx
		}
		queries = append(queries, query)
	}

	decisions, _, ok := a.gate.AuthorizeBulk(r.Context(), queries, req.Context.toContext())
	if !ok {
		writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
			"error": "authentication required",
		})
		return
	}

	results := make(map[string]decisionResponse, len(decisions))
	for key, d := range decisions {
		results[key] = toDecisionResponse(d)
	}
	writeOutcome(w, r, http.StatusOK, CodeOK, map[string]any{
		"results": results,
	})
}
