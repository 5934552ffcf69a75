package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vitrine.store/internal/linking"
	"vitrine.store/internal/session"
)

type initiateRequest struct {
	Provider                 string `json:"provider"`
	ProviderUserID           string `json:"provider_user_id"`
	ProviderEmail            string `json:"provider_email"`
	ForceReauth              bool   `json:"force_reauth"`
	RequireEmailVerification bool   `json:"require_email_verification"`
	PreferredMethod          string `json:"preferred_method"`
}

type challengeResponseRequest struct {
	Response string `json:"response"`
	Method   string `json:"method"`
}

type codeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleLinkingInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	subjectID, ok := session.SubjectFromContext(r.Context())
	token, tok := session.TokenFromContext(r.Context())
	if !ok || !tok {
		writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
			"error": "authentication required",
		})
		return
	}

	var req initiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.coordinator.Initiate(r.Context(), linking.Request{
		SubjectID:                subjectID,
		Provider:                 strings.TrimSpace(req.Provider),
		ProviderUserID:           strings.TrimSpace(req.ProviderUserID),
		ProviderEmail:            strings.TrimSpace(req.ProviderEmail),
		ForceReauth:              req.ForceReauth,
		RequireEmailVerification: req.RequireEmailVerification,
		PreferredMethod:          linking.Method(strings.TrimSpace(req.PreferredMethod)),
	}, token)
	if err != nil {
		handleLinkingError(w, r, err)
		return
	}
	writeLinkingOutcome(w, r, out)
}

func (a *API) handleChallengeResource(w http.ResponseWriter, r *http.Request) {
	id, ok := subResourceID(w, r, "/v1/linking/challenges/", "validate")
	if !ok {
		return
	}
	var req challengeResponseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	method := linking.Method(strings.TrimSpace(req.Method))
	if method == "" {
		method = linking.MethodPassword
	}

	out, err := a.coordinator.ValidateReauthChallenge(r.Context(), id, req.Response, method)
	if err != nil {
		handleLinkingError(w, r, err)
		return
	}
	writeLinkingOutcome(w, r, out)
}

func (a *API) handleVerificationResource(w http.ResponseWriter, r *http.Request) {
	id, ok := subResourceID(w, r, "/v1/linking/verifications/", "validate")
	if !ok {
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.coordinator.ValidateEmailVerification(r.Context(), id, req.Code)
	if err != nil {
		handleLinkingError(w, r, err)
		return
	}
	writeLinkingOutcome(w, r, out)
}

func (a *API) handleLinkingResource(w http.ResponseWriter, r *http.Request) {
	id, ok := subResourceID(w, r, "/v1/linking/", "complete")
	if !ok {
		return
	}

	v, err := a.coordinator.Complete(r.Context(), id)
	if err != nil {
		handleLinkingError(w, r, err)
		return
	}
	writeOutcome(w, r, http.StatusOK, CodeOK, map[string]any{
		"linking": v,
	})
}

// subResourceID parses "{prefix}{id}/{verb}" and enforces POST.
func subResourceID(w http.ResponseWriter, r *http.Request, prefix, verb string) (string, bool) {
	path := strings.TrimPrefix(r.URL.Path, prefix)
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != verb {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return "", false
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return "", false
	}
	return parts[0], true
}

func writeLinkingOutcome(w http.ResponseWriter, r *http.Request, out linking.Outcome) {
	extra := map[string]any{}
	if out.ChallengeID != "" {
		extra["challenge_id"] = out.ChallengeID
	}
	if out.VerificationID != "" {
		extra["verification_id"] = out.VerificationID
	}
	if out.LinkingID != "" {
		extra["linking_id"] = out.LinkingID
	}
	writeOutcome(w, r, http.StatusOK, string(out.Code), extra)
}

// handleLinkingError maps coordinator errors onto responses. Missing, expired
// and mismatched records all read the same so identifiers cannot be probed.
func handleLinkingError(w http.ResponseWriter, r *http.Request, err error) {
	var incomplete *linking.IncompleteError
	switch {
	case errors.Is(err, linking.ErrSessionInvalid):
		writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
			"error": "invalid or expired session",
		})
	case errors.As(err, &incomplete):
		writeError(w, r, http.StatusConflict, "linking incomplete: "+incomplete.MissingStep+" outstanding")
	case errors.Is(err, linking.ErrChallengeAttemptsExhausted):
		writeError(w, r, http.StatusForbidden, "attempts exhausted")
	case errors.Is(err, linking.ErrChallengeNotFound),
		errors.Is(err, linking.ErrChallengeExpired),
		errors.Is(err, linking.ErrVerificationInvalid):
		writeError(w, r, http.StatusBadRequest, "invalid or expired")
	case errors.Is(err, linking.ErrBackendUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "linking operation failed")
	}
}
