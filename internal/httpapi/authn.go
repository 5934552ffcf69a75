package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vitrine.store/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/session/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
				"error": err.Error(),
			})
			return
		}

		claims, err := session.ParseAndValidate(token)
		if err != nil {
			writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
				"error": "invalid token",
			})
			return
		}
		if !claims.Active() {
			writeOutcome(w, r, http.StatusUnauthorized, CodeUnauthenticated, map[string]any{
				"error": "account is not active",
			})
			return
		}

		ctx := session.ContextWithSubject(r.Context(), claims.Subject)
		ctx = session.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

type tokenRequest struct {
	SubjectID     string `json:"subject_id"`
	AccountStatus string `json:"account_status"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}
	status := strings.TrimSpace(req.AccountStatus)
	if status == "" {
		status = session.StatusActive
	}

	token, err := session.GenerateToken(req.SubjectID, status, a.sessionTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.record(r.Context(), "session.token.issued", req.SubjectID, true, map[string]any{
		"account_status": status,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(a.sessionTTL),
	})
}
