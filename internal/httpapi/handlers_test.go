package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/authz"
	"vitrine.store/internal/linking"
	"vitrine.store/internal/session"
)

type testDirectory struct {
	connections int
	lastLogin   time.Time
}

func (d testDirectory) ActiveConnectionCount(context.Context, string) (int, error) {
	return d.connections, nil
}

func (d testDirectory) LastSuccessfulLogin(context.Context, string) (time.Time, error) {
	return d.lastLogin, nil
}

type passAuth struct {
	correct string
}

func (a passAuth) Verify(_ context.Context, _ string, _ linking.Method, response string) (bool, error) {
	return response == a.correct, nil
}

type testMailer struct {
	mu     sync.Mutex
	bodies []string
}

func (m *testMailer) Send(_ context.Context, _, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *testMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		t.Fatal("no mail dispatched")
	}
	code := regexp.MustCompile(`\d{6}`).FindString(m.bodies[len(m.bodies)-1])
	if code == "" {
		t.Fatal("no code in mail body")
	}
	return code
}

type testBackends struct {
	policy *authz.MemoryPolicyStore
	store  *linking.MemoryStore
	sink   *audit.Memory
	mailer *testMailer
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, directory linking.IdentityDirectory) (*apiClient, *testBackends) {
	t.Helper()

	t.Setenv("VITRINE_SESSION_SECRET", "test-secret")
	session.ResetSecretForTests()

	b := &testBackends{
		policy: authz.NewMemoryPolicyStore(),
		store:  linking.NewMemoryStore(),
		sink:   audit.NewMemory(),
		mailer: &testMailer{},
	}

	eval := authz.NewEvaluator(b.policy, b.policy,
		authz.WithSelfAccessResources("profile"),
		authz.WithOwnerOverrideResources("store"),
	)
	gate := NewGate(eval, authz.NewBulkEvaluator(eval), b.sink)

	coord, err := linking.NewCoordinator(b.store, b.sink, linking.TokenSessionValidator{},
		directory, passAuth{correct: "hunter2"}, b.mailer)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	api := New(Deps{
		Version:        "test",
		Gate:           gate,
		Coordinator:    coord,
		Audit:          b.sink,
		SessionTTL:     10 * time.Minute,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}, b
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(subjectID string) string {
	c.t.Helper()
	resp := c.post("/v1/session/token", map[string]any{"subject_id": subjectID}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("token request failed with %d", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	return body.Token
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected healthz response: %d %v", resp.StatusCode, body)
	}
}

func TestAuthzCheckGranted(t *testing.T) {
	c, b := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	b.policy.Grant("u1", "store", "update")
	token := c.obtainToken("u1")

	resp := c.post("/v1/authz/check", checkRequest{Resource: "store", Action: "update"}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["code"] != "OK" {
		t.Fatalf("expected OK, got %d %v", resp.StatusCode, body)
	}
	decision := body["decision"].(map[string]any)
	if decision["allowed"] != true {
		t.Fatalf("expected allowed decision: %v", decision)
	}
	source := decision["source"].(map[string]any)
	if source["kind"] != "role" {
		t.Fatalf("expected role source, got %v", source)
	}
	if got := len(b.sink.ByType("authorized access")); got != 1 {
		t.Fatalf("expected 1 authorized-access audit entry, got %d", got)
	}
}

func TestAuthzCheckDenied(t *testing.T) {
	c, b := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/authz/check", checkRequest{Resource: "store", Action: "delete"}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %d %v", resp.StatusCode, body)
	}
	if body["resource"] != "store" || body["action"] != "delete" || body["reason"] != "access denied" {
		t.Fatalf("deny body must carry resource/action/reason: %v", body)
	}
	if got := len(b.sink.ByType("unauthorized access")); got != 1 {
		t.Fatalf("expected 1 unauthorized-access audit entry, got %d", got)
	}
}

func TestAuthzCheckWithoutToken(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	resp := c.post("/v1/authz/check", checkRequest{Resource: "store", Action: "read"}, nil)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHENTICATED" {
		t.Fatalf("expected 401 UNAUTHENTICATED, got %d %v", resp.StatusCode, body)
	}
}

func TestAuthzCheckSelfAccess(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/authz/check", checkRequest{
		Resource: "profile",
		Action:   "read",
		Context:  &permissionContext{TargetSubjectID: "u1"},
	}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if body["code"] != "OK" {
		t.Fatalf("expected self access grant, got %v", body)
	}
	source := body["decision"].(map[string]any)["source"].(map[string]any)
	if source["kind"] != "self-access" {
		t.Fatalf("expected self-access source, got %v", source)
	}
}

func TestAuthzCheckBulk(t *testing.T) {
	c, b := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	b.policy.Grant("u1", "store", "read")
	token := c.obtainToken("u1")

	resp := c.post("/v1/authz/check-bulk", bulkCheckRequest{
		Queries: []bulkQuery{
			{Resource: "store", Action: "read"},
			{Resource: "store", Action: "delete"},
		},
	}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["code"] != "OK" {
		t.Fatalf("expected OK, got %d %v", resp.StatusCode, body)
	}
	results := body["results"].(map[string]any)
	read := results["store:read"].(map[string]any)
	del := results["store:delete"].(map[string]any)
	if read["allowed"] != true || del["allowed"] != false {
		t.Fatalf("unexpected bulk results: %v", results)
	}
	// One audit entry per decision.
	total := len(b.sink.ByType("authorized access")) + len(b.sink.ByType("unauthorized access"))
	if total != 2 {
		t.Fatalf("expected 2 decision audit entries, got %d", total)
	}
}

func TestLinkingDirectFlow(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/linking/initiate", initiateRequest{
		Provider:       "google",
		ProviderUserID: "g1",
	}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["code"] != "OK" {
		t.Fatalf("expected OK, got %d %v", resp.StatusCode, body)
	}
	linkingID := body["linking_id"].(string)

	resp = c.post("/v1/linking/"+linkingID+"/complete", nil, bearerHeaders(token))
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["code"] != "OK" {
		t.Fatalf("expected approval, got %d %v", resp.StatusCode, body)
	}
	record := body["linking"].(map[string]any)
	if record["status"] != "approved" {
		t.Fatalf("expected approved record, got %v", record)
	}
}

func TestLinkingReauthFlow(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{connections: 1, lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/linking/initiate", initiateRequest{
		Provider:       "google",
		ProviderUserID: "g1",
	}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if body["code"] != "REAUTH_REQUIRED" {
		t.Fatalf("expected REAUTH_REQUIRED, got %v", body)
	}
	challengeID := body["challenge_id"].(string)

	// Wrong response reads the same as any other invalid attempt.
	resp = c.post("/v1/linking/challenges/"+challengeID+"/validate",
		challengeResponseRequest{Response: "wrong"}, bearerHeaders(token))
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid or expired" {
		t.Fatalf("expected uniform rejection, got %d %v", resp.StatusCode, body)
	}

	resp = c.post("/v1/linking/challenges/"+challengeID+"/validate",
		challengeResponseRequest{Response: "hunter2"}, bearerHeaders(token))
	body = decodeBody(t, resp)
	if body["code"] != "OK" || body["linking_id"] == nil {
		t.Fatalf("expected linking record after reauth, got %v", body)
	}
}

func TestLinkingEmailFlow(t *testing.T) {
	c, b := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/linking/initiate", initiateRequest{
		Provider:                 "google",
		ProviderUserID:           "g1",
		ProviderEmail:            "u1@example.com",
		RequireEmailVerification: true,
	}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if body["code"] != "EMAIL_VERIFICATION_REQUIRED" {
		t.Fatalf("expected EMAIL_VERIFICATION_REQUIRED, got %v", body)
	}
	verificationID := body["verification_id"].(string)
	code := b.mailer.lastCode(t)

	resp = c.post("/v1/linking/verifications/"+verificationID+"/validate",
		codeRequest{Code: code}, bearerHeaders(token))
	body = decodeBody(t, resp)
	if body["code"] != "OK" || body["linking_id"] == nil {
		t.Fatalf("expected linking record after email verification, got %v", body)
	}
}

func TestLinkingUnknownChallengeUniformError(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/linking/challenges/no-such-id/validate",
		challengeResponseRequest{Response: "anything"}, bearerHeaders(token))
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid or expired" {
		t.Fatalf("unknown id must read like any invalid attempt, got %d %v", resp.StatusCode, body)
	}
}

func TestLinkingInitiateRequiresBody(t *testing.T) {
	c, _ := newTestAPI(t, testDirectory{lastLogin: time.Now()})
	token := c.obtainToken("u1")

	resp := c.post("/v1/linking/initiate", nil, bearerHeaders(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}
}
