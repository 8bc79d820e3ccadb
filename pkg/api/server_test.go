package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/breaker"
	"github.com/vorion-labs/cognigate/pkg/ceiling"
	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/crypto"
	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/guardian"
	"github.com/vorion-labs/cognigate/pkg/policy"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/provenance"
	"github.com/vorion-labs/cognigate/pkg/rolegate"
	"github.com/vorion-labs/cognigate/pkg/store"
	"github.com/vorion-labs/cognigate/pkg/trust"
	"github.com/vorion-labs/cognigate/pkg/velocity"
)

var testSecret = []byte("test-jwt-secret-for-reviewers")

const testPack = `
name: api-test
version: 1.0.0
rules:
  - id: escalate-deletes
    priority: 100
    enabled: true
    when:
      conditions:
        - field: risk_score
          operator: greater_than
          value: 0.6
    evaluate:
      - action: ESCALATE
        reason: risky action needs review
        escalation:
          to: ops-team
          timeout: 1h
          auto_deny_on_timeout: true
  - id: allow-rest
    priority: 10
    enabled: true
    evaluate:
      - action: ALLOW
        reason: permitted
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	prov := provenance.NewService(st)
	trustEngine := trust.NewEngine(st, prov, trust.DefaultParams(), nil)
	enforcer := ceiling.NewEnforcer(&ceiling.DeploymentContext{
		DeploymentID: "dep-test",
		Framework:    ceiling.FrameworkNone,
	}, nil, st, nil)

	provider, err := crypto.NewMemoryKeyProvider()
	require.NoError(t, err)
	chain := proofchain.New(st, crypto.NewSigner(provider), nil)

	loader, err := policy.NewLoader()
	require.NoError(t, err)
	ns, err := loader.Load([]byte(testPack))
	require.NoError(t, err)

	escMgr := escalation.NewManager(st, chain, nil)

	g := guardian.New(guardian.Config{
		Trust:       trustEngine,
		Ceiling:     enforcer,
		Gate:        rolegate.NewGate(nil, nil),
		Limiter:     velocity.NewLocalLimiter(nil),
		Breaker:     breaker.New(breaker.DefaultConfig, nil),
		Policy:      policy.NewEngine(ns, nil),
		Chain:       chain,
		Escalations: escMgr,
	})

	srv := NewServer(g, chain, trustEngine, escMgr, NewJWTValidator(testSecret), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func reviewerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &ReviewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"reviewer"},
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func postJSON(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestDecisionsEndpointAllow(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/decisions", guardian.DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[guardian.DecisionResponse](t, resp)
	assert.Equal(t, contracts.ActionAllow, body.Decision)
	assert.NotEmpty(t, body.ProofID)
}

func TestDecisionsEndpointValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/decisions", map[string]any{"goal": "x"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "Bad Request", problem.Title)
}

func TestProofLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	dec := decode[guardian.DecisionResponse](t, postJSON(t, ts.URL+"/v1/decisions", guardian.DecisionRequest{
		EntityID: "agent-1",
		Goal:     "summarize the weekly report",
	}, ""))

	resp, err := http.Get(ts.URL + "/v1/proofs/" + dec.ProofID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]json.RawMessage](t, resp)
	var verification struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(got["verification"], &verification))
	assert.True(t, verification.Valid)

	resp, err = http.Get(ts.URL + "/v1/proofs?entityId=agent-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	assert.Equal(t, 1, list.Count)

	resp, err = http.Get(ts.URL + "/v1/proofs/verify")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chainOK := decode[struct {
		Valid       bool   `json:"valid"`
		ChainLength uint64 `json:"chain_length"`
	}](t, resp)
	assert.True(t, chainOK.Valid)
	assert.Equal(t, uint64(1), chainOK.ChainLength)

	resp, err = http.Get(ts.URL + "/v1/proofs/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProofNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/proofs/no-such-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalsAndTrustEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/signals", contracts.TrustSignal{
		EntityID: "agent-1",
		Type:     contracts.SignalSuccessMedium,
		Value:    1.0,
		Weight:   1.0,
		Source:   "executor",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sig := decode[struct {
		EffectiveScore float64 `json:"effectiveScore"`
	}](t, resp)
	assert.Greater(t, sig.EffectiveScore, 100.0)

	resp2, err := http.Get(ts.URL + "/v1/trust/agent-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	tr := decode[struct {
		EffectiveScore float64 `json:"effectiveScore"`
		Tier           string  `json:"tier"`
	}](t, resp2)
	assert.Greater(t, tr.EffectiveScore, 100.0)
	assert.Equal(t, "T1", tr.Tier)
}

func TestSignalsRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/signals", contracts.TrustSignal{
		EntityID: "agent-1",
		Type:     contracts.SignalType("made_up"),
		Value:    0.5,
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscalationReviewRequiresJWT(t *testing.T) {
	ts := newTestServer(t)

	dec := decode[guardian.DecisionResponse](t, postJSON(t, ts.URL+"/v1/decisions", guardian.DecisionRequest{
		EntityID: "agent-1",
		Goal:     "delete old forecast records",
	}, ""))
	require.Equal(t, contracts.ActionEscalate, dec.Decision)
	require.NotEmpty(t, dec.ApprovalID)

	// No token: rejected.
	resp := postJSON(t, ts.URL+"/v1/escalations/"+dec.ApprovalID+"/review",
		map[string]any{"approved": true}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Reviewer token: accepted, escalation approved, follow-up proof written.
	resp = postJSON(t, ts.URL+"/v1/escalations/"+dec.ApprovalID+"/review",
		map[string]any{"approved": true, "notes": "reviewed manually"},
		reviewerToken(t, "human-ops"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	esc := decode[contracts.Escalation](t, resp)
	assert.Equal(t, contracts.EscalationApproved, esc.Status)

	verify, err := http.Get(ts.URL + "/v1/proofs/verify")
	require.NoError(t, err)
	chainOK := decode[struct {
		Valid       bool   `json:"valid"`
		ChainLength uint64 `json:"chain_length"`
	}](t, verify)
	assert.True(t, chainOK.Valid)
	assert.Equal(t, uint64(2), chainOK.ChainLength)
}

func TestEscalationReviewDualControl(t *testing.T) {
	ts := newTestServer(t)

	dec := decode[guardian.DecisionResponse](t, postJSON(t, ts.URL+"/v1/decisions", guardian.DecisionRequest{
		EntityID: "agent-1",
		Goal:     "delete old forecast records",
	}, ""))
	require.NotEmpty(t, dec.ApprovalID)

	// The requesting entity cannot approve its own escalation.
	resp := postJSON(t, ts.URL+"/v1/escalations/"+dec.ApprovalID+"/review",
		map[string]any{"approved": true}, reviewerToken(t, "agent-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscalationAcknowledgeAndGet(t *testing.T) {
	ts := newTestServer(t)

	dec := decode[guardian.DecisionResponse](t, postJSON(t, ts.URL+"/v1/decisions", guardian.DecisionRequest{
		EntityID: "agent-1",
		Goal:     "delete old forecast records",
	}, ""))
	require.NotEmpty(t, dec.ApprovalID)

	resp := postJSON(t, ts.URL+"/v1/escalations/"+dec.ApprovalID+"/acknowledge",
		map[string]any{}, reviewerToken(t, "human-ops"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	esc := decode[contracts.Escalation](t, resp)
	assert.Equal(t, contracts.EscalationAcknowledged, esc.Status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/escalations/"+dec.ApprovalID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reviewerToken(t, "human-ops"))
	getResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	body := decode[map[string]json.RawMessage](t, getResp)
	var audit []contracts.EscalationAudit
	require.NoError(t, json.Unmarshal(body["audit"], &audit))
	assert.Len(t, audit, 2)
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[map[string]any](t, resp)
	assert.EqualValues(t, 0, ready["chainLength"])
	assert.EqualValues(t, 0, ready["pendingEscalations"])
	// No full verification has run yet.
	assert.NotContains(t, ready, "chainValid")

	resp, err = http.Get(ts.URL + "/v1/proofs/verify")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready = decode[map[string]any](t, resp)
	assert.Equal(t, true, ready["chainValid"])
	assert.Contains(t, ready, "lastVerifiedPosition")
}
