package sandbox

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptocardia/sandbox/internal/audit"
)

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/sandbox"))
	return r
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Evaluate(t *testing.T) {
	r := setupRouter(newTestEnv().svc)

	w := doRequest(r, "POST", "/sandbox/evaluate", `{
		"intent": {"amountUsd": 250000, "recipient": "0xabc"},
		"scenario": {"new_recipient": true, "high_velocity": true}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.NotEmpty(t, resp["runId"])
	assert.Equal(t, map[string]any{"decision": "ALLOW", "risk": "LOW"}, resp["baseline"])

	governed := resp["governed"].(map[string]any)
	assert.Equal(t, "DENY", governed["decision"])
	assert.Equal(t, "HIGH", governed["risk"])
	assert.Equal(t, float64(90), governed["score"])
	assert.Equal(t, []any{"HIGH_AMOUNT", "NEW_RECIPIENT", "HIGH_VELOCITY"}, governed["reasons"])
	assert.Equal(t, false, governed["integrityFailure"])

	economics := resp["economics"].(map[string]any)
	assert.Equal(t, float64(250000), economics["attemptedValue"])
	assert.Equal(t, float64(250000), economics["preventedLoss"])
	assert.Equal(t, float64(0), economics["frictionCost"])
	assert.Equal(t, float64(0), economics["falsePositiveCost"])
	assert.Equal(t, float64(250000), economics["netSecurityValue"])

	_, hasExecution := resp["execution"]
	assert.False(t, hasExecution, "execution block only appears when a record is submitted")

	p := resp["policy"].(map[string]any)
	assert.Equal(t, defaultPolicyHash, p["hash"])

	a := resp["audit"].(map[string]any)
	assert.NotEmpty(t, a["eventId"])
	assert.Equal(t, "", a["prevHash"])
}

func TestHandler_EvaluateTamperedExecution(t *testing.T) {
	r := setupRouter(newTestEnv().svc)

	w := doRequest(r, "POST", "/sandbox/evaluate", `{
		"intent": {"amountUsd": 100},
		"scenario": {"contract_param_tamper": true},
		"execution": {"to": "0xabc", "amount": 100}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Execution)
	assert.True(t, resp.Execution.Tampered)
	assert.Equal(t, intendedExecHash, resp.Execution.ExpectedHash)
	assert.Equal(t, tamperedExecHash, resp.Execution.ActualHash)
	assert.Equal(t, "CRITICAL", string(resp.Governed.Risk))
}

func TestHandler_EvaluateValidation(t *testing.T) {
	r := setupRouter(newTestEnv().svc)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `nope`, "body"},
		{"missing intent", `{"scenario":{}}`, "intent"},
		{"missing scenario", `{"intent":{"amountUsd":1}}`, "scenario"},
		{"intent not object", `{"intent":5,"scenario":{}}`, "intent"},
		{"missing amount", `{"intent":{},"scenario":{}}`, "amountUsd"},
		{"null amount", `{"intent":{"amountUsd":null},"scenario":{}}`, "amountUsd"},
		{"string amount", `{"intent":{"amountUsd":"100"},"scenario":{}}`, "amountUsd"},
		{"negative amount", `{"intent":{"amountUsd":-5},"scenario":{}}`, "amountUsd"},
		{"non-bool flag", `{"intent":{"amountUsd":1},"scenario":{"new_recipient":"yes"}}`, "scenario"},
		{"nul in intent value", `{"intent":{"amountUsd":1,"memo":"a\u0000b"},"scenario":{}}`, "intent"},
		{"nul in intent key", `{"intent":{"amountUsd":1,"a\u0000":1},"scenario":{}}`, "intent"},
		{"nul in nested intent", `{"intent":{"amountUsd":1,"meta":{"tags":["\u0000"]}},"scenario":{}}`, "intent"},
		{"nul in scenario key", `{"intent":{"amountUsd":1},"scenario":{"x\u0000":true}}`, "scenario"},
		{"nul in execution", `{"intent":{"amountUsd":1},"scenario":{},"execution":{"to":["\u0000"]}}`, "execution"},
		{"nul as execution", `{"intent":{"amountUsd":1},"scenario":{},"execution":"\u0000"}`, "execution"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, "POST", "/sandbox/evaluate", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "invalid_request", resp["error"])
			assert.Equal(t, tt.field, resp["field"])
		})
	}
}

func TestDecodeRequest_EscapedBackslashIsNotNUL(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"intent":{"amountUsd":1,"memo":"\\u0000"},"scenario":{},"execution":{"note":"\\u0000"}}`))
	require.NoError(t, err)
	assert.Equal(t, `\u0000`, req.Intent.Attributes["memo"])
}

func TestNewRequest_RejectsNUL(t *testing.T) {
	_, err := NewRequest(1, map[string]any{"memo": "a\x00"}, nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "intent", ve.Field)

	_, err = NewRequest(1, nil, map[string]bool{"x\x00": true}, nil)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scenario", ve.Field)

	_, err = NewRequest(1, nil, nil, []any{map[string]any{"k": "\x00"}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "execution", ve.Field)
}

func TestHandler_EvaluatePersistenceError(t *testing.T) {
	svc := NewService(nil, NewMemoryStore(), audit.NewChain(&failingEventStore{audit.NewMemoryStore()}), nil)
	r := setupRouter(svc)

	w := doRequest(r, "POST", "/sandbox/evaluate", `{"intent":{"amountUsd":1},"scenario":{}}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "persistence_error")
	assert.NotContains(t, w.Body.String(), "disk full")
}

func TestHandler_DashboardAndRuns(t *testing.T) {
	r := setupRouter(newTestEnv().svc)

	w := doRequest(r, "GET", "/sandbox/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"totalRuns":0,"totalAttempted":0,"totalPrevented":0,"totalFriction":0,
		"totalFalsePositive":0,"netSecurityValue":0,
		"denyCount":0,"stepUpCount":0,"allowCount":0,"blockRate":0
	}`, w.Body.String())

	w = doRequest(r, "GET", "/sandbox/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[],"count":0,"hasMore":false}`, w.Body.String())

	w = doRequest(r, "POST", "/sandbox/evaluate", `{"intent":{"amountUsd":120000},"scenario":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = doRequest(r, "GET", "/sandbox/dashboard", "")
	var summary Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.TotalRuns)
	assert.Equal(t, int64(1), summary.StepUpCount)
	assert.Equal(t, 25.0, summary.TotalFriction)
	assert.Equal(t, -25.0, summary.NetSecurityValue)

	w = doRequest(r, "GET", "/sandbox/runs?limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), res.RunID)

	w = doRequest(r, "GET", "/sandbox/runs/"+res.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Run Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, res.RunID, got.Run.ID)
	assert.Equal(t, 120000.0, got.Run.Intent.AmountUSD)

	w = doRequest(r, "GET", "/sandbox/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_AuditEndpoints(t *testing.T) {
	env := newTestEnv()
	r := setupRouter(env.svc)

	w := doRequest(r, "POST", "/sandbox/evaluate", `{"intent":{"amountUsd":10},"scenario":{"ttl_expired":true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = doRequest(r, "GET", "/sandbox/runs/"+res.RunID+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Events []*audit.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trail))
	require.Equal(t, 1, trail.Count)
	assert.Equal(t, res.Audit.EventHash, trail.Events[0].EventHash)

	w = doRequest(r, "GET", "/sandbox/runs/"+res.RunID+"/audit/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"valid":true`))

	w = doRequest(r, "GET", "/sandbox/runs/missing/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doRequest(r, "GET", "/sandbox/runs/missing/audit/verify", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Policy(t *testing.T) {
	r := setupRouter(newTestEnv().svc)

	w := doRequest(r, "GET", "/sandbox/policy", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ref struct {
			ID, Version, Hash string
		} `json:"ref"`
		ContentHash string         `json:"contentHash"`
		Policy      map[string]any `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cryptocardia-lab-governance", resp.Ref.ID)
	assert.Equal(t, defaultPolicyHash, resp.Ref.Hash)
	assert.Len(t, resp.ContentHash, 64)
	assert.NotNil(t, resp.Policy["hardFails"])
}

func TestHandler_ListRunsPaging(t *testing.T) {
	env := newTestEnv()
	r := setupRouter(env.svc)
	for i := 0; i < 3; i++ {
		w := doRequest(r, "POST", "/sandbox/evaluate", `{"intent":{"amountUsd":10},"scenario":{}}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	var page Page
	w := doRequest(r, "GET", "/sandbox/runs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	seen := map[string]bool{page.Runs[0].ID: true, page.Runs[1].ID: true}

	w = doRequest(r, "GET", "/sandbox/runs?limit=2&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	page = Page{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
	assert.False(t, seen[page.Runs[0].ID], "pages must not overlap")

	w = doRequest(r, "GET", "/sandbox/runs?cursor=!!", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"cursor"`)
}
