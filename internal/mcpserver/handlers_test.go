package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/sandbox"
)

const testRunID = "3f2b8c1e-7d4a-4b6e-9c2f-1a5d8e9b0c7f"

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewSandboxClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

// newLiveSetup serves a real in-memory sandbox.
func newLiveSetup(t *testing.T) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc := sandbox.NewService(nil, sandbox.NewMemoryStore(), audit.NewChain(audit.NewMemoryStore()), nil)
	sandbox.NewHandler(svc).RegisterRoutes(r.Group("/sandbox"))
	h, cleanup := newTestSetup(r)
	t.Cleanup(cleanup)
	return h
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_request",
			"message": "intent.amountUsd must be a finite non-negative number",
		})
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL})
	_, err := client.Dashboard(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "finite non-negative")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL})
	_, err := client.Policy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewSandboxClient(Config{APIURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := client.Dashboard(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewSandboxClient(Config{APIURL: ts.URL})
	_, err := client.Dashboard(ctx)
	require.Error(t, err)
}

func TestClient_Evaluate_RequestBody(t *testing.T) {
	var gotBody map[string]any
	var gotPath, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"runId":"` + testRunID + `","governed":{"decision":"ALLOW","risk":"LOW","reasons":[]}}`))
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL})
	result, err := client.Evaluate(context.Background(), EvaluateInput{
		AmountUSD:  500,
		Attributes: map[string]any{"recipient": "0xabc", "amountUsd": 1},
		Scenario:   map[string]any{"new_recipient": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "/sandbox/evaluate", gotPath)
	assert.Equal(t, "POST", gotMethod)
	intent := gotBody["intent"].(map[string]any)
	assert.Equal(t, float64(500), intent["amountUsd"], "amount_usd wins over an attribute of the same name")
	assert.Equal(t, "0xabc", intent["recipient"])
	assert.Equal(t, true, gotBody["scenario"].(map[string]any)["new_recipient"])
	_, hasExecution := gotBody["execution"]
	assert.False(t, hasExecution)

	assert.Equal(t, testRunID, result.RunID)
	assert.Equal(t, "ALLOW", string(result.Governed.Decision))
}

func TestClient_ListRuns_QueryParams(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"runs":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL})
	_, err := client.ListRuns(context.Background(), 5, "")
	require.NoError(t, err)
	assert.Equal(t, "limit=5", gotQuery)

	_, err = client.ListRuns(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Empty(t, gotQuery)

	_, err = client.ListRuns(context.Background(), 2, "abc")
	require.NoError(t, err)
	assert.Equal(t, "cursor=abc&limit=2", gotQuery)
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL, FailureThreshold: 2, OpenDuration: time.Hour})
	for i := 0; i < 2; i++ {
		_, err := client.Dashboard(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	}

	_, err := client.Dashboard(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls, "open circuit must not reach the server")
}

func TestClient_BreakerIgnoresClientErrors(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Run not found"}`))
	}))
	defer ts.Close()

	client := NewSandboxClient(Config{APIURL: ts.URL, FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := client.GetRun(context.Background(), testRunID)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "not_found", apiErr.Code)
	}
	assert.Equal(t, 3, calls)
}

// ============================================================
// Handler tests (stubbed API)
// ============================================================

func TestHandleEvaluateIntent_MissingAmount(t *testing.T) {
	h := NewHandlers(NewSandboxClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleEvaluateIntent(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount_usd is required")
}

func TestHandleEvaluateIntent_NegativeAmount(t *testing.T) {
	h := NewHandlers(NewSandboxClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleEvaluateIntent(context.Background(), makeRequest(map[string]any{"amount_usd": -5.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleEvaluateIntent_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal_error", "message": "store unavailable"})
	}))
	defer cleanup()

	result, err := h.HandleEvaluateIntent(context.Background(), makeRequest(map[string]any{"amount_usd": 100.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "store unavailable")
}

func TestHandleGetRun_Validation(t *testing.T) {
	h := NewHandlers(NewSandboxClient(Config{APIURL: "http://unused"}))

	result, err := h.HandleGetRun(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "run_id is required")

	result, err = h.HandleGetRun(context.Background(), makeRequest(map[string]any{"run_id": "../policy"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "UUID")
}

func TestHandleVerifyRunAudit_Broken(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sandbox/runs/"+testRunID+"/audit/verify", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"verification":{"runId":"` + testRunID + `","valid":false,"events":2,"firstBrokenSeq":1,` +
			`"checks":[{"eventId":"e1","seq":1,"valid":false,"error":"event hash mismatch"},` +
			`{"eventId":"e2","seq":2,"valid":false,"error":"prev hash mismatch"}]}}`))
	}))
	defer cleanup()

	result, err := h.HandleVerifyRunAudit(context.Background(), makeRequest(map[string]any{"run_id": testRunID}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "BROKEN at seq 1")
	assert.Contains(t, text, "event hash mismatch")
	assert.Contains(t, text, "prev hash mismatch")
}

func TestHandleListRuns_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runs":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListRuns(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded yet.", resultText(t, result))
}

func TestHandleGetPolicy(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ref":{"id":"cryptocardia-default","version":"1"}}`))
	}))
	defer cleanup()

	result, err := h.HandleGetPolicy(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "\n  \"ref\"")
}

// ============================================================
// End-to-end against an in-memory sandbox
// ============================================================

func TestLive_EvaluateThenVerify(t *testing.T) {
	h := newLiveSetup(t)
	ctx := context.Background()

	result, err := h.HandleEvaluateIntent(ctx, makeRequest(map[string]any{
		"amount_usd": 250000.0,
		"scenario":   map[string]any{"new_recipient": true, "high_velocity": true, "is_attack": true},
		"attributes": map[string]any{"recipient": "0xabc"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Baseline: ALLOW (LOW risk)")
	assert.Contains(t, text, "Governed: DENY (HIGH risk, score 90)")
	assert.Contains(t, text, "HIGH_AMOUNT")
	assert.Contains(t, text, "prevented $250000.00")

	listed, err := h.HandleListRuns(ctx, makeRequest(map[string]any{"limit": 10.0}))
	require.NoError(t, err)
	listText := resultText(t, listed)
	assert.Contains(t, listText, "1 recent runs")
	assert.Contains(t, listText, "DENY")

	runID := strings.Fields(strings.TrimPrefix(text, "Run "))[0]
	verified, err := h.HandleVerifyRunAudit(ctx, makeRequest(map[string]any{"run_id": runID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, verified), "is intact (1 events)")

	dash, err := h.HandleGetDashboard(ctx, makeRequest(nil))
	require.NoError(t, err)
	dashText := resultText(t, dash)
	assert.Contains(t, dashText, "over 1 runs")
	assert.Contains(t, dashText, "1 DENY, 0 STEP_UP, 0 ALLOW")
}

func TestLive_TamperedExecution(t *testing.T) {
	h := newLiveSetup(t)

	result, err := h.HandleEvaluateIntent(context.Background(), makeRequest(map[string]any{
		"amount_usd": 100.0,
		"scenario":   map[string]any{"contract_param_tamper": true},
		"execution":  map[string]any{"to": "0xabc", "amount": 100.0},
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Governed: DENY (CRITICAL risk, score 0)")
	assert.Contains(t, text, "EXEC_HASH_MISMATCH")
	assert.Contains(t, text, "(TAMPERED)")
	assert.Contains(t, text, "Integrity failure: yes")
}

func TestLive_ListRunsPaged(t *testing.T) {
	h := newLiveSetup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.HandleEvaluateIntent(ctx, makeRequest(map[string]any{"amount_usd": 10.0}))
		require.NoError(t, err)
	}

	first, err := h.HandleListRuns(ctx, makeRequest(map[string]any{"limit": 2.0}))
	require.NoError(t, err)
	text := resultText(t, first)
	assert.Contains(t, text, "2 recent runs")
	require.Contains(t, text, "pass cursor ")

	cursor := strings.Trim(strings.Fields(text[strings.Index(text, "pass cursor ")+len("pass cursor "):])[0], `"`)
	second, err := h.HandleListRuns(ctx, makeRequest(map[string]any{"limit": 2.0, "cursor": cursor}))
	require.NoError(t, err)
	text = resultText(t, second)
	assert.Contains(t, text, "1 recent runs")
	assert.NotContains(t, text, "pass cursor")
}

func TestLive_UnknownRun(t *testing.T) {
	h := newLiveSetup(t)

	result, err := h.HandleGetRun(context.Background(), makeRequest(map[string]any{"run_id": testRunID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "404")
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatRunList_MalformedJSON(t *testing.T) {
	_, err := formatRunList(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "7c8b4cb8e0f1…", short("7c8b4cb8e0f1aa22"))
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "{bad", formatJSON(json.RawMessage(`{bad`)))
}

func TestGetFloat(t *testing.T) {
	v, ok := getFloat(map[string]any{"amount_usd": 12.5}, "amount_usd")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	_, ok = getFloat(map[string]any{"amount_usd": "12.5"}, "amount_usd")
	assert.False(t, ok)
}

func TestGetString_NumericValue(t *testing.T) {
	assert.Equal(t, "250000", getString(map[string]any{"amountUsd": 250000.0}, "amountUsd"))
}
