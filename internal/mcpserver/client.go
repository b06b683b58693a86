package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/circuitbreaker"
	"github.com/cryptocardia/sandbox/internal/sandbox"
)

// ErrUnavailable is returned without contacting the server while the
// client's circuit breaker is open.
var ErrUnavailable = errors.New("sandbox API unavailable")

// Config holds the configuration for connecting to a sandbox server.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:4001"
	Timeout time.Duration

	// FailureThreshold consecutive transport or 5xx failures open the
	// circuit for OpenDuration. Zero values use the breaker defaults.
	FailureThreshold int
	OpenDuration     time.Duration
}

// SandboxClient is a pure HTTP client for the sandbox API.
type SandboxClient struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewSandboxClient creates a new client for the sandbox API.
func NewSandboxClient(cfg Config) *SandboxClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SandboxClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg.FailureThreshold, cfg.OpenDuration),
	}
}

// APIError is a non-2xx response from the sandbox. Body holds the raw
// response so callers can decode endpoints that report through error
// statuses, such as a broken audit chain.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.Body))
}

// trips reports whether err says the server, rather than the request, is at fault.
func trips(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// doRequest makes an HTTP request to the sandbox and returns the response body.
func (c *SandboxClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var out json.RawMessage
	err = c.breaker.Do(c.cfg.APIURL, trips, func() error {
		out, err = c.send(req)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, c.cfg.APIURL)
	}
	return out, err
}

func (c *SandboxClient) send(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &body) == nil {
			apiErr.Code, apiErr.Message = body.Error, body.Message
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// EvaluateInput is the tool-facing shape of an evaluation request.
type EvaluateInput struct {
	AmountUSD  float64
	Attributes map[string]any
	Scenario   map[string]any
	Execution  any
}

func (in EvaluateInput) body() map[string]any {
	intent := make(map[string]any, len(in.Attributes)+1)
	for k, v := range in.Attributes {
		intent[k] = v
	}
	intent["amountUsd"] = in.AmountUSD

	scenario := in.Scenario
	if scenario == nil {
		scenario = map[string]any{}
	}

	body := map[string]any{
		"intent":   intent,
		"scenario": scenario,
	}
	if in.Execution != nil {
		body["execution"] = in.Execution
	}
	return body
}

// Evaluate submits one intent to the sandbox.
func (c *SandboxClient) Evaluate(ctx context.Context, in EvaluateInput) (*sandbox.Result, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/sandbox/evaluate", nil, in.body())
	if err != nil {
		return nil, err
	}
	var result sandbox.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

// Dashboard returns the running totals.
func (c *SandboxClient) Dashboard(ctx context.Context) (*sandbox.Summary, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/sandbox/dashboard", nil, nil)
	if err != nil {
		return nil, err
	}
	var summary sandbox.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}

// GetRun returns one stored run as raw JSON.
func (c *SandboxClient) GetRun(ctx context.Context, runID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/sandbox/runs/"+url.PathEscape(runID), nil, nil)
}

// ListRuns returns one page of runs, newest first, as raw JSON. An empty
// cursor starts from the newest run.
func (c *SandboxClient) ListRuns(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/sandbox/runs", q, nil)
}

// VerifyAudit replays a run's audit chain on the server.
func (c *SandboxClient) VerifyAudit(ctx context.Context, runID string) (*audit.Report, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/sandbox/runs/"+url.PathEscape(runID)+"/audit/verify", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		raw, err = apiErr.Body, nil
	}
	if err != nil {
		return nil, err
	}
	var resp struct {
		Verification audit.Report `json:"verification"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode verification: %w", err)
	}
	return &resp.Verification, nil
}

// Policy returns the active policy document as raw JSON.
func (c *SandboxClient) Policy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/sandbox/policy", nil, nil)
}
