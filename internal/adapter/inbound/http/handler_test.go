package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tollgate-ai/tollgate/internal/domain/action"
	"github.com/tollgate-ai/tollgate/internal/domain/audit"
	"github.com/tollgate-ai/tollgate/internal/domain/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStage lets tests script pipeline behavior without wiring real stages.
type stubStage struct {
	name string
	run  func(ctx context.Context, req *pipeline.Request) error
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Run(ctx context.Context, req *pipeline.Request) error {
	return s.run(ctx, req)
}

func newTestTransport(t *testing.T, stages ...pipeline.Stage) *Transport {
	t.Helper()
	runner := pipeline.NewRunner(stages, nil, audit.Nop{}, nil, testLogger())
	return NewTransport(runner, nil, WithLogger(testLogger()))
}

func succeedingStage() pipeline.Stage {
	return &stubStage{name: "stub", run: func(_ context.Context, req *pipeline.Request) error {
		req.Envelope = &action.Envelope{ID: "req-1", Action: req.Raw.Action}
		req.Upstream = &pipeline.UpstreamResult{
			Content: []map[string]interface{}{{"type": "text", "text": "ok"}},
		}
		req.RealCost = 0.05
		return nil
	}}
}

func invokeBody() string {
	return `{"type":"query","action":"search","parameters":{"q":"hello"},"target_server":"tools-main"}`
}

func TestInvokeSuccess(t *testing.T) {
	tr := newTestTransport(t, succeedingStage())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/invoke", "application/json", strings.NewReader(invokeBody()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RequestID != "req-1" || out.Decision != "allow" {
		t.Errorf("response = %+v", out)
	}
	if len(out.Content) != 1 || out.CostSettled != 0.05 {
		t.Errorf("response = %+v", out)
	}
}

func TestInvokeRejection(t *testing.T) {
	denying := &stubStage{name: "policy", run: func(_ context.Context, req *pipeline.Request) error {
		req.Envelope = &action.Envelope{ID: "req-2"}
		return &pipeline.Error{
			Code:        pipeline.CodePolicyViolation,
			Message:     "denied by policy",
			ReasonCodes: []string{"DEFAULT_DENY"},
		}
	}}
	tr := newTestTransport(t, denying)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/invoke", "application/json", strings.NewReader(invokeBody()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != "POLICY_VIOLATION" || out.RequestID != "req-2" {
		t.Errorf("error envelope = %+v", out)
	}
	if len(out.ReasonCodes) != 1 || out.ReasonCodes[0] != "DEFAULT_DENY" {
		t.Errorf("reason codes = %v", out.ReasonCodes)
	}
}

func TestInvokeBadJSON(t *testing.T) {
	tr := newTestTransport(t, succeedingStage())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/invoke", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != "SCHEMA_MISMATCH" {
		t.Errorf("code = %q", out.Code)
	}
}

func TestInvokeMethodNotAllowed(t *testing.T) {
	tr := newTestTransport(t, succeedingStage())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/invoke")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	tr := newTestTransport(t, succeedingStage())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	runner := pipeline.NewRunner(
		[]pipeline.Stage{succeedingStage()}, nil, audit.Nop{},
		pipeline.NewMetrics(reg), testLogger(),
	)
	tr := NewTransport(runner, reg, WithLogger(testLogger()))
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	// Drive one request so the counters have something to report.
	resp, err := http.Post(srv.URL+"/v1/invoke", "application/json", strings.NewReader(invokeBody()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tollgate_requests_total") {
		t.Error("metrics output missing tollgate_requests_total")
	}
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code pipeline.Code
		want int
	}{
		{pipeline.CodeAuthMissing, http.StatusUnauthorized},
		{pipeline.CodeReplayDetected, http.StatusConflict},
		{pipeline.CodeSchemaMismatch, http.StatusBadRequest},
		{pipeline.CodeForbiddenTool, http.StatusForbidden},
		{pipeline.CodeBudgetHardLimit, http.StatusPaymentRequired},
		{pipeline.CodeEconRateLimit, http.StatusTooManyRequests},
		{pipeline.CodeUpstreamNotFound, http.StatusNotFound},
		{pipeline.CodeCircuitOpen, http.StatusServiceUnavailable},
		{pipeline.CodeUpstreamFailed, http.StatusBadGateway},
		{pipeline.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForCode(tc.code); got != tc.want {
			t.Errorf("statusForCode(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
