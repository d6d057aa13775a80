package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
	"github.com/tollgate-ai/tollgate/internal/service"
	"github.com/tollgate-ai/tollgate/pkg/mcp"
)

const testAPIKey = "tgk_e2etestkey0042"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toolServer is a minimal JSON-RPC tool server answering every tools/call
// with a fixed result and usage.
func toolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(body, &req)
		resBytes, _ := json.Marshal(mcp.ToolCallResult{
			Content: []map[string]interface{}{{"type": "text", "text": "results"}},
			Usage:   &mcp.Usage{InputTokens: 100, OutputTokens: 50},
		})
		resp := map[string]json.RawMessage{
			"jsonrpc": json.RawMessage(`"2.0"`),
			"id":      req.ID,
			"result":  resBytes,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRulesetFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "acme.yaml")
	ruleset := `tenant_id: acme
version: v1
rules:
  - id: allow-search
    priority: 10
    effect: allow
    when:
      tools: ["search"]
`
	if err := os.WriteFile(path, []byte(ruleset), 0o600); err != nil {
		t.Fatalf("write ruleset: %v", err)
	}
	return path
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	keyFile := filepath.Join(dir, "signing.json")
	if _, err := receipt.GenerateKeyFile(keyFile, "test-key"); err != nil {
		t.Fatalf("generate key file: %v", err)
	}
	hash, err := argon2id.CreateHash(testAPIKey, argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("hash api key: %v", err)
	}

	cfg := &config.Config{
		// The listener is never started in tests; requests go through
		// Handler directly.
		Server:  config.ServerConfig{Addr: "127.0.0.1:8080"},
		Storage: config.StorageConfig{Driver: "sqlite", Path: ":memory:"},
		Ledger: config.LedgerConfig{
			Accounts: []config.AccountConfig{
				{Scope: "tenant:acme", HardLimit: 100, SoftLimit: 80},
			},
		},
		Pricing: config.PricingConfig{
			Tiers: []config.TierConfig{
				{Provider: "openai", Model: "gpt-4", Endpoint: "chat",
					InputPrice: 1, OutputPrice: 2, FlatFee: 0.001, Currency: "USD"},
			},
			Tools: map[string]config.ToolPricingConfig{
				"search": {Provider: "openai", Model: "gpt-4", Endpoint: "chat"},
			},
		},
		RateLimits: config.RateLimitsConfig{
			AgentRequests: config.LimitConfig{Rate: 100, Period: "1m"},
			TenantCost:    config.LimitConfig{Rate: 1000, Period: "1h"},
		},
		Policy: config.PolicyConfig{
			DefaultDecision: "deny",
			RulesetFiles:    []string{writeRulesetFile(t, dir)},
		},
		Upstreams: []config.UpstreamConfig{
			{Name: "tools-main", Endpoint: upstreamURL, Timeout: "5s"},
		},
		Auth: config.AuthConfig{
			Keys: []config.APIKeyConfig{
				{KeyID: "key-1", Prefix: testAPIKey[:12], Hash: hash,
					Tenant: "acme", Agent: "agent-1", Role: "developer"},
			},
		},
		Signing: config.SigningConfig{KeyFile: keyFile},
		Audit:   config.AuditConfig{Output: "file://" + filepath.Join(dir, "audit.jsonl")},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	return cfg
}

func newTestGateway(t *testing.T) (*service.Gateway, *httptest.Server) {
	t.Helper()
	upstream := toolServer(t)
	g, err := service.NewGateway(testConfig(t, upstream.URL), testLogger())
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func invoke(t *testing.T, srv *httptest.Server, credential, tool, nonce string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"type":          "query",
		"action":        tool,
		"parameters":    map[string]interface{}{"q": "golang"},
		"source":        "agent-1",
		"target_server": "tools-main",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"nonce":         nonce,
	})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestGatewayEndToEnd(t *testing.T) {
	g, srv := newTestGateway(t)

	resp := invoke(t, srv, "Bearer "+testAPIKey, "search", "nonce-e2e-1")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	out := decodeBody(t, resp)
	if out["decision"] != "allow" {
		t.Errorf("decision = %v", out["decision"])
	}
	if cost, _ := out["cost_settled"].(float64); cost <= 0 {
		t.Errorf("cost_settled = %v, want > 0", out["cost_settled"])
	}
	if out["receipt_id"] == nil || out["receipt_hash"] == nil {
		t.Errorf("receipt missing from response: %v", out)
	}

	report, err := g.Verifier().VerifyScope(context.Background(), "tenant:acme")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.OK() || report.Receipts != 1 {
		t.Errorf("chain report = %+v", report)
	}
}

func TestGatewayChainGrowsPerRequest(t *testing.T) {
	g, srv := newTestGateway(t)

	for i := 0; i < 3; i++ {
		resp := invoke(t, srv, "Bearer "+testAPIKey, "search", fmt.Sprintf("nonce-chain-%d", i))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}

	report, err := g.Verifier().VerifyScope(context.Background(), "tenant:acme")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.OK() || report.Receipts != 3 {
		t.Errorf("chain report = %+v", report)
	}
}

func TestGatewayDeniesUnlistedTool(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := invoke(t, srv, "Bearer "+testAPIKey, "delete_everything", "nonce-deny-1")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["code"] != "POLICY_VIOLATION" {
		t.Errorf("code = %v", out["code"])
	}
}

func TestGatewayRejectsReplay(t *testing.T) {
	_, srv := newTestGateway(t)

	if resp := invoke(t, srv, "Bearer "+testAPIKey, "search", "nonce-replay"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp := invoke(t, srv, "Bearer "+testAPIKey, "search", "nonce-replay")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replayed request status = %d, want 409", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["code"] != "REPLAY_ATTACK_DETECTED" {
		t.Errorf("code = %v", out["code"])
	}
}

func TestGatewayRejectsBadCredential(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := invoke(t, srv, "Bearer tgk_wrongwrongwrong", "search", "nonce-bad-key")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = invoke(t, srv, "", "search", "nonce-no-key")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing credential status = %d, want 401", resp.StatusCode)
	}
}
