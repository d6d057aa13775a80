// Package upstream provides the JSON-RPC HTTP client for forwarding tool
// calls to backend tool servers, wrapped in retries and a per-server circuit
// breaker.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/sony/gobreaker"

	"github.com/tollgate-ai/tollgate/internal/domain/pipeline"
	"github.com/tollgate-ai/tollgate/pkg/mcp"
)

// maxResponseBodySize caps upstream response bodies to prevent OOM from a
// misbehaving server.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// transientError marks an upstream failure worth retrying (5xx, 429,
// network). Anything else fails fast.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// ServerConfig configures one upstream tool server.
type ServerConfig struct {
	// Name is the registry key matched against the envelope's target
	// server.
	Name string `mapstructure:"name" validate:"required"`
	// Endpoint is the JSON-RPC HTTP endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`
	// Timeout bounds a single attempt. Defaults to 30s.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client implements pipeline.Upstream over HTTP JSON-RPC with bounded
// exponential-backoff retries for transient failures and a circuit breaker
// per server.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	servers map[string]*server

	nextID atomic.Int64
}

type server struct {
	cfg     ServerConfig
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates an upstream client over the given server registry.
func NewClient(configs []ServerConfig, logger *slog.Logger) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger,
		servers: map[string]*server{},
	}
	for _, cfg := range configs {
		c.Register(cfg)
	}
	return c
}

// Register adds or replaces a server in the registry.
func (c *Client) Register(cfg ServerConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-" + cfg.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("upstream circuit state changed",
				"server", name, "from", from.String(), "to", to.String())
		},
	})
	c.mu.Lock()
	c.servers[cfg.Name] = &server{cfg: cfg, breaker: breaker}
	c.mu.Unlock()
}

// CallTool forwards a tools/call to the named server.
func (c *Client) CallTool(ctx context.Context, serverName, tool string, args map[string]interface{}) (*pipeline.UpstreamResult, error) {
	c.mu.RLock()
	srv, ok := c.servers[serverName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUpstreamNotFound, serverName)
	}

	msg, err := mcp.NewToolCallRequest(c.nextID.Add(1), tool, args)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	out, err := srv.breaker.Execute(func() (interface{}, error) {
		var result *pipeline.UpstreamResult
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.RetryIf(func(err error) bool {
				var tErr *transientError
				return errors.As(err, &tErr)
			}),
		)
		retryErr := r.Do(func() error {
			aCtx, cancel := context.WithTimeout(ctx, srv.cfg.Timeout)
			defer cancel()

			var callErr error
			result, callErr = c.send(aCtx, srv.cfg.Endpoint, msg.Raw)
			return callErr
		})
		return result, retryErr
	})
	if err != nil {
		return nil, err
	}
	return out.(*pipeline.UpstreamResult), nil
}

// send performs one HTTP attempt and decodes the JSON-RPC response.
func (c *Client) send(ctx context.Context, endpoint string, body []byte) (*pipeline.UpstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("http request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &transientError{err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	decoded, err := mcp.DecodeMessage(respBody)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	jresp, ok := decoded.(*jsonrpc.Response)
	if !ok {
		return nil, errors.New("upstream returned a non-response message")
	}
	if jresp.Error != nil {
		return nil, fmt.Errorf("upstream error: %w", jresp.Error)
	}

	var result mcp.ToolCallResult
	if jresp.Result != nil {
		if err := json.Unmarshal(jresp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &pipeline.UpstreamResult{
		Content: result.Content,
		IsError: result.IsError,
		Usage:   result.Usage,
	}, nil
}

// Compile-time check that Client implements pipeline.Upstream.
var _ pipeline.Upstream = (*Client)(nil)
