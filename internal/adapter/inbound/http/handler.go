// Package http provides the inbound HTTP transport for the gateway.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tollgate-ai/tollgate/internal/domain/action"
	"github.com/tollgate-ai/tollgate/internal/domain/pipeline"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// invokeResponse is the success envelope returned by POST /v1/invoke.
type invokeResponse struct {
	RequestID   string                   `json:"request_id"`
	Decision    string                   `json:"decision"`
	ReasonCodes []string                 `json:"reason_codes,omitempty"`
	Content     []map[string]interface{} `json:"content,omitempty"`
	IsError     bool                     `json:"is_error,omitempty"`
	CostSettled float64                  `json:"cost_settled"`
	ReceiptID   string                   `json:"receipt_id,omitempty"`
	ReceiptHash string                   `json:"receipt_hash,omitempty"`
}

// errorResponse is the structured error envelope for rejected requests.
type errorResponse struct {
	Code        string   `json:"code"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	Message     string   `json:"message,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

// invokeHandler runs one raw action request through the pipeline.
func invokeHandler(runner *pipeline.Runner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, &errorResponse{
				Code:    string(pipeline.CodeSchemaMismatch),
				Message: "method not allowed",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer func() { _ = r.Body.Close() }()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, &errorResponse{
					Code:    string(pipeline.CodeSchemaMismatch),
					Message: "request body too large (max 1MB)",
				})
				return
			}
			writeError(w, http.StatusBadRequest, &errorResponse{
				Code:    string(pipeline.CodeSchemaMismatch),
				Message: "failed to read request body",
			})
			return
		}

		var raw action.RawRequest
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, http.StatusBadRequest, &errorResponse{
				Code:    string(pipeline.CodeSchemaMismatch),
				Message: "invalid JSON body",
			})
			return
		}

		req := &pipeline.Request{
			Credential: r.Header.Get("Authorization"),
			Raw:        &raw,
		}

		res, err := runner.Execute(r.Context(), req)
		if err != nil {
			// Client disconnected; nothing useful to write.
			if r.Context().Err() != nil {
				return
			}
			var perr *pipeline.Error
			if !errors.As(err, &perr) {
				logger.Error("pipeline returned a non-pipeline error", "error", err)
				writeError(w, http.StatusInternalServerError, &errorResponse{
					Code:    string(pipeline.CodeInternal),
					Message: "internal error",
				})
				return
			}
			writeError(w, statusForCode(perr.Code), &errorResponse{
				Code:        string(perr.Code),
				ReasonCodes: perr.ReasonCodes,
				Message:     perr.Message,
				RequestID:   requestIDOf(req),
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(invokeResponse{
			RequestID:   res.RequestID,
			Decision:    res.Decision,
			ReasonCodes: res.ReasonCodes,
			Content:     res.Content,
			IsError:     res.IsError,
			CostSettled: res.CostSettled,
			ReceiptID:   res.ReceiptID,
			ReceiptHash: res.ReceiptHash,
		}); err != nil {
			logger.Error("failed to write invoke response", "error", err)
		}
	})
}

// statusForCode maps the pipeline error taxonomy onto HTTP status codes.
func statusForCode(code pipeline.Code) int {
	switch code {
	case pipeline.CodeAuthMissing, pipeline.CodeStaleRequest:
		return http.StatusUnauthorized
	case pipeline.CodeReplayDetected:
		return http.StatusConflict
	case pipeline.CodeSchemaMismatch:
		return http.StatusBadRequest
	case pipeline.CodeForbiddenTool, pipeline.CodePolicyViolation,
		pipeline.CodeSSRFBlocked, pipeline.CodePIIDetected,
		pipeline.CodeTenantScopeViolation, pipeline.CodePricingNotFound:
		return http.StatusForbidden
	case pipeline.CodeBudgetExceeded, pipeline.CodeBudgetHardLimit:
		return http.StatusPaymentRequired
	case pipeline.CodeEconRateLimit:
		return http.StatusTooManyRequests
	case pipeline.CodeUpstreamNotFound:
		return http.StatusNotFound
	case pipeline.CodeCircuitOpen, pipeline.CodeConcurrency:
		return http.StatusServiceUnavailable
	case pipeline.CodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, resp *errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDOf(req *pipeline.Request) string {
	if req.Envelope != nil {
		return req.Envelope.ID
	}
	return ""
}
