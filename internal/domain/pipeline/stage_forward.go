package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrUpstreamNotFound is returned by Upstream implementations when no
// backend is registered for the target server.
var ErrUpstreamNotFound = errors.New("upstream not found")

// ForwardStage sends the (possibly transformed) envelope to the upstream
// tool server and captures the result.
type ForwardStage struct {
	upstream Upstream
}

// NewForwardStage creates the forwarding stage.
func NewForwardStage(upstream Upstream) *ForwardStage {
	return &ForwardStage{upstream: upstream}
}

// Name implements Stage.
func (s *ForwardStage) Name() string { return "forward" }

// Run forwards the call. Failures surface with the matching taxonomy code;
// the runner voids the reservation on any of them.
func (s *ForwardStage) Run(ctx context.Context, req *Request) error {
	result, err := s.upstream.CallTool(ctx, req.Envelope.Meta.TargetServer, req.Envelope.Action, req.Envelope.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, ErrUpstreamNotFound):
			return reject(s.Name(), CodeUpstreamNotFound,
				fmt.Sprintf("no upstream registered for %q", req.Envelope.Meta.TargetServer))
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return reject(s.Name(), CodeCircuitOpen, "upstream circuit breaker open")
		default:
			return &Error{
				Code:    CodeUpstreamFailed,
				Stage:   s.Name(),
				Message: "upstream call failed",
				Err:     err,
			}
		}
	}
	req.Upstream = result
	return nil
}

var _ Stage = (*ForwardStage)(nil)
