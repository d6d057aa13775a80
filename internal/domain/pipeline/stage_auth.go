package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/auth"
)

// AuthStage authenticates the credential and enforces replay protection.
type AuthStage struct {
	authn *auth.Authenticator
	guard *auth.ReplayGuard
}

// NewAuthStage creates the authentication stage.
func NewAuthStage(authn *auth.Authenticator, guard *auth.ReplayGuard) *AuthStage {
	return &AuthStage{authn: authn, guard: guard}
}

// Name implements Stage.
func (s *AuthStage) Name() string { return "auth" }

// Run resolves the credential to an identity and consumes the nonce.
func (s *AuthStage) Run(ctx context.Context, req *Request) error {
	id, err := s.authn.Authenticate(ctx, req.Credential)
	if err != nil {
		if errors.Is(err, auth.ErrAuthMissing) {
			return reject(s.Name(), CodeAuthMissing, "no credentials presented")
		}
		if errors.Is(err, auth.ErrAuthInvalid) {
			return reject(s.Name(), CodeAuthMissing, "credentials did not verify")
		}
		return internalErr(s.Name(), err)
	}
	req.Identity = id

	if s.guard != nil && req.Raw != nil {
		ts := req.Raw.Timestamp
		if ts.IsZero() {
			// No client timestamp: staleness cannot be judged, replay
			// protection on the nonce still applies.
			ts = time.Now()
		}
		if err := s.guard.Check(req.Raw.Nonce, ts); err != nil {
			switch {
			case errors.Is(err, auth.ErrReplayDetected):
				return reject(s.Name(), CodeReplayDetected, "nonce already used")
			case errors.Is(err, auth.ErrStaleRequest):
				return reject(s.Name(), CodeStaleRequest, "request timestamp outside freshness window")
			default:
				return internalErr(s.Name(), err)
			}
		}
	}
	return nil
}

var _ Stage = (*AuthStage)(nil)
