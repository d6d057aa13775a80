package pipeline

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/tollgate-ai/tollgate/internal/domain/action"
)

// rawShape mirrors action.RawRequest with validation tags. Validation runs
// on this projection so the domain type stays free of transport concerns.
type rawShape struct {
	Type         string `validate:"omitempty,oneof=command query"`
	Action       string `validate:"required,min=1,max=256"`
	Source       string `validate:"omitempty,max=256"`
	TargetServer string `validate:"required,min=1,max=256"`
	SessionID    string `validate:"omitempty,max=256"`
}

// ValidateStage validates the raw request shape and normalizes it into the
// canonical envelope.
type ValidateStage struct {
	validate   *validator.Validate
	normalizer *action.Normalizer
}

// NewValidateStage creates the validation stage.
func NewValidateStage() *ValidateStage {
	return &ValidateStage{
		validate:   validator.New(),
		normalizer: action.NewNormalizer(),
	}
}

// Name implements Stage.
func (s *ValidateStage) Name() string { return "validate" }

// Run validates the raw request and produces the envelope. The tenant comes
// from the authenticated identity, never the request body.
func (s *ValidateStage) Run(ctx context.Context, req *Request) error {
	if req.Raw == nil {
		return reject(s.Name(), CodeSchemaMismatch, "empty request")
	}
	shape := rawShape{
		Type:         req.Raw.Type,
		Action:       req.Raw.Action,
		Source:       req.Raw.Source,
		TargetServer: req.Raw.TargetServer,
		SessionID:    req.Raw.SessionID,
	}
	if err := s.validate.Struct(&shape); err != nil {
		return &Error{
			Code:    CodeSchemaMismatch,
			Stage:   s.Name(),
			Message: "request failed validation",
			Err:     err,
		}
	}

	env, err := s.normalizer.Normalize(req.Raw, req.Identity.Tenant)
	if err != nil {
		return &Error{
			Code:    CodeSchemaMismatch,
			Stage:   s.Name(),
			Message: "request could not be normalized",
			Err:     err,
		}
	}
	req.Envelope = env
	return nil
}

var _ Stage = (*ValidateStage)(nil)
