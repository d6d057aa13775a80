package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers TollGate-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput accepts "stdout" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDurations(); err != nil {
		return err
	}
	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.validateDegradeRules(); err != nil {
		return err
	}
	if err := c.validateUpstreamNames(); err != nil {
		return err
	}

	return nil
}

// validateDurations parses every duration-typed string field.
func (c *Config) validateDurations() error {
	fields := map[string]string{
		"ledger.reservation_ttl":            c.Ledger.ReservationTTL,
		"ledger.reap_interval":              c.Ledger.ReapInterval,
		"rate_limits.agent_requests.period": c.RateLimits.AgentRequests.Period,
		"rate_limits.tenant_cost.period":    c.RateLimits.TenantCost.Period,
		"auth.staleness_window":             c.Auth.StalenessWindow,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
		if d <= 0 {
			return fmt.Errorf("%s: duration must be positive, got %q", name, value)
		}
	}
	for i, up := range c.Upstreams {
		if up.Timeout == "" {
			continue
		}
		if _, err := time.ParseDuration(up.Timeout); err != nil {
			return fmt.Errorf("upstreams[%d].timeout: invalid duration %q", i, up.Timeout)
		}
	}
	return nil
}

// validateAccounts checks scope shape and soft/hard limit ordering.
func (c *Config) validateAccounts() error {
	seen := make(map[string]struct{}, len(c.Ledger.Accounts))
	for i, acct := range c.Ledger.Accounts {
		if !strings.Contains(acct.Scope, ":") {
			return fmt.Errorf("ledger.accounts[%d]: scope %q must be kind:id (e.g. tenant:acme)", i, acct.Scope)
		}
		if _, dup := seen[acct.Scope]; dup {
			return fmt.Errorf("ledger.accounts[%d]: duplicate scope %q", i, acct.Scope)
		}
		seen[acct.Scope] = struct{}{}
		if acct.SoftLimit > acct.HardLimit {
			return fmt.Errorf("ledger.accounts[%d]: soft_limit %.2f exceeds hard_limit %.2f",
				i, acct.SoftLimit, acct.HardLimit)
		}
	}
	return nil
}

// validateDegradeRules checks that every rule has a trigger and that degrade
// rules carry a patch.
func (c *Config) validateDegradeRules() error {
	for i, r := range c.Degradation {
		if r.Action == "degrade" && len(r.Patch) == 0 {
			return fmt.Errorf("degradation[%d] (%s): degrade action requires a patch", i, r.ID)
		}
		if !r.OnSoftLimit && r.MaxCost <= 0 {
			return fmt.Errorf("degradation[%d] (%s): no trigger configured", i, r.ID)
		}
	}
	return nil
}

// validateUpstreamNames rejects duplicate server names.
func (c *Config) validateUpstreamNames() error {
	seen := make(map[string]struct{}, len(c.Upstreams))
	for i, up := range c.Upstreams {
		if _, dup := seen[up.Name]; dup {
			return fmt.Errorf("upstreams[%d]: duplicate name %q", i, up.Name)
		}
		seen[up.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a message for one validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required (%s)", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "gt", "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
