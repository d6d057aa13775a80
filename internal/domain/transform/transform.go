// Package transform implements the policy transformers applied when a rule's
// effect is "transform": PII redaction, egress/SSRF guarding, and argument
// limiting. Transformers are pure with respect to their input: each returns a
// new parameter map and never mutates the envelope it was given.
package transform

import (
	"errors"
	"fmt"
)

// Kind discriminates transform configurations.
type Kind string

const (
	// KindRedact redacts sensitive fields and values.
	KindRedact Kind = "redact"
	// KindEgress validates URL-shaped parameters against egress policy.
	KindEgress Kind = "egress"
	// KindForceArgs overwrites arguments with fixed values.
	KindForceArgs Kind = "force_args"
	// KindLimits clamps numeric arguments to configured ceilings.
	KindLimits Kind = "limits"
)

// Config is a tagged union of transform configurations. Exactly one of the
// variant fields is set, selected by Kind.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Redact holds configuration when Kind == KindRedact.
	Redact *RedactConfig `json:"redact,omitempty" yaml:"redact,omitempty"`
	// Egress holds configuration when Kind == KindEgress.
	Egress *EgressConfig `json:"egress,omitempty" yaml:"egress,omitempty"`
	// ForceArgs holds the forced argument map when Kind == KindForceArgs.
	ForceArgs map[string]interface{} `json:"force_args,omitempty" yaml:"force_args,omitempty"`
	// Limits holds per-key ceilings when Kind == KindLimits.
	Limits map[string]interface{} `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// RedactConfig configures the PII transformer.
type RedactConfig struct {
	// Fields are additional key names to redact beyond the built-in
	// sensitive-key set.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// EgressConfig configures the egress transformer.
type EgressConfig struct {
	// BlockPrivate rejects URLs resolving to loopback, link-local or
	// private-range hosts.
	BlockPrivate bool `json:"block_private" yaml:"block_private"`
	// AllowList, when non-empty, permits only listed hostnames and their
	// subdomains.
	AllowList []string `json:"allow_list,omitempty" yaml:"allow_list,omitempty"`
}

// Validate checks that the config's variant matches its kind.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindRedact:
		if c.Redact == nil {
			return errors.New("redact transform missing redact config")
		}
	case KindEgress:
		if c.Egress == nil {
			return errors.New("egress transform missing egress config")
		}
	case KindForceArgs:
		if len(c.ForceArgs) == 0 {
			return errors.New("force_args transform has no arguments")
		}
	case KindLimits:
		if len(c.Limits) == 0 {
			return errors.New("limits transform has no keys")
		}
	default:
		return fmt.Errorf("unknown transform kind %q", c.Kind)
	}
	return nil
}

// Apply dispatches the config to the matching transformer and returns the
// transformed parameter map. The input map is never mutated.
func Apply(cfg Config, params map[string]interface{}) (map[string]interface{}, error) {
	switch cfg.Kind {
	case KindRedact:
		return ApplyRedact(cfg.Redact, params), nil
	case KindEgress:
		if err := CheckEgress(cfg.Egress, params); err != nil {
			return nil, err
		}
		return params, nil
	case KindForceArgs:
		return ApplyForceArgs(cfg.ForceArgs, params), nil
	case KindLimits:
		return ApplyLimits(cfg.Limits, params), nil
	default:
		return nil, fmt.Errorf("unknown transform kind %q", cfg.Kind)
	}
}
