// Package config provides configuration types and loading for TollGate.
package config

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Storage selects the durable backend for the ledger, receipts and keys.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Ledger configures reservation behavior and provisioned budgets.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// Pricing configures the price tier table and tool mappings.
	Pricing PricingConfig `yaml:"pricing" mapstructure:"pricing"`

	// RateLimits configures the economic rate limits.
	RateLimits RateLimitsConfig `yaml:"rate_limits" mapstructure:"rate_limits"`

	// Degradation is the ordered degradation rule list.
	Degradation []DegradeRuleConfig `yaml:"degradation" mapstructure:"degradation" validate:"omitempty,dive"`

	// Policy configures the decision point.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Upstreams is the tool server registry.
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// Auth configures API keys and replay protection.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Signing configures the receipt signing key.
	Signing SigningConfig `yaml:"signing" mapstructure:"signing"`

	// Audit configures the audit log sink.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Driver is "memory" or "sqlite". Defaults to "memory".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=memory sqlite"`

	// Path is the SQLite database file. Required when driver is sqlite;
	// ":memory:" is accepted for ephemeral databases.
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Driver sqlite"`
}

// LedgerConfig configures the budget ledger.
type LedgerConfig struct {
	// FailMode is "closed" (deny on infrastructure failure, default) or
	// "open" (log loudly and let the request through).
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode" validate:"omitempty,oneof=open closed"`

	// ReservationTTL is how long a hold may stay open before the reaper
	// voids it (e.g. "60s"). Defaults to "60s".
	ReservationTTL string `yaml:"reservation_ttl" mapstructure:"reservation_ttl" validate:"omitempty"`

	// ReapInterval is how often the reaper scans for expired holds
	// (e.g. "10s"). Defaults to "10s".
	ReapInterval string `yaml:"reap_interval" mapstructure:"reap_interval" validate:"omitempty"`

	// Accounts are the provisioned budget scopes.
	Accounts []AccountConfig `yaml:"accounts" mapstructure:"accounts" validate:"omitempty,dive"`
}

// AccountConfig provisions one budget scope.
type AccountConfig struct {
	// Scope is the composite scope key, e.g. "tenant:acme" or "tool:search".
	Scope string `yaml:"scope" mapstructure:"scope" validate:"required"`
	// HardLimit is the absolute spend ceiling.
	HardLimit float64 `yaml:"hard_limit" mapstructure:"hard_limit" validate:"gt=0"`
	// SoftLimit triggers degradation when crossed. Zero disables it.
	SoftLimit float64 `yaml:"soft_limit" mapstructure:"soft_limit" validate:"gte=0"`
	// Currency is the ISO currency code. Defaults to "USD".
	Currency string `yaml:"currency" mapstructure:"currency"`
}

// PricingConfig configures price tiers and the tool pricing map.
type PricingConfig struct {
	// Tiers is the price tier table; "*" wildcards any field.
	Tiers []TierConfig `yaml:"tiers" mapstructure:"tiers" validate:"omitempty,dive"`
	// Tools maps tool names to the pricing context they bill under.
	Tools map[string]ToolPricingConfig `yaml:"tools" mapstructure:"tools" validate:"omitempty,dive"`
}

// TierConfig is one price tier row.
type TierConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" validate:"required"`
	Model    string `yaml:"model" mapstructure:"model" validate:"required"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required"`
	// InputPrice and OutputPrice are per 1000 tokens.
	InputPrice  float64 `yaml:"input_price" mapstructure:"input_price" validate:"gte=0"`
	OutputPrice float64 `yaml:"output_price" mapstructure:"output_price" validate:"gte=0"`
	// FlatFee is a per-call fee added on top of token costs.
	FlatFee  float64 `yaml:"flat_fee" mapstructure:"flat_fee" validate:"gte=0"`
	Currency string  `yaml:"currency" mapstructure:"currency"`
	// OutputEstimate overrides the default output token estimate when > 0.
	OutputEstimate int `yaml:"output_estimate" mapstructure:"output_estimate" validate:"gte=0"`
}

// ToolPricingConfig maps a tool to a pricing context.
type ToolPricingConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" validate:"required"`
	Model    string `yaml:"model" mapstructure:"model" validate:"required"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required"`
}

// RateLimitsConfig configures the economic rate limits. A zero Rate disables
// the corresponding limit.
type RateLimitsConfig struct {
	// AgentRequests bounds requests per agent.
	AgentRequests LimitConfig `yaml:"agent_requests" mapstructure:"agent_requests"`
	// TenantCost bounds estimated spend per tenant.
	TenantCost LimitConfig `yaml:"tenant_cost" mapstructure:"tenant_cost"`
}

// LimitConfig is one GCRA limit.
type LimitConfig struct {
	// Rate is units allowed per Period.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"gte=0"`
	// Burst is the instantaneous allowance. Defaults to Rate.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
	// Period is the averaging window (e.g. "1m"). Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty"`
}

// DegradeRuleConfig is one degradation rule.
type DegradeRuleConfig struct {
	ID       string `yaml:"id" mapstructure:"id" validate:"required"`
	Priority int    `yaml:"priority" mapstructure:"priority"`
	// Action is "degrade" or "require_approval".
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=degrade require_approval"`
	// OnSoftLimit triggers when a soft budget limit was crossed.
	OnSoftLimit bool `yaml:"on_soft_limit" mapstructure:"on_soft_limit"`
	// MaxCost triggers when the estimated cost exceeds this value.
	MaxCost float64 `yaml:"max_cost" mapstructure:"max_cost" validate:"gte=0"`
	// Patch is the parameter override applied on degrade.
	Patch map[string]interface{} `yaml:"patch" mapstructure:"patch"`
}

// PolicyConfig configures the decision point.
type PolicyConfig struct {
	// DefaultDecision applies when no rule matches: "allow" or "deny".
	// Defaults to "deny".
	DefaultDecision string `yaml:"default_decision" mapstructure:"default_decision" validate:"omitempty,oneof=allow deny"`

	// RulesetFiles are YAML files holding per-tenant rulesets, published at
	// startup.
	RulesetFiles []string `yaml:"ruleset_files" mapstructure:"ruleset_files"`

	// RiskClasses maps tool names to risk classes. Unmapped tools default
	// to "standard".
	RiskClasses map[string]string `yaml:"risk_classes" mapstructure:"risk_classes"`
}

// UpstreamConfig configures one tool server.
type UpstreamConfig struct {
	// Name is matched against the request's target server.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Endpoint is the JSON-RPC HTTP endpoint.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url"`
	// Timeout bounds a single forwarding attempt (e.g. "30s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// StalenessWindow is the maximum request timestamp skew (e.g. "5m").
	// Defaults to "5m".
	StalenessWindow string `yaml:"staleness_window" mapstructure:"staleness_window" validate:"omitempty"`

	// Keys are the provisioned API keys.
	Keys []APIKeyConfig `yaml:"keys" mapstructure:"keys" validate:"omitempty,dive"`
}

// APIKeyConfig provisions one API key. The raw key is never configured; only
// its argon2id hash and clear prefix are.
type APIKeyConfig struct {
	KeyID string `yaml:"key_id" mapstructure:"key_id" validate:"required"`
	// Prefix is the first characters of the raw key, used for lookup.
	Prefix string `yaml:"prefix" mapstructure:"prefix" validate:"required"`
	// Hash is the argon2id encoded hash of the raw key.
	Hash   string `yaml:"hash" mapstructure:"hash" validate:"required,startswith=$argon2id$"`
	Tenant string `yaml:"tenant" mapstructure:"tenant" validate:"required"`
	Agent  string `yaml:"agent" mapstructure:"agent" validate:"required"`
	Role   string `yaml:"role" mapstructure:"role" validate:"required"`
	// Disabled revokes the key without deleting it.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
}

// SigningConfig configures receipt signing.
type SigningConfig struct {
	// KeyFile is the keypair file written by `tollgate keygen`.
	KeyFile string `yaml:"key_file" mapstructure:"key_file" validate:"required"`
}

// AuditConfig configures the audit log sink.
type AuditConfig struct {
	// Output is "stdout" or "file://<absolute-path>". Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Ledger.FailMode == "" {
		c.Ledger.FailMode = "closed"
	}
	if c.Ledger.ReservationTTL == "" {
		c.Ledger.ReservationTTL = "60s"
	}
	if c.Ledger.ReapInterval == "" {
		c.Ledger.ReapInterval = "10s"
	}
	for i := range c.Ledger.Accounts {
		if c.Ledger.Accounts[i].Currency == "" {
			c.Ledger.Accounts[i].Currency = "USD"
		}
	}

	if c.RateLimits.AgentRequests.Period == "" {
		c.RateLimits.AgentRequests.Period = "1m"
	}
	if c.RateLimits.TenantCost.Period == "" {
		c.RateLimits.TenantCost.Period = "1m"
	}

	if c.Policy.DefaultDecision == "" {
		c.Policy.DefaultDecision = "deny"
	}

	if c.Auth.StalenessWindow == "" {
		c.Auth.StalenessWindow = "5m"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}
