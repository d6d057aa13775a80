// Package service wires configuration into a running gateway: storage,
// policy, economics, receipts, the pipeline, and the HTTP transport.
package service

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/tollgate-ai/tollgate/internal/adapter/inbound/http"
	auditlog "github.com/tollgate-ai/tollgate/internal/adapter/outbound/audit"
	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/cel"
	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/memory"
	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/sqlite"
	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/upstream"
	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/domain/audit"
	"github.com/tollgate-ai/tollgate/internal/domain/auth"
	"github.com/tollgate-ai/tollgate/internal/domain/econ"
	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
	"github.com/tollgate-ai/tollgate/internal/domain/pipeline"
	"github.com/tollgate-ai/tollgate/internal/domain/policy"
	"github.com/tollgate-ai/tollgate/internal/domain/ratelimit"
	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
)

// Gateway is the fully wired proxy: every adapter and domain component built
// from one Config, plus the background workers that keep them healthy.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sqlite.Store
	auditor  audit.Emitter
	limiter  *memory.RateLimiter
	ledger   *ledger.Manager
	verifier *receipt.Verifier
	reaper   *Reaper

	registry  *prometheus.Registry
	transport *http.Transport
}

// NewGateway builds a gateway from validated configuration. Nothing starts
// listening or ticking until Run.
func NewGateway(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{cfg: cfg, logger: logger}

	// Storage backend. The memory driver keeps everything process-local and
	// is meant for development and tests; sqlite is the durable default for
	// real deployments.
	var (
		ledgerStore ledger.Store
		chainStore  receipt.ChainStore
		keyStore    auth.KeyStore
		rulesets    policy.Store
		pricing     econ.PricingSource
		err         error
	)
	tiers, tools := pricingFromConfig(&cfg.Pricing)
	switch cfg.Storage.Driver {
	case "sqlite":
		g.db, err = sqlite.Open(cfg.Storage.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		ledgerStore = sqlite.NewLedgerStore(g.db)
		chainStore = sqlite.NewChainStore(g.db)
		keyStore = sqlite.NewKeyStore(g.db)
		rulesets = sqlite.NewRulesetStore(g.db)
		ps := sqlite.NewPricingStore(g.db)
		if err := ps.Seed(context.Background(), tiers, tools); err != nil {
			g.closePartial()
			return nil, fmt.Errorf("seed pricing: %w", err)
		}
		pricing = ps
	default:
		ledgerStore = memory.NewLedgerStore()
		chainStore = memory.NewChainStore()
		keyStore = memory.NewKeyStore()
		rulesets = memory.NewRulesetSource()
		pricing = econ.NewStaticPricing(tiers, tools)
	}

	// The policy stage reads rulesets through a TTL cache; publishes go to
	// the store directly and drop the tenant's cached entry.
	ruleCache := policy.NewCachedSource(rulesets, policy.DefaultCacheTTL, logger)

	if err := g.provision(ledgerStore, keyStore, rulesets, ruleCache); err != nil {
		g.closePartial()
		return nil, err
	}

	// Ledger and reaper.
	ttl, _ := time.ParseDuration(cfg.Ledger.ReservationTTL)
	reapEvery, _ := time.ParseDuration(cfg.Ledger.ReapInterval)
	failMode := ledger.FailClosed
	if cfg.Ledger.FailMode == "open" {
		failMode = ledger.FailOpen
	}
	g.ledger = ledger.NewManager(ledgerStore, ledger.ManagerConfig{
		FailMode:       failMode,
		ReservationTTL: ttl,
	}, logger)
	g.reaper = NewReaper(g.ledger, reapEvery, logger)

	// Policy decision point.
	conditions, err := cel.NewEvaluator()
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("build condition evaluator: %w", err)
	}
	defaultDecision := policy.EffectDeny
	if cfg.Policy.DefaultDecision == "allow" {
		defaultDecision = policy.EffectAllow
	}
	engine := policy.NewEngine(defaultDecision, conditions, logger)
	risk := riskResolver(cfg.Policy.RiskClasses)

	// Economics.
	g.limiter = memory.NewRateLimiter()
	degrader, err := econ.NewDegrader(degradeRulesFromConfig(cfg.Degradation))
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("build degrader: %w", err)
	}
	decider := econ.NewDecider(pricing, econ.NewBudgetManager(ledgerStore),
		g.limiter, degrader, limitsFromConfig(&cfg.RateLimits), logger)

	// Receipts.
	signer, err := receipt.LoadKeyFile(cfg.Signing.KeyFile)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	chain := receipt.NewChainManager(chainStore, signer, logger)
	keyring := receipt.NewKeyRegistry()
	kf, err := receipt.ReadKeyFile(cfg.Signing.KeyFile)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	pub, err := kf.PublicKeyOf()
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	if err := keyring.Register(kf.KeyID, pub); err != nil {
		g.closePartial()
		return nil, fmt.Errorf("register signing key: %w", err)
	}
	g.verifier = receipt.NewVerifier(chainStore, keyring)

	// Upstream tool servers.
	forwarder := upstream.NewClient(upstreamsFromConfig(cfg.Upstreams), logger)

	// Audit sink.
	g.auditor, err = auditEmitter(cfg.Audit.Output, logger)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("open audit sink: %w", err)
	}

	// Auth.
	staleness, _ := time.ParseDuration(cfg.Auth.StalenessWindow)
	authn := auth.NewAuthenticator(keyStore)
	guard := auth.NewReplayGuard(staleness)

	// Pipeline and transport.
	g.registry = prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(g.registry)
	stages := []pipeline.Stage{
		pipeline.NewAuthStage(authn, guard),
		pipeline.NewValidateStage(),
		pipeline.NewPolicyStage(engine, ruleCache, risk),
		pipeline.NewEconStage(decider, g.ledger, metrics),
		pipeline.NewForwardStage(forwarder),
		pipeline.NewSettleStage(g.ledger, chain, metrics),
	}
	runner := pipeline.NewRunner(stages, g.ledger, g.auditor, metrics, logger)

	opts := []http.Option{
		http.WithAddr(cfg.Server.Addr),
		http.WithLogger(logger),
	}
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	g.transport = http.NewTransport(runner, g.registry, opts...)

	return g, nil
}

// Run starts the background workers and serves until ctx is cancelled or the
// listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.limiter.StartCleanup(ctx)
	g.reaper.Start(ctx)
	defer g.reaper.Stop()

	g.logger.Info("gateway starting",
		"addr", g.cfg.Server.Addr,
		"storage", g.cfg.Storage.Driver,
		"fail_mode", g.cfg.Ledger.FailMode,
	)
	return g.transport.Start(ctx)
}

// Handler exposes the HTTP route table without binding a listener.
func (g *Gateway) Handler() stdhttp.Handler {
	return g.transport.Handler()
}

// Verifier exposes the receipt chain verifier for offline chain audits.
func (g *Gateway) Verifier() *receipt.Verifier {
	return g.verifier
}

// Close releases the audit sink and storage. Safe after a failed Run.
func (g *Gateway) Close() error {
	var firstErr error
	if g.transport != nil {
		if err := g.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.auditor != nil {
		if err := g.auditor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closePartial tears down whatever NewGateway had built before failing.
func (g *Gateway) closePartial() {
	if g.auditor != nil {
		_ = g.auditor.Close()
	}
	if g.db != nil {
		_ = g.db.Close()
	}
}

// provision seeds configured accounts, API keys, and ruleset files into the
// stores. Account upserts preserve live balance totals, so re-running at
// startup is safe.
func (g *Gateway) provision(ledgerStore ledger.Store, keyStore auth.KeyStore, rulesets policy.Store, ruleCache *policy.CachedSource) error {
	ctx := context.Background()

	for i := range g.cfg.Ledger.Accounts {
		a := &g.cfg.Ledger.Accounts[i]
		err := ledgerStore.UpsertAccount(ctx, &ledger.Account{
			ScopeID:   a.Scope,
			HardLimit: a.HardLimit,
			SoftLimit: a.SoftLimit,
			Currency:  a.Currency,
		})
		if err != nil {
			return fmt.Errorf("provision account %s: %w", a.Scope, err)
		}
	}

	for i := range g.cfg.Auth.Keys {
		k := &g.cfg.Auth.Keys[i]
		err := keyStore.Put(ctx, &auth.APIKeyRecord{
			KeyID:     k.KeyID,
			Prefix:    k.Prefix,
			Hash:      k.Hash,
			Tenant:    k.Tenant,
			Agent:     k.Agent,
			Role:      k.Role,
			Disabled:  k.Disabled,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("provision key %s: %w", k.KeyID, err)
		}
	}

	for _, path := range g.cfg.Policy.RulesetFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read ruleset %s: %w", path, err)
		}
		var rs policy.Ruleset
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return fmt.Errorf("parse ruleset %s: %w", path, err)
		}
		if err := rulesets.Publish(ctx, &rs); err != nil {
			return fmt.Errorf("publish ruleset %s: %w", path, err)
		}
		ruleCache.Invalidate(rs.TenantID)
		g.logger.Info("ruleset published",
			"file", path, "tenant", rs.TenantID, "rules", len(rs.Rules))
	}

	return nil
}

func auditEmitter(output string, logger *slog.Logger) (audit.Emitter, error) {
	if output == "stdout" {
		return auditlog.NewStdoutEmitter(logger), nil
	}
	path := strings.TrimPrefix(output, "file://")
	return auditlog.NewFileEmitter(path, logger)
}

// riskResolver classifies tools from the configured map; unmapped tools are
// "standard".
func riskResolver(classes map[string]string) pipeline.RiskResolver {
	return pipeline.RiskResolverFunc(func(toolName string) string {
		if rc, ok := classes[toolName]; ok {
			return rc
		}
		return "standard"
	})
}

func pricingFromConfig(pc *config.PricingConfig) ([]econ.PriceTier, map[string]econ.PricingContext) {
	tiers := make([]econ.PriceTier, 0, len(pc.Tiers))
	for _, t := range pc.Tiers {
		tiers = append(tiers, econ.PriceTier{
			Provider:       t.Provider,
			Model:          t.Model,
			Endpoint:       t.Endpoint,
			InputPrice:     t.InputPrice,
			OutputPrice:    t.OutputPrice,
			FlatFee:        t.FlatFee,
			Currency:       t.Currency,
			OutputEstimate: t.OutputEstimate,
		})
	}
	tools := make(map[string]econ.PricingContext, len(pc.Tools))
	for name, tp := range pc.Tools {
		tools[name] = econ.PricingContext{
			Provider: tp.Provider,
			Model:    tp.Model,
			Endpoint: tp.Endpoint,
		}
	}
	return tiers, tools
}

func limitsFromConfig(rl *config.RateLimitsConfig) econ.Limits {
	return econ.Limits{
		AgentRequests: limitFromConfig(rl.AgentRequests),
		TenantCost:    limitFromConfig(rl.TenantCost),
	}
}

func limitFromConfig(lc config.LimitConfig) ratelimit.Config {
	period, _ := time.ParseDuration(lc.Period)
	return ratelimit.Config{Rate: lc.Rate, Burst: lc.Burst, Period: period}
}

func degradeRulesFromConfig(rules []config.DegradeRuleConfig) []econ.DegradeRule {
	out := make([]econ.DegradeRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, econ.DegradeRule{
			ID:          r.ID,
			Priority:    r.Priority,
			Action:      econ.DegradeAction(r.Action),
			OnSoftLimit: r.OnSoftLimit,
			MaxCost:     r.MaxCost,
			Patch:       r.Patch,
		})
	}
	return out
}

func upstreamsFromConfig(ups []config.UpstreamConfig) []upstream.ServerConfig {
	out := make([]upstream.ServerConfig, 0, len(ups))
	for _, u := range ups {
		timeout, _ := time.ParseDuration(u.Timeout)
		out = append(out, upstream.ServerConfig{
			Name:     u.Name,
			Endpoint: u.Endpoint,
			Timeout:  timeout,
		})
	}
	return out
}
