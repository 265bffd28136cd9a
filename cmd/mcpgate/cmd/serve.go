package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgate/gateway/internal/adapter/outbound/audit"
	httptransport "github.com/mcpgate/gateway/internal/adapter/inbound/http"
	"github.com/mcpgate/gateway/internal/adapter/outbound/mcp"
	"github.com/mcpgate/gateway/internal/adapter/outbound/memory"
	"github.com/mcpgate/gateway/internal/adapter/outbound/oauth"
	"github.com/mcpgate/gateway/internal/adapter/outbound/sqliteaudit"
	"github.com/mcpgate/gateway/internal/adapter/outbound/yamlfile"
	"github.com/mcpgate/gateway/internal/config"
	"github.com/mcpgate/gateway/internal/domain/aggregator"
	"github.com/mcpgate/gateway/internal/domain/broadcast"
	"github.com/mcpgate/gateway/internal/domain/credential"
	auditdomain "github.com/mcpgate/gateway/internal/domain/audit"
	"github.com/mcpgate/gateway/internal/domain/policy"
	"github.com/mcpgate/gateway/internal/domain/proxy"
	"github.com/mcpgate/gateway/internal/domain/ratelimit"
	"github.com/mcpgate/gateway/internal/domain/token"
	"github.com/mcpgate/gateway/internal/domain/upstream"
	"github.com/mcpgate/gateway/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `serve starts the MCP gateway: it loads the upstream registry from
mcp_servers.yaml, builds the aggregator and interceptor chain, and serves
the MCP JSON-RPC endpoint plus the legacy REST surface over HTTP.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (permissive defaults, debug logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := yamlfile.Open(mcpServersFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", mcpServersFile, err)
	}

	resolver := credential.NewResolver()
	client := mcp.NewHTTPClient(resolver)
	broadcaster := broadcast.NewEngine(client, logger)
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcaster, logger)

	mgr := service.NewUpstreamManager(store, agg, logger)
	defer mgr.Close()
	if err := mgr.StartAll(ctx); err != nil {
		logger.Warn("not every upstream came up cleanly", "error", err)
	}

	policyEngine, err := buildPolicyEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	auditService, err := buildAuditService(cfg, logger)
	if err != nil {
		return err
	}
	auditService.Start(ctx)
	defer auditService.Stop()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("build token verifier: %w", err)
	}

	chain := buildInterceptorChain(cfg, agg, policyEngine, auditService, verifier, logger)

	gatewaySvc := service.NewGatewayService(chain, logger)

	opts := []httptransport.Option{
		httptransport.WithAddr(cfg.Server.Addr()),
		httptransport.WithLogger(logger),
		httptransport.WithREST(httptransport.NewRESTHandler(agg, store, logger)),
		httptransport.WithConfigSnapshot(configSnapshot(cfg)),
	}
	if cfg.OAuth.Enabled {
		resourceURL := cfg.OAuth.ResourceServerURL
		if resourceURL == "" {
			resourceURL = "http://" + cfg.Server.Addr() + "/mcp"
		}
		opts = append(opts, httptransport.WithDiscovery(httptransport.NewDiscoveryHandler(cfg.OAuth, resourceURL, logger)))
	}

	transport := httptransport.NewHTTPTransport(gatewaySvc, opts...)

	logger.Info("mcpgate serve starting", "addr", cfg.Server.Addr())
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

func newLogger(cfg *config.OSSConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.DevMode {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// buildPolicyEngine seeds a CEL-backed policy engine from the policies
// configured in mcpgate.yaml. The RBAC document loader remains available
// as an alternative policy.PolicyEngine implementation but is not wired
// here; see DESIGN.md for the tradeoff.
func buildPolicyEngine(ctx context.Context, cfg *config.OSSConfig, logger *slog.Logger) (policy.PolicyEngine, error) {
	policyStore := memory.NewPolicyStore()
	for i, pc := range cfg.Policies {
		rules := make([]policy.Rule, len(pc.Rules))
		for j, rc := range pc.Rules {
			rules[j] = policy.Rule{
				ID:        fmt.Sprintf("%s-rule-%d", pc.Name, j),
				Name:      rc.Name,
				Condition: rc.Condition,
				Action:    policy.Action(rc.Action),
				ToolMatch: "*",
				Priority:  100 - j,
			}
		}
		policyStore.AddPolicy(&policy.Policy{
			ID:       fmt.Sprintf("policy-%d", i),
			Name:     pc.Name,
			Priority: i,
			Rules:    rules,
			Enabled:  true,
		})
	}
	if len(cfg.Policies) == 0 {
		if err := service.SeedDefaultPolicy(ctx, policyStore, logger); err != nil {
			return nil, fmt.Errorf("seed default policy: %w", err)
		}
	}
	return service.NewPolicyService(ctx, policyStore, logger)
}

func buildAuditService(cfg *config.OSSConfig, logger *slog.Logger) (*service.AuditService, error) {
	var store auditdomain.AuditStore
	if cfg.AuditFile.Dir != "" {
		fileStore, err := audit.NewFileAuditStore(audit.AuditFileConfig{
			Dir:           cfg.AuditFile.Dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.AuditFile.CacheSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit file store: %w", err)
		}
		store = fileStore

		// Mirror the same event stream into an append-only SQLite database
		// alongside the JSON-Lines files, for operators who want to query
		// the trail with SQL rather than grep.
		dbPath := filepath.Join(cfg.AuditFile.Dir, "audit.db")
		sqliteStore, err := sqliteaudit.NewStore(dbPath, logger)
		if err != nil {
			logger.Warn("failed to open sqlite audit mirror, continuing without it", "path", dbPath, "error", err)
		} else {
			store = audit.NewMultiStore(fileStore, sqliteStore)
		}
	} else if cfg.AuditToStdout {
		store = memory.NewAuditStoreWithWriter(os.Stdout, cfg.Audit.BufferSize)
	} else {
		store = memory.NewAuditStore(cfg.Audit.BufferSize)
	}

	var opts []service.AuditOption
	if cfg.Audit.ChannelSize > 0 {
		opts = append(opts, service.WithChannelSize(cfg.Audit.ChannelSize))
	}
	if cfg.Audit.BatchSize > 0 {
		opts = append(opts, service.WithBatchSize(cfg.Audit.BatchSize))
	}
	if cfg.Audit.WarningThreshold > 0 {
		opts = append(opts, service.WithWarningThreshold(cfg.Audit.WarningThreshold))
	}
	if d, err := time.ParseDuration(cfg.Audit.FlushInterval); err == nil && d > 0 {
		opts = append(opts, service.WithFlushInterval(d))
	}
	if d, err := time.ParseDuration(cfg.Audit.SendTimeout); err == nil {
		opts = append(opts, service.WithSendTimeout(d))
	}
	return service.NewAuditService(store, logger, opts...), nil
}

func buildVerifier(cfg *config.OSSConfig) (token.Verifier, error) {
	if !cfg.OAuth.Enabled {
		return nil, nil
	}
	ttl, err := time.ParseDuration(cfg.OAuth.TokenCacheTTL)
	if err != nil || ttl <= 0 {
		ttl = 5 * time.Minute
	}
	jwksURL := cfg.OAuth.JWKSURL
	issuer := cfg.OAuth.KeycloakURL
	if jwksURL == "" && cfg.OAuth.KeycloakURL != "" && cfg.OAuth.KeycloakRealm != "" {
		issuer = cfg.OAuth.KeycloakURL + "/realms/" + cfg.OAuth.KeycloakRealm
		jwksURL = issuer + "/protocol/openid-connect/certs"
	}
	return oauth.NewJWKSVerifier(oauth.Config{
		Issuer:           issuer,
		Audience:         cfg.OAuth.JWTAudience,
		JWKSURL:          jwksURL,
		IntrospectionURL: cfg.OAuth.IntrospectionURL,
		RequiredScopes:   cfg.OAuth.RequiredScopes,
		CacheTTL:         ttl,
	})
}

// buildInterceptorChain assembles the proxy chain inside-out, terminating
// at the Aggregator: Validation -> IPRateLimit -> Auth -> UserRateLimit ->
// Audit -> Policy -> Aggregator.
func buildInterceptorChain(
	cfg *config.OSSConfig,
	agg *aggregator.Aggregator,
	policyEngine policy.PolicyEngine,
	auditService *service.AuditService,
	verifier token.Verifier,
	logger *slog.Logger,
) proxy.MessageInterceptor {
	var chain proxy.MessageInterceptor = proxy.NewAggregatorInterceptor(agg, logger)
	chain = proxy.NewPolicyInterceptor(policyEngine, chain, logger)
	chain = proxy.NewAuditInterceptor(auditService, nil, chain, logger)

	if cfg.RateLimit.Enabled {
		limiter := memory.NewRateLimiter()
		userCfg := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate, Period: time.Minute}
		chain = proxy.NewUserRateLimitInterceptor(limiter, userCfg, chain, logger)
	}

	// AUTH_ENABLED=false (cfg.OAuth.Enabled == false) runs with no bearer
	// verification, matching a deployment where a reverse proxy in front
	// of the gateway handles auth instead; reuse the interceptor's dev-mode
	// bypass for that case so a nil verifier is never dereferenced.
	chain = proxy.NewAuthInterceptor(verifier, chain, logger, cfg.DevMode || !cfg.OAuth.Enabled)

	if cfg.RateLimit.Enabled {
		limiter := memory.NewRateLimiter()
		ipCfg := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		chain = proxy.NewIPRateLimitInterceptor(limiter, ipCfg, chain, logger)
	}

	chain = proxy.NewValidationInterceptor(chain, logger)
	return chain
}

func configSnapshot(cfg *config.OSSConfig) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"addr":      cfg.Server.Addr(),
			"log_level": cfg.Server.LogLevel,
		},
		"oauth_enabled":   cfg.OAuth.Enabled,
		"rate_limit":      cfg.RateLimit.Enabled,
		"policy_count":    len(cfg.Policies),
		"dev_mode":        cfg.DevMode,
		"audit_to_stdout": cfg.AuditToStdout,
	}
}
