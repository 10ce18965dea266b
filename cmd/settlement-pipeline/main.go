package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/api"
	"github.com/Checker-Finance/settlement/internal/bus"
	"github.com/Checker-Finance/settlement/internal/config"
	"github.com/Checker-Finance/settlement/internal/custodian"
	"github.com/Checker-Finance/settlement/internal/identity"
	"github.com/Checker-Finance/settlement/internal/jobs"
	"github.com/Checker-Finance/settlement/internal/ledger"
	"github.com/Checker-Finance/settlement/internal/matching"
	"github.com/Checker-Finance/settlement/internal/pipeline"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/reconcile"
	"github.com/Checker-Finance/settlement/internal/resilience"
	internalsecrets "github.com/Checker-Finance/settlement/internal/secrets"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/internal/tracing"
	"github.com/Checker-Finance/settlement/internal/transfer"
	"github.com/Checker-Finance/settlement/internal/verifier"
	"github.com/Checker-Finance/settlement/pkg/logger"
	"github.com/Checker-Finance/settlement/pkg/secrets"
	"github.com/Checker-Finance/settlement/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [settlement-pipeline]...")
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.Env, cfg.OTELEndpoint)
	if err != nil {
		logg.Fatalw("failed to init tracing", "error", err)
	}

	policies, err := config.LoadChainPolicies(cfg.ChainPolicyFile)
	if err != nil {
		logg.Fatalw("failed to load chain policies", "file", cfg.ChainPolicyFile, "error", err)
	}

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, logg.Desugar(), store.Options{RedisPass: cfg.RedisPass, StateTTL: 7 * 24 * time.Hour})
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	if cfg.AutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			logg.Fatalw("failed to ensure schema", "error", err)
		}
	}

	// --- Backend credentials ---
	credCache := secrets.NewCache[internalsecrets.Credentials](cfg.CacheTTL)
	stopCleaner := make(chan struct{})
	go credCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

	var creds internalsecrets.CredentialSource
	switch {
	case cfg.AWSRegion != "":
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		resolver := internalsecrets.NewResolver(logg.Desugar(), cfg.Env, cfg.ServiceName, awsProvider, credCache, internalsecrets.ParseCredentials)
		if names, err := resolver.DiscoverBackends(ctx); err != nil {
			logg.Warnw("failed to discover backend secrets", "error", err)
		} else {
			logg.Infow("discovered backend secrets", "count", len(names), "backends", names)
		}
		creds = resolver
	case cfg.StaticAPIKey != "":
		creds = internalsecrets.NewResolver(logg.Desugar(), cfg.Env, cfg.ServiceName,
			staticSecrets(cfg, policies), credCache, internalsecrets.ParseCredentials)
	default:
		logg.Warn("no AWS_REGION or BACKEND_API_KEY; calling backends unauthenticated")
	}

	// --- Bus ---
	b, err := bus.Open(cfg.BusDriver, bus.Options{
		NATSURL:      cfg.NATSURL,
		NATSStream:   cfg.NATSStream,
		KafkaBrokers: cfg.KafkaBrokers,
		AMQPURL:      cfg.AMQPURL,
	})
	if err != nil {
		logg.Fatalw("failed to open bus", "driver", cfg.BusDriver, "error", err)
	}

	// --- Rate limiter ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: 20,
		Burst:             40,
		Cooldown:          1 * time.Second,
	})
	rateMgr.Configure("custodian", rate.Config{RequestsPerSecond: 5, Burst: 10, Cooldown: 2 * time.Second})

	breaker := func(name string, attempts int) *resilience.Policy {
		c := resilience.Defaults(name)
		c.MaxAttempts = attempts
		c.FailureRatio = cfg.BackendBreakerRatio
		c.Cooldown = cfg.BackendBreakerCooloff
		return resilience.New(c, logg.Desugar())
	}

	// --- Payment verification ---
	v := verifier.New(logg.Desugar(), policies, paymentBackends(logg.Desugar(), rateMgr, policies, creds), cfg.VerificationCacheTTL,
		verifier.WithSharedCache(st),
		verifier.WithBreakerConfig(func(name string) resilience.Config {
			c := resilience.Defaults(name)
			c.MaxAttempts = 2
			c.FailureRatio = cfg.BackendBreakerRatio
			c.Cooldown = cfg.BackendBreakerCooloff
			if spec, ok := policies.Backends[name]; ok {
				c.AttemptTimeout = spec.Timeout
			}
			return c
		}))
	go v.Cache().StartCleaner(cfg.CleanupFreq, stopCleaner)

	// --- Matching ---
	var arena matching.ListingStore
	switch cfg.ListingStore {
	case "memory":
		arena = matching.NewMemoryArena()
	default:
		if st.PG == nil {
			logg.Fatal("LISTING_STORE=postgres requires DATABASE_URL")
		}
		arena = matching.NewPGArena(st.PG, logg.Desugar())
	}
	engine := matching.NewEngine(logg.Desugar(), arena, matching.Config{
		ReservationTTL:    cfg.ReservationTTL,
		ListingTTL:        cfg.ListingTTL,
		MinListingAmount:  cfg.MinListingAmount,
		PlatformFeeBps:    cfg.PlatformFeeBps,
		TreasuryUnitPrice: cfg.TreasuryUnitPrice,
	})

	// --- External collaborators ---
	identityClient := identity.NewClient(logg.Desugar(), rateMgr, breaker("identity", 3), cfg.IdentityURL, 5*time.Second, creds)
	ledgerClient := ledger.NewClient(logg.Desugar(), rateMgr, breaker("ledger", 3), cfg.LedgerURL, 10*time.Second, creds)
	custodianClient := custodian.NewClient(logg.Desugar(), rateMgr, cfg.CustodianURL, cfg.CustodianTimeout, creds)

	poster := ledger.NewPoster(logg.Desugar(), ledgerClient, st)
	executor := transfer.NewExecutor(logg.Desugar(), custodianClient, st, breaker("custodian", cfg.TransferMaxAttempts))
	reconciler := reconcile.New(logg.Desugar(), st, poster, custodianClient, breaker("oracle", cfg.OracleMaxAttempts), engine)

	// --- Pipeline ---
	p := pipeline.New(logg.Desugar(), b, pipeline.RunnerConfig{
		Workers:       cfg.Workers,
		MaxDeliveries: cfg.MaxDeliveries,
		RetryDelay:    cfg.RedeliveryDelay,
	}, cfg.ConsumerGroup, pipeline.Deps{
		Publisher:         pipeline.NewPublisher(b),
		Store:             st,
		Identity:          identityClient,
		Verifier:          v,
		Engine:            engine,
		Poster:            poster,
		Transfers:         executor,
		Reconciler:        reconciler,
		TreasuryUnitPrice: cfg.TreasuryUnitPrice,
	})
	if err := p.Start(ctx); err != nil {
		logg.Fatalw("failed to start pipeline", "error", err)
	}

	sweeper := jobs.NewReservationSweeper(logg.Desugar().Named("sweeper"), engine, st, cfg.SweepInterval)
	go sweeper.Start(ctx)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	})
	api.RegisterRoutes(app, st, b, api.NewHandler(logg.Desugar(), st, arena))

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[settlement-pipeline] running",
		"bus", b.Driver(),
		"env", cfg.Env,
		"listing_store", cfg.ListingStore,
		"workers", cfg.Workers,
		"chains", len(policies.Chains))

	<-ctx.Done()
	logg.Info("shutting down [settlement-pipeline]...")

	close(stopCleaner)
	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := b.Close(); err != nil {
		logg.Warnw("bus.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logg.Warnw("tracing.shutdown_failed", "error", err)
	}
}

// paymentBackends builds one verification backend per configured entry.
func paymentBackends(logger *zap.Logger, rateMgr *rate.Manager, policies *config.ChainPolicies, creds internalsecrets.CredentialSource) []verifier.Backend {
	var out []verifier.Backend
	for name, spec := range policies.Backends {
		switch spec.Kind {
		case "indexer":
			out = append(out, verifier.NewIndexer(logger, rateMgr, name, spec.URL, spec.Timeout, creds))
		case "processor":
			out = append(out, verifier.NewProcessor(logger, rateMgr, name, spec.URL, spec.Timeout, creds))
		default:
			logger.Warn("verifier.unknown_backend_kind", zap.String("backend", name), zap.String("kind", spec.Kind))
		}
	}
	return out
}

// staticSecrets serves BACKEND_API_KEY to every backend under the resolver's naming scheme.
func staticSecrets(cfg *config.Config, policies *config.ChainPolicies) secrets.StaticProvider {
	names := []string{"identity", "ledger", "custodian"}
	for name := range policies.Backends {
		names = append(names, name)
	}
	out := secrets.StaticProvider{}
	for _, n := range names {
		out[strings.ToLower(fmt.Sprintf("%s/%s/%s", cfg.Env, cfg.ServiceName, n))] = map[string]string{"api_key": cfg.StaticAPIKey}
	}
	return out
}
