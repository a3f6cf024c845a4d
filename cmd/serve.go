package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v72/client"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/backend"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/billing"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/fallback"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/quota"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/telemetry"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/cache"
)

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "lumen",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces failed", zap.Error(err))
		}
	}()
	tracer := otel.Tracer("github.com/bigdegenenergy/open-cloud-ops/lumen")

	var health []api.HealthCheck

	// Database is optional: without it plans default to free and nothing is recorded.
	var db *database.DB
	{
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		db, err = database.New(dbCtx, cfg.DSN())
		if err != nil {
			logger.Warn("database unavailable, running without plans or analytics", zap.String("dsn", cfg.RedactedDSN()), zap.Error(err))
			db = nil
		} else if err := db.Migrate(dbCtx); err != nil {
			cancel()
			db.Close()
			return err
		} else {
			logger.Info("database connected and migrations applied")
			health = append(health, api.HealthCheck{Name: "database", Check: db.Ping})
		}
		cancel()
	}
	if db != nil {
		defer db.Close()
	}

	// Redis backs shared quota windows and the plan cache.
	var rc *cache.Cache
	if cfg.QuotaStore == config.QuotaStoreRedis {
		rcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rc, err = cache.NewCache(rcCtx, cfg.RedisAddr(), cfg.RedisPassword)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, quotas are per-instance", zap.Error(err))
			rc = nil
		} else {
			defer func() { _ = rc.Close() }()
			logger.Info("redis connected")
			health = append(health, api.HealthCheck{Name: "redis", Check: rc.Ping})
		}
	}

	var store quota.Store
	if rc != nil {
		store = quota.NewRedisStore(rc)
	} else {
		mem := quota.NewMemoryStore()
		go mem.RunJanitor(ctx, time.Minute, logger)
		store = mem
	}

	m := metrics.New()
	limiter := ratelimit.NewLimiter(store, cfg.Limits(), logger, ratelimit.WithFailOpen(cfg.QuotaFailOpen))
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	plans, resolver := planSource(cfg, db, rc, logger)

	candidates := backend.DefaultCandidates()
	if cfg.BackendsFile != "" {
		candidates, err = backend.LoadCandidates(cfg.BackendsFile)
		if err != nil {
			return err
		}
	}
	orch := fallback.New(
		backend.Bind(candidates, backend.Keys{
			OpenAI:    cfg.OpenAIKey,
			Anthropic: cfg.AnthropicKey,
			Gemini:    cfg.GeminiKey,
		}, nil),
		logger,
		fallback.WithTracer(tracer),
		fallback.WithAttemptHook(func(a fallback.Attempt) {
			reason := string(a.Reason)
			if a.Succeeded() {
				reason = "ok"
			}
			m.RecordAttempt(a.CandidateID, string(a.Provider), reason, a.Latency)
		}),
	)
	for _, c := range orch.Candidates() {
		logger.Info("backend candidate", zap.String("id", c.ID), zap.String("provider", string(c.Provider)), zap.String("model", c.Model), zap.Int("priority", c.Priority))
	}

	opts := []pipeline.Option{
		pipeline.WithMetrics(m),
		pipeline.WithTracer(tracer),
		pipeline.WithMaxPromptLength(cfg.MaxPromptLength),
	}
	if db != nil {
		opts = append(opts, pipeline.WithRecorder(db))
	}
	enhancer := pipeline.New(verifier, plans, limiter, orch, logger, opts...)

	deps := api.Deps{
		Enhancer:       enhancer,
		Candidates:     orch.Candidates,
		Health:         health,
		RequestTimeout: cfg.RequestTimeout,
		Version:        version,
		Logger:         logger,
	}
	if db != nil {
		deps.Store = db
		deps.Insights = analytics.NewInsightsEngine(db.Pool)
	}
	if resolver != nil {
		deps.Plans = resolver
	}
	handlers := api.NewHandlers(deps)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logging(logger, m), middleware.Recovery(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-Provider-Key", "X-Require-Auth", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if cfg.AdminAPIKey == "" {
		logger.Warn("LUMEN_ADMIN_API_KEY not set, admin API is disabled")
	}
	handlers.Register(r, cfg.AdminAPIKey, m.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lumen is ready", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	enhancer.Wait()
	logger.Info("server stopped")
	return nil
}

// planSource builds the tier lookup. Without a database every
// authenticated user is on the free plan.
func planSource(cfg *config.Config, db *database.DB, rc *cache.Cache, logger *zap.Logger) (billing.PlanSource, *billing.Resolver) {
	if db == nil {
		return billing.Fixed(ratelimit.TierFree), nil
	}

	var opts []billing.Option
	if rc != nil && cfg.PlanCacheTTL > 0 {
		opts = append(opts, billing.WithCache(rc, cfg.PlanCacheTTL))
	}
	if cfg.StripeKey != "" {
		sc := &client.API{}
		sc.Init(cfg.StripeKey, nil)
		opts = append(opts, billing.WithStripe(sc.Subscriptions, cfg.StripeProPriceIDs, cfg.PlanRefreshAfter))
		logger.Info("stripe subscription refresh enabled", zap.Int("pro_prices", len(cfg.StripeProPriceIDs)))
	}
	r := billing.NewResolver(db, logger, opts...)
	return r, r
}
