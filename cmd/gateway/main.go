package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rajasatyajit/toolgate/config"
	"github.com/rajasatyajit/toolgate/internal/alertengine"
	"github.com/rajasatyajit/toolgate/internal/api"
	"github.com/rajasatyajit/toolgate/internal/audit"
	"github.com/rajasatyajit/toolgate/internal/billing"
	"github.com/rajasatyajit/toolgate/internal/breaker"
	"github.com/rajasatyajit/toolgate/internal/database"
	"github.com/rajasatyajit/toolgate/internal/gate"
	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/logger"
	"github.com/rajasatyajit/toolgate/internal/metrics"
	"github.com/rajasatyajit/toolgate/internal/policy"
	"github.com/rajasatyajit/toolgate/internal/proxy"
	"github.com/rajasatyajit/toolgate/internal/quota"
	"github.com/rajasatyajit/toolgate/internal/ratelimit"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/bucket"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/concurrency"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/distributed"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/sliding"
	"github.com/rajasatyajit/toolgate/internal/sandbox"
	"github.com/rajasatyajit/toolgate/internal/scheduler"
	"github.com/rajasatyajit/toolgate/internal/spendcap"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/usage"
	"github.com/rajasatyajit/toolgate/internal/webhook"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting toolgate gateway",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit,
	)

	if cfg.Metrics.Enabled {
		metrics.Init()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize database", "error", err)
	}
	defer db.Close(ctx)

	store := keystore.New(db)

	sandboxMgr := sandbox.New()
	sandboxMgr.SetPolicy(sandbox.Policy{
		Name:          cfg.Sandbox.DefaultPolicyName,
		WindowSeconds: cfg.Sandbox.DefaultWindowSeconds,
		MaxCalls:      cfg.Sandbox.DefaultMaxCalls,
	})

	policyMgr := policy.New(policy.EffectAllow)

	spendCapMgr := spendcap.New(spendcap.Config{
		ServerDailyCallCap:     cfg.SpendCap.ServerDailyCallCap,
		ServerDailyCreditCap:   cfg.SpendCap.ServerDailyCreditCap,
		BreachAction:           spendcap.BreachAction(cfg.SpendCap.BreachAction),
		AutoResumeAfterSeconds: cfg.SpendCap.AutoResumeAfterSeconds,
	}, &autoResumeNotifier{store: store})

	var rateLimiter ratelimit.Backend
	if cfg.Redis.URL != "" {
		backend, err := distributed.NewFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal("failed to connect to redis rate limit backend", "error", err)
		}
		rateLimiter = backend
		logger.Info("using distributed rate limit backend")
	} else {
		limiter := sliding.New(cfg.Gate.GlobalRateLimitPerMin, 100000)
		rateLimiter = sliding.NewBackendAdapter(limiter)
		logger.Info("using in-process sliding window rate limit backend")
	}

	var tokenBucket *bucket.Limiter
	if cfg.Gate.TokenBucketEnabled {
		tokenBucket = bucket.New(bucket.Config{
			Capacity:   cfg.Bucket.Capacity,
			RefillRate: cfg.Bucket.RefillRate,
			Interval:   cfg.Bucket.Interval,
		}, cfg.Bucket.MaxKeys)
	}

	concurrencyLimiter := concurrency.New(concurrency.Limits{
		MaxPerKey:     cfg.Concurrency.MaxPerKey,
		MaxPerTool:    cfg.Concurrency.MaxPerTool,
		MaxPerKeyTool: cfg.Concurrency.MaxPerKeyTool,
	})

	tr := tracer.New(tracer.Config{
		SampleRate: cfg.Tracer.SampleRate,
		MaxTraces:  cfg.Tracer.MaxTraces,
		MaxAgeMs:   cfg.Tracer.MaxAgeMs,
	})

	var otlpExporter *tracer.OTLPExporter
	if cfg.Tracer.OTLPEndpoint != "" {
		otlpExporter = tracer.NewOTLPExporter(cfg.Tracer.OTLPEndpoint, cfg.Tracer.OTLPAuthHeader, cfg.Tracer.ServiceName, cfg.Tracer.ServiceVersion, cfg.Tracer.OTLPMaxBatch, 10000)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CooldownMs:       cfg.Breaker.CooldownMs,
	})

	meter := usage.New(500000)
	auditTrail := audit.New(500000)

	webhookBatcher := webhook.New(webhook.Config{
		MaxBatchSize:      cfg.Webhook.MaxBatchSize,
		FlushIntervalMs:   cfg.Webhook.FlushIntervalMs,
		MaxQueueSize:      cfg.Webhook.MaxQueueSize,
		MaxFailureHistory: 100,
	}, deliverWebhook)

	alertSink := api.NewWebhookAlertSink(webhookBatcher, os.Getenv("ALERT_WEBHOOK_URL"))
	alertEngine := alertengine.New(alertSink)
	alertEngine.SetRules([]alertengine.Rule{
		{Name: "spending_threshold", Kind: alertengine.KindSpendingThreshold, Threshold: cfg.Alert.SpendingThresholdPercent, CooldownMs: cfg.Alert.CooldownMs, DryRun: cfg.Alert.DryRun},
		{Name: "credits_low", Kind: alertengine.KindCreditsLow, Threshold: float64(cfg.Alert.CreditsLowThreshold), CooldownMs: cfg.Alert.CooldownMs, DryRun: cfg.Alert.DryRun},
		{Name: "quota_warning", Kind: alertengine.KindQuotaWarning, Threshold: cfg.Alert.QuotaWarningPercent, CooldownMs: cfg.Alert.CooldownMs, DryRun: cfg.Alert.DryRun},
		{Name: "key_expiry_soon", Kind: alertengine.KindKeyExpirySoon, Threshold: cfg.Alert.KeyExpirySoonSeconds, CooldownMs: cfg.Alert.CooldownMs, DryRun: cfg.Alert.DryRun},
		{Name: "rate_limit_spike", Kind: alertengine.KindRateLimitSpike, Threshold: cfg.Alert.RateLimitSpikeCount, CooldownMs: cfg.Alert.CooldownMs, DryRun: cfg.Alert.DryRun},
	})

	var billingProvider billing.Provider
	if cfg.Billing.StripeSecretKey != "" {
		svc := billing.NewService(cfg.Billing, db)
		billingProvider = billing.NewStripeProvider(svc, cfg.Billing.StripeWebhookSecret)
		logger.Info("stripe billing enabled")
	}

	rolloverMgr := quota.NewRolloverManager()

	gateEvaluator := gate.New(
		gate.Config{
			DefaultCreditsPerCall: cfg.Gate.DefaultCreditsPerCall,
			CreditsPerKBInput:     cfg.Gate.CreditsPerKBInput,
			ShadowModeGlobal:      cfg.Gate.ShadowModeGlobal,
			GlobalRateLimitPerMin: cfg.Gate.GlobalRateLimitPerMin,
			TokenBucketEnabled:    cfg.Gate.TokenBucketEnabled,
		},
		store, sandboxMgr, policyMgr, spendCapMgr, rateLimiter, tokenBucket, concurrencyLimiter, tr, rolloverMgr,
	)

	backendCaller := api.NewBackendCaller(cfg.Backend.ToolBackends, cfg.Backend.DefaultBackendURL, cfg.Proxy.AttemptTimeout)

	executor := proxy.New(
		proxy.Config{
			RetryAttempts:  cfg.Proxy.RetryAttempts,
			RetryDelay:     cfg.Proxy.RetryDelay,
			MaxBackoff:     cfg.Proxy.MaxBackoff,
			AttemptTimeout: cfg.Proxy.AttemptTimeout,
		},
		store, breakers, spendCapMgr, concurrencyLimiter, meter, tr, rolloverMgr, backendCaller,
	)

	sched := scheduler.New(cfg.Scheduler.TickInterval)
	sched.Register(scheduler.NewQuotaSweepJob(store, time.Hour))
	sched.Register(scheduler.NewRetentionJob(sandboxMgr, cfg.Scheduler.RetentionPeriod, time.Hour))
	sched.Register(scheduler.NewSpendCapResetJob(spendCapMgr, time.Minute))
	sched.Register(scheduler.NewWebhookFlushJob(webhookBatcher, time.Duration(cfg.Webhook.FlushIntervalMs)*time.Millisecond))
	sched.Register(scheduler.NewSnapshotJob(store, db, 5*time.Minute))
	if otlpExporter != nil {
		sched.Register(scheduler.NewOTLPFlushJob(otlpExporter, time.Duration(cfg.Tracer.FlushIntervalMs)*time.Millisecond))
	}
	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	apiHandler := api.NewHandler(gateEvaluator, executor, store, alertEngine, meter, auditTrail, tr, billingProvider, cfg.Admin.AdminSecret, Version, BuildTime, GitCommit)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.Logging)
	r.Use(api.Metrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.ReadTimeout))
	r.Use(api.Security)

	apiHandler.RegisterRoutes(r)

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
}

func startMetricsServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", "address", addr, "path", path)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}

// autoResumeNotifier satisfies spendcap.ResumeNotifier. The spend-cap
// suspension itself lives in spendcap.Manager, which has already dropped
// it when this runs; the notifier then clears the record's Suspended
// flag, which also lifts a suspension set through the admin endpoint.
type autoResumeNotifier struct {
	store keystore.Store
}

func (n *autoResumeNotifier) NotifyAutoResume(key string, suspendedAt time.Time) {
	ctx := context.Background()
	if err := n.store.Update(ctx, key, func(rec *keystore.Record) error {
		rec.Suspended = false
		return nil
	}); err != nil {
		logger.Error("failed to auto-resume key", "key", key, "error", err)
	}
}

// deliverWebhook is the default webhook.Deliverer: a plain HTTP POST of
// the batch as a JSON array, matching the teacher's direct net/http
// client idiom rather than a retry-client library (retries here are the
// caller's FailureRecord/Pause-Resume bookkeeping, not a transport concern).
func deliverWebhook(url string, payloads []any) error {
	body, err := json.Marshal(payloads)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery to %s failed with status %d", url, resp.StatusCode)
	}
	return nil
}
