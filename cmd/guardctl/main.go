// Command guardctl wires every package in this module into a runnable
// demo: it loads configuration, registers a mock provider (plus a
// fallback), stands up stdout trace/metric exporters, and fires a batch of
// concurrent requests through the Orchestrator so the whole pipeline can be
// observed end to end.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proddefense/llmguard/pkg/audit"
	"github.com/proddefense/llmguard/pkg/breaker"
	"github.com/proddefense/llmguard/pkg/checkpoint"
	"github.com/proddefense/llmguard/pkg/config"
	"github.com/proddefense/llmguard/pkg/orchestrator"
	"github.com/proddefense/llmguard/pkg/performance"
	"github.com/proddefense/llmguard/pkg/provider"
	"github.com/proddefense/llmguard/pkg/quality"
	"github.com/proddefense/llmguard/pkg/ratelimit"
	"github.com/proddefense/llmguard/pkg/retry"
	"github.com/proddefense/llmguard/pkg/types"
	"github.com/proddefense/llmguard/pkg/validation"
)

// Exit codes returned by run.
const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return exitError
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("LLMGUARD_CONFIG"))
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return exitError
	}

	ctx := context.Background()
	shutdownTelemetry, err := setupTelemetry(ctx)
	if err != nil {
		logger.Error("failed to set up telemetry", zap.Error(err))
		return exitError
	}
	defer shutdownTelemetry(ctx)

	orch, cleanup, err := buildOrchestrator(cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", zap.Error(err))
		return exitError
	}
	defer cleanup()

	if err := runDemo(ctx, orch, logger); err != nil {
		logger.Error("demo run failed", zap.Error(err))
		return exitError
	}

	return exitSuccess
}

func setupTelemetry(ctx context.Context) (func(context.Context) error, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(10*time.Second))))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}

func buildOrchestrator(cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, func(), error) {
	fallbackName := cfg.FallbackProvider
	if fallbackName == "" {
		fallbackName = "demo-fallback"
	}

	primary := provider.NewMock("demo")
	fallback := provider.NewMock(fallbackName)
	fallback.ResponseText = "This is a safe fallback response."

	providers := map[string]provider.Provider{
		"demo":       primary,
		fallbackName: fallback,
	}

	bc := cfg.BreakerConfig()
	breakerCfg := breaker.Config{
		FailureThreshold: uint64(bc.FailureThreshold),
		RecoveryTimeout:  bc.RecoveryTimeout,
		SuccessThreshold: uint64(bc.SuccessThreshold),
	}

	retryCfg := retry.Config{
		MaxAttempts:     cfg.RetryStrategy.MaxAttempts,
		InitialDelay:    cfg.RetryStrategy.InitialDelay,
		MaxDelay:        cfg.RetryStrategy.MaxDelay,
		ExponentialBase: cfg.RetryStrategy.ExponentialBase,
		EnableJitter:    cfg.RetryStrategy.EnableJitter,
	}

	limiterCfg := ratelimit.Config{
		GlobalMaxRequestsPerMinute: cfg.RateLimiting.GlobalMaxRequestsPerMinute,
		UserMaxRequestsPerMinute:   cfg.RateLimiting.UserMaxRequestsPerMinute,
		UserDailyQuotaUSD:          cfg.RateLimiting.UserDailyQuotaUSD,
		SessionBudgetUSD:           cfg.RateLimiting.SessionBudgetUSD,
	}

	journal := audit.New(audit.Config{AuditLogPath: cfg.AuditLogPath, FileMode: 0644}, logger)
	perf := performance.New(performance.Config{
		AbsoluteLatencyThresholdMS: cfg.Monitoring.AbsoluteLatencyThresholdMS,
		BudgetAlertThresholdUSD:    cfg.Monitoring.BudgetAlertThresholdUSD,
	}, logger)

	deps := orchestrator.Dependencies{
		Providers: providers,
		Breakers:  breaker.NewMultiBreaker(breakerCfg, logger),
		Retrier:   retry.New(retryCfg),
		Limiter:   ratelimit.New(limiterCfg, logger),
		Input:     validation.NewInputValidator(validation.InputConfig{MaxPromptLength: cfg.Safety.MaxPromptLength}),
		Output:    validation.NewOutputValidator(validation.DefaultOutputConfig()),
		Quality: quality.New(quality.Config{
			MinQualityScore:       cfg.Safety.MinQualityScore,
			QualityAlertThreshold: cfg.Monitoring.QualityAlertThreshold,
		}),
		Perf:     perf,
		Checkpts: checkpoint.New(checkpoint.Config{StateStoragePath: cfg.StateStoragePath, FileMode: 0644}, logger),
		Journal:  journal,
		Logger:   logger,
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxPromptLength = cfg.Safety.MaxPromptLength
	orchCfg.FallbackProvider = cfg.FallbackProvider
	orchCfg.FallbackModel = cfg.FallbackModel

	cleanup := func() {
		perf.Close()
		journal.Close()
	}
	return orchestrator.New(orchCfg, deps), cleanup, nil
}

// runDemo fires a batch of concurrent requests through the orchestrator.
func runDemo(ctx context.Context, orch *orchestrator.Orchestrator, logger *zap.Logger) error {
	prompts := []string{
		"Summarize the quarterly revenue report for the board.",
		"What are the main causes of the French Revolution?",
		"Write a short poem about autumn leaves.",
		"Explain how a hash table resolves collisions.",
		"Draft a polite decline email for a vendor proposal.",
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			reqCtx := types.NewRequestContext(prompt, 256, 0.7)
			reqCtx.UserID = fmt.Sprintf("user-%d", i%3)
			reqCtx.SessionID = fmt.Sprintf("session-%d", i)

			resp, err := orch.Process(gctx, reqCtx, "demo", "demo-model-v1")
			if err != nil {
				logger.Warn("request failed", zap.String("request_id", reqCtx.RequestID), zap.Error(err))
				return nil
			}
			logger.Info("request completed",
				zap.String("request_id", reqCtx.RequestID),
				zap.Float64("quality_score", resp.QualityScore),
				zap.Float64("cost_usd", resp.CostUSD))
			return nil
		})

		// Stagger launches slightly so the demo's rate limiter is visibly
		// exercised rather than all five requests racing at once.
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
	}

	return g.Wait()
}
