// Package orchestrator wires every other component into a fixed-order
// request pipeline: audit the incoming
// request, validate its input, admit it under rate/quota limits, checkpoint
// pre-execution state, call the provider under circuit-breaker and retry
// protection, assess the response for quality and safety, record its cost,
// validate the output, checkpoint and audit the completed (or failed)
// request.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/proddefense/llmguard/pkg/audit"
	"github.com/proddefense/llmguard/pkg/breaker"
	"github.com/proddefense/llmguard/pkg/checkpoint"
	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/performance"
	"github.com/proddefense/llmguard/pkg/provider"
	"github.com/proddefense/llmguard/pkg/quality"
	"github.com/proddefense/llmguard/pkg/ratelimit"
	"github.com/proddefense/llmguard/pkg/retry"
	"github.com/proddefense/llmguard/pkg/types"
	"github.com/proddefense/llmguard/pkg/validation"
)

// Config bundles the per-request limits the Orchestrator itself enforces
// (as opposed to the sub-component configs, which are owned by their
// constructors): the prompt length ceiling applied before any other check,
// and the bound on concurrent in-flight provider calls.
type Config struct {
	MaxPromptLength        int
	MaxConcurrentProviders int64

	// FallbackProvider/FallbackModel name the single fallback identity
	// invoked when the primary call fails or the response fails quality or
	// output validation. If FallbackProvider is empty, the orchestrator
	// falls back to the "<primary>-fallback" naming convention.
	FallbackProvider string
	FallbackModel    string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPromptLength:        100_000,
		MaxConcurrentProviders: 50,
	}
}

// metrics holds the otel instruments the Orchestrator emits: a request
// counter, an active-request gauge, a rejection counter, and an end-to-end
// latency histogram. All but the active-request gauge are labeled by
// provider.
type metrics struct {
	requests    metric.Int64Counter
	active      metric.Int64UpDownCounter
	rejections  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("llmguard/orchestrator")
	m := &metrics{}
	m.requests, _ = meter.Int64Counter("llmguard_requests_total")
	m.active, _ = meter.Int64UpDownCounter("llmguard_requests_active")
	m.rejections, _ = meter.Int64Counter("llmguard_requests_rejected_total")
	m.latencyHist, _ = meter.Float64Histogram("llmguard_request_latency_ms")
	return m
}

// Orchestrator sequences the request pipeline. It owns no business logic
// of its own beyond sequencing: every decision is delegated to the
// component that owns it.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	metrics *metrics

	providers map[string]provider.Provider
	breakers  *breaker.MultiBreaker
	retrier   *retry.Controller
	limiter   *ratelimit.RateLimiter
	input     *validation.InputValidator
	output    *validation.OutputValidator
	quality   *quality.Assessor
	perf      *performance.Recorder
	checkpts  *checkpoint.Store
	journal   *audit.Journal

	sem *semaphore.Weighted
}

// Dependencies bundles every already-constructed sub-component the
// Orchestrator wires together. Each is owned and configured by its own
// package; the Orchestrator only sequences them.
type Dependencies struct {
	Providers map[string]provider.Provider
	Breakers  *breaker.MultiBreaker
	Retrier   *retry.Controller
	Limiter   *ratelimit.RateLimiter
	Input     *validation.InputValidator
	Output    *validation.OutputValidator
	Quality   *quality.Assessor
	Perf      *performance.Recorder
	Checkpts  *checkpoint.Store
	Journal   *audit.Journal
	Logger    *zap.Logger
}

// New creates an Orchestrator from already-constructed dependencies.
func New(cfg Config, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentProviders <= 0 {
		cfg.MaxConcurrentProviders = 50
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("llmguard/orchestrator"),
		metrics:   newMetrics(),
		providers: deps.Providers,
		breakers:  deps.Breakers,
		retrier:   deps.Retrier,
		limiter:   deps.Limiter,
		input:     deps.Input,
		output:    deps.Output,
		quality:   deps.Quality,
		perf:      deps.Perf,
		checkpts:  deps.Checkpts,
		journal:   deps.Journal,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentProviders),
	}
}

// Process runs reqCtx through the full pipeline for the named
// provider/model pair and returns the final Response, or the first error
// that aborted the pipeline.
func (o *Orchestrator) Process(ctx context.Context, reqCtx *types.RequestContext, providerName, model string) (*types.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process",
		trace.WithAttributes(
			attribute.String("request.id", reqCtx.RequestID),
			attribute.String("provider", providerName),
		),
	)
	defer span.End()

	start := time.Now()
	o.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
	o.metrics.active.Add(ctx, 1)
	defer o.metrics.active.Add(ctx, -1)

	resp, err := o.process(ctx, reqCtx, providerName, model)

	latencyMS := time.Since(start).Milliseconds()
	o.metrics.latencyHist.Record(ctx, float64(latencyMS), metric.WithAttributes(attribute.String("provider", providerName)))

	if err != nil {
		o.metrics.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
		span.RecordError(err)
	}

	return resp, err
}

func (o *Orchestrator) process(ctx context.Context, reqCtx *types.RequestContext, providerName, model string) (*types.Response, error) {
	// Step 1: audit the incoming request before any gating, so every
	// attempt is recorded even if it's later rejected.
	o.journal.LogRequest(reqCtx.RequestID, reqCtx.UserID, reqCtx.SessionID, reqCtx.Prompt)

	// Step 2: validate input shape and content.
	if err := reqCtx.Validate(o.cfg.MaxPromptLength); err != nil {
		return o.abort(reqCtx, errors.NewValidationError(err.Error()))
	}
	if _, err := o.input.Validate(reqCtx); err != nil {
		return o.abort(reqCtx, err)
	}

	// Step 3: admission under rate/quota limits. Admission never debits
	// cost; only a later success does (step 9).
	if err := o.limiter.CheckLimits(reqCtx); err != nil {
		return o.abort(reqCtx, err)
	}

	// Step 4: pre-execution checkpoint.
	if err := o.checkpts.Save(reqCtx.RequestID, checkpoint.StagePreExecution, reqCtx, nil, nil); err != nil {
		o.logger.Warn("pre-execution checkpoint failed", zap.String("request_id", reqCtx.RequestID), zap.Error(err))
	}

	// Step 5: call the provider, protected by the circuit breaker and the
	// retry controller, bounded by the global concurrency semaphore.
	p, ok := o.providers[providerName]
	if !ok {
		return o.abort(reqCtx, errors.NewUnsupportedProvider(providerName))
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.abort(reqCtx, errors.NewProviderTimeout("timed out waiting for provider concurrency slot"))
	}
	defer o.sem.Release(1)

	resp, callErr := o.callProvider(ctx, providerName, p, reqCtx, model)

	if callErr != nil {
		o.checkpts.Save(reqCtx.RequestID, checkpoint.StageFailed, reqCtx, nil, callErr)
		o.journal.LogError(reqCtx.RequestID, string(errors.KindOf(callErr)), callErr)

		// A failed primary call still gets one fallback attempt before
		// the request is rejected outright.
		return o.fallbackOrAbort(ctx, reqCtx, providerName, model, callErr)
	}

	// Step 6: checkpoint the raw provider response before assessment.
	if err := o.checkpts.Save(reqCtx.RequestID, checkpoint.StagePostExecution, reqCtx, resp, nil); err != nil {
		o.logger.Warn("post-execution checkpoint failed", zap.String("request_id", reqCtx.RequestID), zap.Error(err))
	}

	// Step 7: quality/safety assessment, mutating resp's quality fields. A
	// failed assessment aborts before any USD ledger is touched, so a
	// rejected response never charges the caller.
	_, qualityAlert, assessErr := o.quality.Assess(reqCtx.Prompt, resp)
	if qualityAlert != nil {
		o.journal.LogAlert(reqCtx.RequestID, string(qualityAlert.Category), string(qualityAlert.Severity), qualityAlert.Message)
	}
	if assessErr != nil {
		o.journal.LogError(reqCtx.RequestID, string(errors.KindOf(assessErr)), assessErr)
		o.checkpts.Save(reqCtx.RequestID, checkpoint.StageFailed, reqCtx, resp, assessErr)
		return o.fallbackOrAbort(ctx, reqCtx, providerName, model, assessErr)
	}

	// Step 8: performance recording. The latency sample and informational
	// cost ledger are updated first; the per-request max_cost_usd ceiling
	// then aborts before the admission ledgers are charged.
	for _, alert := range o.perf.Record(reqCtx.RequestID, resp.LatencyMS) {
		o.journal.LogAlert(reqCtx.RequestID, string(alert.Category), string(alert.Severity), alert.Message)
	}
	if alert := o.perf.RecordCost(reqCtx.UserID, reqCtx.SessionID, resp.CostUSD); alert != nil {
		o.journal.LogAlert(reqCtx.RequestID, string(alert.Category), string(alert.Severity), alert.Message)
	}
	if err := o.perf.CheckCost(reqCtx, resp.CostUSD); err != nil {
		o.checkpts.Save(reqCtx.RequestID, checkpoint.StageFailed, reqCtx, resp, err)
		return o.abort(reqCtx, err)
	}

	// Step 9: cost accounting against the admission ledgers, only once the
	// response has survived assessment and the budget ceiling.
	o.limiter.RecordCost(reqCtx, resp.CostUSD)

	// Step 10: output validation; a critical finding triggers the same
	// fallback path as a failed quality assessment.
	if _, err := o.output.Validate(resp); err != nil {
		o.journal.LogError(reqCtx.RequestID, string(errors.KindOf(err)), err)
		o.checkpts.Save(reqCtx.RequestID, checkpoint.StageFailed, reqCtx, resp, err)
		return o.fallbackOrAbort(ctx, reqCtx, providerName, model, err)
	}

	// Step 11: audit the completed response and checkpoint its final state.
	o.journal.LogResponse(reqCtx.RequestID, reqCtx.UserID, reqCtx.SessionID, resp.ResponseText)
	o.checkpts.Save(reqCtx.RequestID, checkpoint.StageCompleted, reqCtx, resp, nil)

	return resp, nil
}

// callProvider runs p.Generate under the named provider's own circuit
// breaker and the shared retry controller, the same protection the primary
// call gets in step 5. Used for both the primary call and the fallback
// call, so total provider calls per request stay bounded by twice the
// retry controller's attempt limit.
func (o *Orchestrator) callProvider(ctx context.Context, name string, p provider.Provider, reqCtx *types.RequestContext, model string) (*types.Response, error) {
	cb := o.breakers.Get(name)
	var resp *types.Response

	err := cb.Call(func() error {
		return o.retrier.Run(func(attempt int) error {
			r, genErr := p.Generate(ctx, reqCtx, model)
			if genErr != nil {
				return genErr
			}
			resp = r
			return nil
		})
	})
	return resp, err
}

// fallbackName resolves the provider identity to retry against when the
// primary call or its response fails, preferring the configured
// fallback_provider and falling back to the "<primary>-fallback" naming
// convention when none is configured.
func (o *Orchestrator) fallbackName(providerName string) (name, model string) {
	if o.cfg.FallbackProvider != "" {
		return o.cfg.FallbackProvider, o.cfg.FallbackModel
	}
	return providerName + "-fallback", ""
}

// fallbackOrAbort is invoked when the primary call fails or a response
// fails quality or output validation. The fallback call is routed through
// its own circuit breaker and the retry controller, exactly like the
// primary call, and on failure the original cause is chained under the
// fallback's error.
func (o *Orchestrator) fallbackOrAbort(ctx context.Context, reqCtx *types.RequestContext, providerName, model string, cause error) (*types.Response, error) {
	fbName, fbModel := o.fallbackName(providerName)
	if fbModel == "" {
		fbModel = model
	}
	fb, ok := o.providers[fbName]
	if !ok {
		// Every caller has already audited cause, so it is returned without
		// a second error event.
		return nil, cause
	}

	o.logger.Info("falling back to secondary provider",
		zap.String("request_id", reqCtx.RequestID),
		zap.String("primary", providerName),
		zap.String("fallback", fbName))

	resp, err := o.callProvider(ctx, fbName, fb, reqCtx, fbModel)
	if err != nil {
		return o.abort(reqCtx, errors.NewProviderAPI("fallback provider call failed").WithCause(cause).WithDetail("fallback_error", err.Error()))
	}

	// The original primary failure stays the surfaced cause when the
	// fallback response is itself rejected; the fallback's own failure is
	// attached as detail. Cost is recorded only once the fallback response
	// has survived assessment and validation.
	_, qualityAlert, assessErr := o.quality.Assess(reqCtx.Prompt, resp)
	if qualityAlert != nil {
		o.journal.LogAlert(reqCtx.RequestID, string(qualityAlert.Category), string(qualityAlert.Severity), qualityAlert.Message)
	}
	if assessErr != nil {
		return o.abort(reqCtx, errors.NewQualityCheckFailed("fallback response also failed quality assessment").
			WithCause(cause).
			WithDetail("fallback_assessment_error", assessErr.Error()))
	}

	if _, err := o.output.Validate(resp); err != nil {
		return o.abort(reqCtx, errors.NewQualityCheckFailed("fallback response also failed output validation").
			WithCause(cause).
			WithDetail("fallback_validation_error", err.Error()))
	}

	o.limiter.RecordCost(reqCtx, resp.CostUSD)
	if alert := o.perf.RecordCost(reqCtx.UserID, reqCtx.SessionID, resp.CostUSD); alert != nil {
		o.journal.LogAlert(reqCtx.RequestID, string(alert.Category), string(alert.Severity), alert.Message)
	}

	o.journal.LogResponse(reqCtx.RequestID, reqCtx.UserID, reqCtx.SessionID, resp.ResponseText)
	o.checkpts.Save(reqCtx.RequestID, checkpoint.StageCompleted, reqCtx, resp, nil)
	return resp, nil
}

func (o *Orchestrator) abort(reqCtx *types.RequestContext, err error) (*types.Response, error) {
	o.journal.LogError(reqCtx.RequestID, string(errors.KindOf(err)), err)
	return nil, err
}
