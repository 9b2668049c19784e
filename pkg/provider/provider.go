// Package provider defines the adapter contract the orchestrator calls
// into: generate a completion for a request, estimate its cost,
// and report the provider's name. It also ships a deterministic mock
// implementation used by tests and the demo binary.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// Provider is the external interface every LLM backend adapter implements.
type Provider interface {
	// Generate produces a Response for ctx, using the given model. It
	// returns a retryable *errors.BaseError (ProviderTimeout or
	// ProviderRateLimit) when the failure is transient.
	Generate(ctx context.Context, reqCtx *types.RequestContext, model string) (*types.Response, error)

	// EstimateCost returns the USD cost of a completion with the given
	// token counts on the given model.
	EstimateCost(promptTokens, completionTokens int, model string) float64

	// Name identifies the provider for breaker/rate-limit keying and
	// observability.
	Name() string
}

// Mock is a deterministic Provider used for tests and local demos. It
// never calls out to a network; its behavior is fully controlled by the
// fields below, which tests mutate directly.
type Mock struct {
	ProviderName string
	// ResponseText is echoed back verbatim unless Fail is set.
	ResponseText string
	// LatencyMS is reported as the simulated call latency.
	LatencyMS int64
	// CostPerToken prices EstimateCost.
	CostPerToken float64
	// Fail, when non-nil, is returned by Generate instead of a response.
	Fail error
	// FailSequence, if non-empty, is consumed one error per call (nil
	// entries succeed), letting tests script a flaky provider for retry
	// scenarios.
	FailSequence []error

	mu    sync.Mutex
	calls int
}

// NewMock creates a Mock that, while ResponseText is empty, echoes the
// prompt back behind a fixed "Response to: " prefix.
func NewMock(name string) *Mock {
	return &Mock{
		ProviderName: name,
		ResponseText: "",
		LatencyMS:    50,
		CostPerToken: 0.00002,
	}
}

// Generate implements Provider.
func (m *Mock) Generate(ctx context.Context, reqCtx *types.RequestContext, model string) (*types.Response, error) {
	select {
	case <-ctx.Done():
		return nil, errors.NewProviderTimeout("context canceled before provider call")
	default:
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx < len(m.FailSequence) && m.FailSequence[idx] != nil {
		return nil, m.FailSequence[idx]
	}
	if m.Fail != nil {
		return nil, m.Fail
	}

	text := m.ResponseText
	if text == "" {
		text = fmt.Sprintf("Response to: %s", truncateForEcho(reqCtx.Prompt))
	}

	tokens := len(strings.Fields(text))
	return &types.Response{
		RequestID:    reqCtx.RequestID,
		ResponseText: text,
		LatencyMS:    m.LatencyMS,
		TokensUsed:   tokens,
		CostUSD:      m.EstimateCost(len(strings.Fields(reqCtx.Prompt)), tokens, model),
		Provider:     m.ProviderName,
		Model:        model,
	}, nil
}

// EstimateCost implements Provider.
func (m *Mock) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return float64(promptTokens+completionTokens) * m.CostPerToken
}

// Calls reports how many times Generate has been invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Name implements Provider.
func (m *Mock) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func truncateForEcho(s string) string {
	const n = 60
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
