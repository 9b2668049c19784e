// Package performance records per-request latency and cost: a bounded
// latency history with periodically recomputed p50/p95 baselines,
// latency-spike alerting, an informational per-user/per-session cost
// ledger used only to raise budget alerts after the fact, and a
// per-request max_cost_usd check. The cumulative budget alerts never block
// a request; CheckCost returns BudgetExceeded for a single request over its
// own ceiling. The rate limiter's admission-time quota is the authoritative
// cumulative gate.
package performance

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proddefense/llmguard/internal/boundedmap"
	"github.com/proddefense/llmguard/pkg/clock"
	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// maxHistory bounds the latency ring buffer; baselineWindow bounds how many
// of the most recent records feed the p50/p95 recomputation.
const (
	maxHistory      = 10_000
	baselineWindow  = 1_000
	recomputeEvery  = 100
	spikeLookback   = 100

	// maxTrackedCostUsers/maxTrackedCostSessions bound the informational
	// cost ledgers the same way ratelimit bounds its admission state, so a
	// flood of distinct callers can't grow this map without limit.
	maxTrackedCostUsers    = 50_000
	maxTrackedCostSessions = 200_000
)

// Config holds the monitoring configuration surface.
type Config struct {
	AbsoluteLatencyThresholdMS int64
	BudgetAlertThresholdUSD    float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AbsoluteLatencyThresholdMS: 5_000,
		BudgetAlertThresholdUSD:    100.0,
	}
}

type latencyRecord struct {
	requestID string
	latencyMS int64
	at        time.Time
}

type costLedgerEntry struct {
	cumulativeUSD float64
	lastResetDate string
}

// Recorder is the PerformanceRecorder.
type Recorder struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	history     []latencyRecord
	next        int
	filled      bool
	recordCount int
	p50         int64
	p95         int64

	userCosts    *boundedmap.Map
	sessionCosts *boundedmap.Map
}

// New creates a Recorder using the real clock.
func New(cfg Config, logger *zap.Logger) *Recorder {
	return NewWithClock(cfg, clock.Real{}, logger)
}

// NewWithClock creates a Recorder with an injected clock for deterministic
// rollover tests.
func NewWithClock(cfg Config, c clock.Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cfg:     cfg,
		clock:   c,
		logger:  logger,
		history: make([]latencyRecord, maxHistory),
		userCosts: boundedmap.New(boundedmap.Config{
			MaxSize:       maxTrackedCostUsers,
			MetricsPrefix: "llmguard_performance_user_costs",
		}),
		sessionCosts: boundedmap.New(boundedmap.Config{
			MaxSize:       maxTrackedCostSessions,
			MetricsPrefix: "llmguard_performance_session_costs",
		}),
	}
}

// Close stops the background cleanup goroutines owned by the cost ledgers.
func (r *Recorder) Close() {
	r.userCosts.Close()
	r.sessionCosts.Close()
}

// Record appends latencyMS to the bounded ring buffer, recomputes the
// p50/p95 baselines every recomputeEvery records, and returns any alerts
// raised (latency spike against the baseline, or absolute threshold
// breach). It does not track cost; call RecordCost separately once the
// orchestrator has confirmed cost accounting for the request.
func (r *Recorder) Record(requestID string, latencyMS int64) []*types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history[r.next] = latencyRecord{requestID: requestID, latencyMS: latencyMS, at: r.clock.Now()}
	r.next = (r.next + 1) % maxHistory
	if r.next == 0 {
		r.filled = true
	}
	r.recordCount++

	if r.recordCount%recomputeEvery == 0 {
		r.recomputeBaselinesLocked()
	}

	return r.checkLatencyAlertsLocked(requestID, latencyMS)
}

func (r *Recorder) recentLocked(n int) []int64 {
	count := r.recordCount
	if count > maxHistory {
		count = maxHistory
	}
	if n > count {
		n = count
	}
	out := make([]int64, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + maxHistory) % maxHistory
		out = append(out, r.history[idx].latencyMS)
	}
	return out
}

func (r *Recorder) recomputeBaselinesLocked() {
	window := r.recentLocked(baselineWindow)
	if len(window) == 0 {
		return
	}
	sorted := append([]int64(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	r.p50 = percentile(sorted, 0.50)
	r.p95 = percentile(sorted, 0.95)

	r.logger.Debug("performance baselines recomputed",
		zap.Int64("p50_ms", r.p50),
		zap.Int64("p95_ms", r.p95),
		zap.Int("sample_size", len(sorted)))
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// checkLatencyAlertsLocked raises a performance alert if latest latency
// exceeds the absolute configured threshold, or exceeds twice the p95
// baseline (recomputed every recomputeEvery records over the last
// baselineWindow records). The spike alert also reports how many of the
// last spikeLookback records exceeded that bound.
func (r *Recorder) checkLatencyAlertsLocked(requestID string, latestMS int64) []*types.Alert {
	var alerts []*types.Alert

	if r.cfg.AbsoluteLatencyThresholdMS > 0 && latestMS > r.cfg.AbsoluteLatencyThresholdMS {
		a := types.NewAlert(types.AlertHighSev, types.AlertPerformance, "request latency exceeded absolute threshold")
		a.RequestID = requestID
		a.Details["latency_ms"] = latestMS
		a.Details["threshold_ms"] = r.cfg.AbsoluteLatencyThresholdMS
		alerts = append(alerts, a)
	}

	if r.p95 > 0 && latestMS > 2*r.p95 {
		recent := r.recentLocked(spikeLookback)
		spikeCount := 0
		for _, v := range recent {
			if v > 2*r.p95 {
				spikeCount++
			}
		}
		a := types.NewAlert(types.AlertMedium, types.AlertPerformance, "request latency exceeded 2x p95 baseline")
		a.RequestID = requestID
		a.Details["latency_ms"] = latestMS
		a.Details["p95_baseline_ms"] = r.p95
		a.Details["spikes_in_last_window"] = spikeCount
		alerts = append(alerts, a)
	}

	return alerts
}

// Baselines returns the most recently computed p50/p95 latency baselines.
func (r *Recorder) Baselines() (p50, p95 int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p50, r.p95
}

func (r *Recorder) currentDate() string {
	return r.clock.Now().UTC().Format("2006-01-02")
}

// RecordCost updates the informational cost ledger and returns a budget
// alert (never an error; this check does not block the request) if the
// user's cumulative cost for the current UTC day crosses the configured
// alert threshold.
func (r *Recorder) RecordCost(userID, sessionID string, costUSD float64) *types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var alert *types.Alert

	if userID != "" {
		value := r.userCosts.GetOrCreate(userID, func() interface{} {
			return &costLedgerEntry{lastResetDate: r.currentDate()}
		})
		entry := value.(*costLedgerEntry)

		today := r.currentDate()
		if entry.lastResetDate != today {
			entry.cumulativeUSD = 0
			entry.lastResetDate = today
		}
		wasUnder := entry.cumulativeUSD < r.cfg.BudgetAlertThresholdUSD
		entry.cumulativeUSD += costUSD
		if wasUnder && entry.cumulativeUSD >= r.cfg.BudgetAlertThresholdUSD {
			alert = types.NewAlert(types.AlertMedium, types.AlertBudget, "user cumulative cost crossed informational budget threshold")
			alert.Details["user_id"] = userID
			alert.Details["cumulative_usd"] = entry.cumulativeUSD
			alert.Details["threshold_usd"] = r.cfg.BudgetAlertThresholdUSD
		}
	}

	if sessionID != "" {
		value := r.sessionCosts.GetOrCreate(sessionID, func() interface{} {
			total := 0.0
			return &total
		})
		total := value.(*float64)
		*total += costUSD
	}

	return alert
}

// CheckCost enforces the per-request ceiling: if reqCtx declares a
// max_cost_usd and the actual cost exceeds it, the step raises
// BudgetExceeded. This runs after Record has already appended the latency
// sample, so the bounded history includes the rejected request.
func (r *Recorder) CheckCost(reqCtx *types.RequestContext, costUSD float64) error {
	if reqCtx.MaxCostUSD == nil {
		return nil
	}
	if costUSD <= *reqCtx.MaxCostUSD {
		return nil
	}
	return errors.NewWithSeverity(errors.KindBudgetExceeded, "request cost exceeded max_cost_usd", errors.SeverityError).
		WithDetail("request_id", reqCtx.RequestID).
		WithDetail("cost_usd", costUSD).
		WithDetail("max_cost_usd", *reqCtx.MaxCostUSD)
}
