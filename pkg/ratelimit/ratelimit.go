// Package ratelimit composes the request admission primitives:
// a global token bucket, lazily-created per-user token buckets, a per-user
// daily USD quota, and a per-session USD budget. Admission never debits the
// USD ledgers; only RecordCost does, which preserves the invariant that a
// request rejected mid-pipeline never charges its caller.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/proddefense/llmguard/pkg/clock"
	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// Config holds the rate_limiting configuration surface.
type Config struct {
	GlobalMaxRequestsPerMinute int
	UserMaxRequestsPerMinute   int
	UserDailyQuotaUSD          float64
	SessionBudgetUSD           float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		GlobalMaxRequestsPerMinute: 1000,
		UserMaxRequestsPerMinute:   60,
		UserDailyQuotaUSD:          100.0,
		SessionBudgetUSD:           10.0,
	}
}

// maxTrackedUsers/maxTrackedSessions bound the LRU caches backing per-user
// and per-session state so a flood of distinct callers cannot grow the
// limiter's memory without bound.
const (
	maxTrackedUsers    = 50_000
	maxTrackedSessions = 200_000
)

type userQuota struct {
	mu            sync.Mutex
	cumulativeUSD float64
	lastResetDate string // YYYY-MM-DD, UTC
}

// QuotaSnapshot is a read-only view of one user's ledger state, exposed for
// observability and tests.
type QuotaSnapshot struct {
	UserID            string
	CumulativeUSD     float64
	LastResetDate     string
	SessionCumulative map[string]float64
}

// RateLimiter is the composed admission gate.
type RateLimiter struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	global      *TokenBucket
	userBuckets *lru.Cache[string, *TokenBucket]

	ledgerMu      sync.Mutex
	userLedgers   *lru.Cache[string, *userQuota]
	sessionLedger *lru.Cache[string, *float64]
}

// New creates a RateLimiter using the real clock.
func New(cfg Config, logger *zap.Logger) *RateLimiter {
	return NewWithClock(cfg, clock.Real{}, logger)
}

// NewWithClock creates a RateLimiter with an injected clock for deterministic
// tests of refill and quota-rollover behavior.
func NewWithClock(cfg Config, c clock.Clock, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	userBuckets, _ := lru.New[string, *TokenBucket](maxTrackedUsers)
	userLedgers, _ := lru.New[string, *userQuota](maxTrackedUsers)
	sessionLedger, _ := lru.New[string, *float64](maxTrackedSessions)

	globalRate := float64(cfg.GlobalMaxRequestsPerMinute) / 60.0
	return &RateLimiter{
		cfg:           cfg,
		clock:         c,
		logger:        logger,
		global:        NewTokenBucketWithClock(cfg.GlobalMaxRequestsPerMinute, globalRate, c),
		userBuckets:   userBuckets,
		userLedgers:   userLedgers,
		sessionLedger: sessionLedger,
	}
}

// CheckLimits runs the admission checks in order: global bucket, then
// per-user bucket, then user daily quota, then session budget. The first
// failure aborts with its own error kind.
func (rl *RateLimiter) CheckLimits(ctx *types.RequestContext) error {
	if !rl.global.Acquire(1) {
		rl.logger.Warn("global rate limit exceeded", zap.String("request_id", ctx.RequestID))
		return errors.NewRateLimitExceeded("global request rate limit exceeded", time.Second)
	}

	if ctx.UserID != "" {
		bucket := rl.userBucket(ctx.UserID)
		if !bucket.Acquire(1) {
			rl.logger.Warn("user rate limit exceeded", zap.String("user_id", ctx.UserID))
			return errors.NewRateLimitExceeded("per-user request rate limit exceeded", time.Second)
		}

		if err := rl.checkUserDailyQuota(ctx.UserID); err != nil {
			return err
		}
	}

	if ctx.SessionID != "" {
		if err := rl.checkSessionBudget(ctx.SessionID); err != nil {
			return err
		}
	}

	return nil
}

func (rl *RateLimiter) userBucket(userID string) *TokenBucket {
	if b, ok := rl.userBuckets.Get(userID); ok {
		return b
	}
	rate := float64(rl.cfg.UserMaxRequestsPerMinute) / 60.0
	b := NewTokenBucketWithClock(rl.cfg.UserMaxRequestsPerMinute, rate, rl.clock)
	rl.userBuckets.Add(userID, b)
	return b
}

func (rl *RateLimiter) currentDate() string {
	return rl.clock.Now().UTC().Format("2006-01-02")
}

func (rl *RateLimiter) ledgerFor(userID string) *userQuota {
	rl.ledgerMu.Lock()
	defer rl.ledgerMu.Unlock()

	if q, ok := rl.userLedgers.Get(userID); ok {
		return q
	}
	q := &userQuota{lastResetDate: rl.currentDate()}
	rl.userLedgers.Add(userID, q)
	return q
}

// checkUserDailyQuota rejects admission once the user's cumulative cost for
// the current UTC day has reached the daily quota. This check never
// mutates the ledger; only RecordCost does.
func (rl *RateLimiter) checkUserDailyQuota(userID string) error {
	q := rl.ledgerFor(userID)

	q.mu.Lock()
	defer q.mu.Unlock()

	rl.rolloverLocked(q)

	if q.cumulativeUSD >= rl.cfg.UserDailyQuotaUSD {
		return errors.NewQuotaExceeded(errors.KindQuotaExceeded, "user daily quota exceeded").
			WithDetail("user_id", userID).
			WithDetail("cumulative_usd", q.cumulativeUSD).
			WithDetail("quota_usd", rl.cfg.UserDailyQuotaUSD)
	}
	return nil
}

// rolloverLocked resets the ledger if the UTC calendar date has advanced
// past last_reset_date. Caller must hold q.mu.
func (rl *RateLimiter) rolloverLocked(q *userQuota) {
	today := rl.currentDate()
	if q.lastResetDate != today {
		q.cumulativeUSD = 0
		q.lastResetDate = today
	}
}

func (rl *RateLimiter) checkSessionBudget(sessionID string) error {
	rl.ledgerMu.Lock()
	cur, ok := rl.sessionLedger.Get(sessionID)
	rl.ledgerMu.Unlock()

	var spent float64
	if ok {
		spent = *cur
	}

	if spent >= rl.cfg.SessionBudgetUSD {
		return errors.NewQuotaExceeded(errors.KindSessionBudgetExceeded, "session budget exceeded").
			WithDetail("session_id", sessionID).
			WithDetail("spent_usd", spent).
			WithDetail("budget_usd", rl.cfg.SessionBudgetUSD)
	}
	return nil
}

// RecordCost is invoked by the orchestrator only after a successful
// response, and atomically rolls over the user's daily ledger (if the UTC
// date advanced) before incrementing both the user and session ledgers.
func (rl *RateLimiter) RecordCost(ctx *types.RequestContext, costUSD float64) {
	if ctx.UserID != "" {
		q := rl.ledgerFor(ctx.UserID)
		q.mu.Lock()
		rl.rolloverLocked(q)
		q.cumulativeUSD += costUSD
		q.mu.Unlock()
	}

	if ctx.SessionID != "" {
		rl.ledgerMu.Lock()
		cur, ok := rl.sessionLedger.Get(ctx.SessionID)
		var next float64
		if ok {
			next = *cur + costUSD
		} else {
			next = costUSD
		}
		rl.sessionLedger.Add(ctx.SessionID, &next)
		rl.ledgerMu.Unlock()
	}

	rl.logger.Debug("recorded cost",
		zap.String("request_id", ctx.RequestID),
		zap.Float64("cost_usd", costUSD))
}

// Snapshot returns a read-only view of a user's ledger state, for
// observability and tests. It does not mutate the ledger (no rollover is
// applied).
func (rl *RateLimiter) Snapshot(userID string) QuotaSnapshot {
	snap := QuotaSnapshot{UserID: userID, SessionCumulative: make(map[string]float64)}
	if q, ok := rl.userLedgers.Get(userID); ok {
		q.mu.Lock()
		snap.CumulativeUSD = q.cumulativeUSD
		snap.LastResetDate = q.lastResetDate
		q.mu.Unlock()
	}
	return snap
}

// SessionSpent returns the cumulative USD recorded for a session.
func (rl *RateLimiter) SessionSpent(sessionID string) float64 {
	rl.ledgerMu.Lock()
	defer rl.ledgerMu.Unlock()
	if cur, ok := rl.sessionLedger.Get(sessionID); ok {
		return *cur
	}
	return 0
}
