package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proddefense/llmguard/pkg/clock"
	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

func TestRecorder_AbsoluteLatencyThresholdAlert(t *testing.T) {
	r := NewWithClock(Config{AbsoluteLatencyThresholdMS: 1000, BudgetAlertThresholdUSD: 100}, clock.NewManual(time.Now()), nil)
	defer r.Close()

	alerts := r.Record("r1", 1500)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertPerformance, alerts[0].Category)
}

func TestRecorder_CostLedgerRollsOverOnUTCDateBoundary(t *testing.T) {
	day1 := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	c := clock.NewManual(day1)
	r := NewWithClock(Config{BudgetAlertThresholdUSD: 1.0}, c, nil)
	defer r.Close()

	r.RecordCost("user1", "", 0.5)
	r.RecordCost("user1", "", 0.4)

	c.Advance(2 * time.Hour) // crosses into 2026-01-02 UTC

	// After rollover the ledger holds only the second day's cost, so 0.2
	// stays under the 1.0 threshold; without the reset the 0.9 carried over
	// from the first day would push it to 1.1 and raise an alert.
	alert := r.RecordCost("user1", "", 0.2)
	assert.Nil(t, alert)
}

func TestRecorder_BudgetAlertThresholdCrossing(t *testing.T) {
	r := NewWithClock(Config{BudgetAlertThresholdUSD: 1.0}, clock.NewManual(time.Now()), nil)
	defer r.Close()

	alert := r.RecordCost("user1", "sess1", 0.6)
	assert.Nil(t, alert)

	alert = r.RecordCost("user1", "sess1", 0.6)
	require.NotNil(t, alert)
	assert.Equal(t, types.AlertBudget, alert.Category)
}

func TestRecorder_CheckCostEnforcesPerRequestBudget(t *testing.T) {
	r := NewWithClock(DefaultConfig(), clock.NewManual(time.Now()), nil)
	defer r.Close()

	maxCost := 0.01
	ctx := &types.RequestContext{RequestID: "r1", MaxCostUSD: &maxCost}

	err := r.CheckCost(ctx, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBudgetExceeded))

	err = r.CheckCost(ctx, 0.005)
	require.NoError(t, err)
}
