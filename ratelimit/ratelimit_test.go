package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAllowsWithinLimits(t *testing.T) {
	tr := New(Limits{RequestsPerMinute: 10, TokensPerMinute: 1000, SafetyMargin: 1})
	now := time.Unix(1000, 0)
	res, err := tr.Reserve(now, 100)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestReserveRejectsOverTokenLimit(t *testing.T) {
	tr := New(Limits{TokensPerMinute: 100, SafetyMargin: 1})
	now := time.Unix(1000, 0)
	_, err := tr.Reserve(now, 50)
	require.NoError(t, err)
	_, err = tr.Reserve(now, 60)
	require.Error(t, err)
	var lim *LimitExceededError
	require.ErrorAs(t, err, &lim)
	assert.Equal(t, MetricTokensPerMinute, lim.Metric)
}

func TestSafetyMarginReducesEffectiveLimit(t *testing.T) {
	tr := New(Limits{TokensPerMinute: 100, SafetyMargin: 0.5})
	now := time.Unix(1000, 0)
	_, err := tr.Reserve(now, 40)
	require.NoError(t, err)
	_, err = tr.Reserve(now, 20)
	require.Error(t, err, "effective cap is 50 with a 0.5 safety margin")
}

func TestUnlimitedMetricNeverRejects(t *testing.T) {
	tr := New(Limits{SafetyMargin: 1})
	now := time.Unix(1000, 0)
	for i := 0; i < 1000; i++ {
		_, err := tr.Reserve(now, 1_000_000)
		require.NoError(t, err)
	}
}

func TestCommitReconcilesActualUsage(t *testing.T) {
	tr := New(Limits{TokensPerMinute: 100, SafetyMargin: 1})
	now := time.Unix(1000, 0)
	res, err := tr.Reserve(now, 80)
	require.NoError(t, err)

	tr.Commit(res, 20, now) // actual usage much lower than estimate

	_, tokMin, _ := tr.Usage(now)
	assert.Equal(t, int64(20), tokMin)

	_, err = tr.Reserve(now, 70)
	require.NoError(t, err, "freed-up capacity from the reconciled reservation should be usable")
}

func TestSlidingWindowDecaysContinuously(t *testing.T) {
	c := newRingCounter(time.Minute, time.Second)
	base := time.Unix(1_700_000_000, 0)

	c.add(base, 10)
	c.add(base.Add(1*time.Second), 10)
	c.add(base.Add(2*time.Second), 10)

	assert.Equal(t, int64(30), c.peek(base.Add(2*time.Second)))

	// After 60 seconds the first bucket (at base) has cycled out of the
	// 60-bucket window while the later two are still within it.
	later := base.Add(60 * time.Second)
	assert.Equal(t, int64(20), c.peek(later))

	// Once all three original buckets have cycled out, nothing remains.
	muchLater := base.Add(62 * time.Second)
	assert.Equal(t, int64(0), c.peek(muchLater))
}

func TestRequestsPerMinuteCountsOneEachReservation(t *testing.T) {
	tr := New(Limits{RequestsPerMinute: 2, SafetyMargin: 1})
	now := time.Unix(1000, 0)
	_, err := tr.Reserve(now, 0)
	require.NoError(t, err)
	_, err = tr.Reserve(now, 0)
	require.NoError(t, err)
	_, err = tr.Reserve(now, 0)
	require.Error(t, err)
}
