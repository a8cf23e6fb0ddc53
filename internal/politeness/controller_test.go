package politeness

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/pkg/metrics"
)

func testOptions() Options {
	return Options{
		MinDelay:       100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		SlowThreshold:  5 * time.Second,
		FastThreshold:  500 * time.Millisecond,
		IncreaseFactor: 2,
		DecreaseFactor: 0.5,
		Concurrency:    1,
	}
}

func TestNewRejectsInvertedBounds(t *testing.T) {
	opts := testOptions()
	opts.MaxDelay = opts.MinDelay / 2
	_, err := New(opts)
	require.Error(t, err)
}

func TestDelayNeverBelowFloor(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		c.Observe(20*time.Millisecond, entity.OutcomeExistsWithData)
		require.GreaterOrEqual(t, c.Delay(), 100*time.Millisecond)
	}
	assert.Equal(t, 100*time.Millisecond, c.Delay())
}

func TestDelayGrowsUnderStressAndIsCapped(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)

	prev := c.Delay()
	for i := 0; i < 10; i++ {
		c.Observe(6*time.Second, entity.OutcomeExistsWithData)
		cur := c.Delay()
		require.GreaterOrEqual(t, cur, prev)
		require.LessOrEqual(t, cur, 2*time.Second)
		prev = cur
	}
	assert.Equal(t, 2*time.Second, c.Delay())
}

func TestTransientOutcomeCountsAsStress(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)

	c.Observe(10*time.Millisecond, entity.OutcomeTransient)
	assert.Equal(t, 200*time.Millisecond, c.Delay())
}

func TestFastSuccessRecovers(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)

	c.Observe(6*time.Second, entity.OutcomeExistsEmpty)
	c.Observe(6*time.Second, entity.OutcomeExistsEmpty)
	require.Equal(t, 400*time.Millisecond, c.Delay())

	c.Observe(10*time.Millisecond, entity.OutcomeNotFound)
	assert.Equal(t, 200*time.Millisecond, c.Delay())
}

func TestMiddleLatencyLeavesDelayUnchanged(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)
	c.Observe(6*time.Second, entity.OutcomeExistsWithData)

	c.Observe(time.Second, entity.OutcomeExistsWithData)
	c.Observe(10*time.Millisecond, entity.OutcomeMalformed)
	assert.Equal(t, 200*time.Millisecond, c.Delay())
}

func TestZeroFloorStillBacksOff(t *testing.T) {
	opts := testOptions()
	opts.MinDelay = 0
	c, err := New(opts)
	require.NoError(t, err)

	c.Observe(0, entity.OutcomeTransient)
	assert.Greater(t, c.Delay(), time.Duration(0))
}

func TestAwaitSpacesRequests(t *testing.T) {
	opts := testOptions()
	opts.MinDelay = 40 * time.Millisecond
	opts.Concurrency = 4
	c, err := New(opts)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := c.Await(ctx)
		require.NoError(t, err)
		release()
	}
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestAwaitHonoursConcurrencyCeiling(t *testing.T) {
	opts := testOptions()
	opts.MinDelay = 0
	opts.Concurrency = 2
	c, err := New(opts)
	require.NoError(t, err)

	ctx := context.Background()
	r1, err := c.Await(ctx)
	require.NoError(t, err)
	r2, err := c.Await(ctx)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = c.Await(blocked)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r1() // release is idempotent
	r3, err := c.Await(ctx)
	require.NoError(t, err)
	r2()
	r3()
}

func TestAwaitCancelled(t *testing.T) {
	c, err := New(testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Await(ctx)
	require.Error(t, err)
}

func TestDelayGaugeTracksController(t *testing.T) {
	opts := testOptions()
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	c, err := New(opts)
	require.NoError(t, err)

	c.Observe(6*time.Second, entity.OutcomeExistsWithData)
	assert.InDelta(t, 0.2, testutil.ToFloat64(opts.Metrics.PolitenessDelay), 1e-9)
}
