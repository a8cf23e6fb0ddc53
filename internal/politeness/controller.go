// Package politeness paces outbound portal requests. A Controller keeps an
// adaptive minimum spacing d between request starts, bounded by a floor and a
// ceiling, and an optional ceiling on requests in flight.
package politeness

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/pkg/metrics"
)

const zeroFloorStep = 100 * time.Millisecond

type Options struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	SlowThreshold  time.Duration
	FastThreshold  time.Duration
	IncreaseFactor float64
	DecreaseFactor float64
	Concurrency    int
	Metrics        *metrics.Metrics
}

type Controller struct {
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.Mutex
	delay time.Duration
}

func New(opts Options) (*Controller, error) {
	if opts.MinDelay < 0 || opts.MaxDelay < opts.MinDelay {
		return nil, fmt.Errorf("politeness: invalid delay bounds [%s, %s]", opts.MinDelay, opts.MaxDelay)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.IncreaseFactor < 1 {
		opts.IncreaseFactor = 1
	}
	if opts.DecreaseFactor <= 0 || opts.DecreaseFactor > 1 {
		opts.DecreaseFactor = 1
	}

	c := &Controller{
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
		delay: opts.MinDelay,
	}
	c.limiter = rate.NewLimiter(limitFor(opts.MinDelay), 1)
	opts.Metrics.SetPolitenessDelay(opts.MinDelay.Seconds())
	return c, nil
}

// Await blocks until a concurrency slot is free and at least Delay() has
// passed since the previous request start. The returned release must be
// called once the request has finished.
func (c *Controller) Await(ctx context.Context) (func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.sem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { c.sem.Release(1) }) }, nil
}

// Observe adapts the delay from one finished request.
func (c *Controller) Observe(latency time.Duration, outcome entity.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.delay
	switch {
	case latency >= c.opts.SlowThreshold || outcome == entity.OutcomeTransient:
		next = max(scale(c.delay, c.opts.IncreaseFactor), c.delay)
		if next == 0 {
			// zero never grows multiplicatively
			next = zeroFloorStep
		}
		next = min(next, c.opts.MaxDelay)
	case latency < c.opts.FastThreshold && (outcome.Exists() || outcome == entity.OutcomeNotFound):
		next = max(scale(c.delay, c.opts.DecreaseFactor), c.opts.MinDelay)
	}
	if next == c.delay {
		return
	}

	c.delay = next
	c.limiter.SetLimit(limitFor(next))
	c.opts.Metrics.SetPolitenessDelay(next.Seconds())
}

// Delay returns the current minimum spacing between request starts.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

func scale(d time.Duration, f float64) time.Duration {
	v := float64(d) * f
	if v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}
