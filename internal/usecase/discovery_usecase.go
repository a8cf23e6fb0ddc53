package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/politeness"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/metrics"
)

const (
	DefaultSpider = "league_discovery"

	logSource = "orchestrator"
)

var (
	// ErrStopped is the cancellation cause set by Stop.
	ErrStopped   = errors.New("crawl stopped")
	errAbandoned = errors.New("retries abandoned")
)

// RunnerConfig holds what stays fixed across the runs of one DiscoveryRunner.
type RunnerConfig struct {
	KeySpace KeySpace
	// Politeness configures the pacing of one run. Delay state starts fresh on
	// every Run.
	Politeness politeness.Options
	// MaxAttempts bounds the probe attempts per key, retries included.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PositiveTTL makes a cached positive entry count as a miss once it is
	// older than this, so its metadata is refreshed. Zero keeps positives
	// forever. Negative entries never expire.
	PositiveTTL time.Duration
	// ProbeTimeout bounds an attempt that keeps running after a stop request.
	ProbeTimeout time.Duration
}

type RunOptions struct {
	Name          string
	Spider        string
	ForceRefresh  bool
	Configuration string // JSON snapshot stored with the session
}

type RunReport struct {
	SessionID string
	Status    entity.SessionStatus
	Summary   entity.RunSummary
	Duration  time.Duration
}

// DiscoveryRunner walks the key space of a crawl, answering each key from the
// existence cache or, on a miss, from a paced and retried portal probe.
type DiscoveryRunner struct {
	cache    repository.ExistenceCache
	prober   repository.Prober
	recorder repository.SessionRecorder
	cfg      RunnerConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	stop context.CancelCauseFunc
}

// NewDiscoveryRunner creates a runner. m may be nil.
func NewDiscoveryRunner(
	cache repository.ExistenceCache,
	prober repository.Prober,
	recorder repository.SessionRecorder,
	cfg RunnerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DiscoveryRunner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Politeness.Concurrency < 1 {
		cfg.Politeness.Concurrency = 1
	}
	cfg.Politeness.Metrics = m
	return &DiscoveryRunner{
		cache:    cache,
		prober:   prober,
		recorder: recorder,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.Named("discovery"),
		now:      time.Now,
	}
}

// Stop asks a running Run to stop dispatching. In-flight probes finish and
// the session ends aborted. It is a no-op when nothing runs.
func (r *DiscoveryRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		r.stop(ErrStopped)
	}
}

func (r *DiscoveryRunner) setStop(f context.CancelCauseFunc) {
	r.mu.Lock()
	r.stop = f
	r.mu.Unlock()
}

// Run crawls the key space once inside a new session. Cancelling ctx has the
// same effect as Stop. The returned error is non-nil only when the session
// could not be started or finished, or ended failed.
func (r *DiscoveryRunner) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	if err := r.cfg.KeySpace.Validate(); err != nil {
		return RunReport{}, err
	}
	gate, err := politeness.New(r.cfg.Politeness)
	if err != nil {
		return RunReport{}, err
	}
	if opts.Spider == "" {
		opts.Spider = DefaultSpider
	}
	started := r.now()
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s %s", opts.Spider, started.Format(time.DateTime))
	}
	if opts.Configuration == "" {
		opts.Configuration = "{}"
	}

	// Store calls outlive a stop request so every row of the session lands.
	storeCtx := context.WithoutCancel(ctx)
	sessionID, err := r.recorder.Start(storeCtx, opts.Name, opts.Spider, opts.Configuration)
	if err != nil {
		return RunReport{}, fmt.Errorf("start session: %w", err)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.setStop(cancel)
	defer r.setStop(nil)

	run := &crawlRun{
		DiscoveryRunner: r,
		sessionID:       sessionID,
		opts:            opts,
		gate:            gate,
		storeCtx:        storeCtx,
		cancel:          cancel,
		logger:          r.logger.With(zap.String("session_id", sessionID)),
	}

	keys := r.cfg.KeySpace.Keys()
	run.logger.Info("crawl session started",
		zap.Int("keys", len(keys)),
		zap.Bool("force_refresh", opts.ForceRefresh),
		zap.Int("concurrency", r.cfg.Politeness.Concurrency),
	)
	run.record(entity.LevelInfo, fmt.Sprintf("session started: %d keys, force_refresh=%t", len(keys), opts.ForceRefresh))

	run.crawl(runCtx, keys)

	report := RunReport{SessionID: sessionID, Status: entity.SessionCompleted}
	var errorMessage string
	switch {
	case run.fatal != nil:
		report.Status = entity.SessionFailed
		errorMessage = run.fatal.Error()
	case runCtx.Err() != nil:
		report.Status = entity.SessionAborted
		errorMessage = context.Cause(runCtx).Error()
	}
	report.Summary = run.summary
	report.Duration = r.now().Sub(started)

	if report.Status != entity.SessionFailed {
		run.record(entity.LevelInfo, fmt.Sprintf("session %s: %s", report.Status, summaryLine(run.summary)))
		if run.fatal != nil {
			report.Status = entity.SessionFailed
			errorMessage = run.fatal.Error()
		}
	} else {
		// best effort, the store has already failed once
		_ = r.recorder.Log(storeCtx, sessionID, entity.LevelError, logSource, "session failed: "+errorMessage)
	}

	run.logger.Info("crawl session finished",
		zap.String("status", string(report.Status)),
		zap.Int("cache_hits", report.Summary.CacheHits),
		zap.Int("newly_exists", report.Summary.NewlyExists),
		zap.Int("newly_absent", report.Summary.NewlyAbsent),
		zap.Int("transient_failed", report.Summary.TransientFailed),
		zap.Int("malformed", report.Summary.Malformed),
		zap.Int("probes", report.Summary.Probes),
		zap.Duration("took", report.Duration),
	)

	finishErr := r.recorder.Finish(storeCtx, sessionID, report.Status, report.Summary, errorMessage)
	if finishErr != nil {
		finishErr = fmt.Errorf("finish session %s: %w", sessionID, finishErr)
	}
	if run.fatal != nil {
		return report, errors.Join(run.fatal, finishErr)
	}
	return report, finishErr
}

// crawlRun is the state of one Run.
type crawlRun struct {
	*DiscoveryRunner
	sessionID string
	opts      RunOptions
	gate      *politeness.Controller
	storeCtx  context.Context
	cancel    context.CancelCauseFunc
	logger    *zap.Logger

	mu      sync.Mutex
	summary entity.RunSummary
	fatal   error
}

// crawl feeds keys to a pool of workers until the space is exhausted or ctx
// ends. A worker checks ctx before taking up a key, so nothing new starts
// after a stop or a fatal error.
func (run *crawlRun) crawl(ctx context.Context, keys []entity.ProbeKey) {
	queue := make(chan entity.ProbeKey)
	var wg sync.WaitGroup
	for i := 0; i < run.cfg.Politeness.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range queue {
				if ctx.Err() != nil {
					continue
				}
				run.process(ctx, key)
			}
		}()
	}

dispatch:
	for _, key := range keys {
		select {
		case queue <- key:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()
}

func (run *crawlRun) process(ctx context.Context, key entity.ProbeKey) {
	if run.opts.ForceRefresh {
		run.metrics.IncCacheLookup("bypass")
	} else {
		entry, err := run.cache.Lookup(run.storeCtx, key)
		switch {
		case err == nil && run.fresh(entry):
			run.metrics.IncCacheLookup("hit")
			run.count(func(s *entity.RunSummary) { s.CacheHits++ })
			return
		case err == nil:
			run.metrics.IncCacheLookup("expired")
		case errors.Is(err, repository.ErrCacheMiss):
			run.metrics.IncCacheLookup("miss")
		default:
			run.metrics.IncCacheLookup("error")
			run.fail(fmt.Errorf("cache lookup %s: %w", key, err))
			return
		}
	}

	result, attempts, err := run.probe(ctx, key)
	run.count(func(s *entity.RunSummary) {
		s.Probes += attempts
		if attempts > 1 {
			s.Retries += attempts - 1
		}
	})
	run.settle(key, result, attempts, err)
}

// fresh reports whether a cached entry answers the key without a probe.
func (run *crawlRun) fresh(entry *entity.LeagueCacheEntry) bool {
	if !entry.Exists || run.cfg.PositiveTTL <= 0 {
		return true
	}
	return run.now().Sub(entry.LastChecked) <= run.cfg.PositiveTTL
}

// probe asks the portal about key, retrying transient failures with
// exponential backoff. Every attempt waits for the politeness gate first and
// reports its latency back to it.
func (run *crawlRun) probe(ctx context.Context, key entity.ProbeKey) (entity.ProbeResult, int, error) {
	var (
		result   entity.ProbeResult
		lastErr  error
		attempts int
	)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = run.cfg.BackoffBase
	exp.MaxInterval = run.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(run.cfg.MaxAttempts-1)), ctx)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(errAbandoned)
		}
		release, err := run.gate.Await(ctx)
		if err != nil {
			return backoff.Permanent(errAbandoned)
		}
		attempts++
		result, lastErr = run.attempt(ctx, key)
		release()
		run.gate.Observe(result.Latency, result.Outcome)

		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, repository.ErrTransient) {
			return lastErr
		}
		return backoff.Permanent(lastErr)
	}
	notify := func(err error, wait time.Duration) {
		run.logger.Debug("retrying probe",
			zap.String("key", key.String()),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && ctx.Err() != nil && (lastErr == nil || errors.Is(lastErr, repository.ErrTransient)) {
		return result, attempts, errAbandoned
	}
	return result, attempts, lastErr
}

// attempt runs one probe. It is detached from ctx so a stop request lets it
// finish; ProbeTimeout still bounds it.
func (run *crawlRun) attempt(ctx context.Context, key entity.ProbeKey) (entity.ProbeResult, error) {
	probeCtx := context.WithoutCancel(ctx)
	if run.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(probeCtx, run.cfg.ProbeTimeout)
		defer cancel()
	}

	run.metrics.AddInFlight(1)
	result, err := run.prober.Probe(probeCtx, key)
	run.metrics.AddInFlight(-1)

	switch {
	case err == nil && result.Outcome == entity.OutcomeTransient:
		err = fmt.Errorf("%w: %s", repository.ErrTransient, key)
	case err == nil && !result.Outcome.Exists() && result.Outcome != entity.OutcomeNotFound:
		err = fmt.Errorf("%w: %s: outcome %q", repository.ErrMalformedResponse, key, result.Outcome)
	case errors.Is(err, repository.ErrTransient):
		result.Outcome = entity.OutcomeTransient
	case err != nil:
		// anything the prober cannot vouch for is never cached
		result.Outcome = entity.OutcomeMalformed
	}
	run.metrics.ObserveProbe(string(result.Outcome), result.Latency.Seconds())
	return result, err
}

// settle writes the final outcome of a key to the cache and the session.
func (run *crawlRun) settle(key entity.ProbeKey, result entity.ProbeResult, attempts int, err error) {
	switch {
	case errors.Is(err, errAbandoned):
		run.count(func(s *entity.RunSummary) { s.Abandoned++ })
		run.record(entity.LevelWarning, fmt.Sprintf("retries abandoned for %s after %d attempts", key, attempts))

	case err == nil && result.Outcome.Exists():
		if !run.upsert(key, true, result.Metadata) {
			return
		}
		d := entity.Discovery{
			LeagueID:     result.Metadata.LeagueID,
			Season:       key.Season,
			LeagueName:   result.Metadata.LeagueName,
			DistrictName: result.Metadata.DistrictName,
			MatchCount:   result.Metadata.MatchCount,
			TeamCount:    result.Metadata.TeamCount,
			URL:          result.URL,
			Latency:      result.Latency,
			DiscoveredAt: run.now(),
		}
		if err := run.recorder.Discovery(run.storeCtx, run.sessionID, d); err != nil {
			run.fail(fmt.Errorf("record discovery %s: %w", key, err))
			return
		}
		run.count(func(s *entity.RunSummary) { s.NewlyExists++ })
		run.logger.Info("league exists",
			zap.String("key", key.String()),
			zap.String("league_id", d.LeagueID),
			zap.String("league_name", d.LeagueName),
			zap.Int("matches", d.MatchCount),
		)

	case err == nil:
		if !run.upsert(key, false, entity.LeagueMetadata{}) {
			return
		}
		run.count(func(s *entity.RunSummary) { s.NewlyAbsent++ })
		run.record(entity.LevelInfo, "absent: "+key.String())

	case errors.Is(err, repository.ErrTransient):
		run.count(func(s *entity.RunSummary) { s.TransientFailed++ })
		run.logger.Warn("probe failed after retries", zap.String("key", key.String()), zap.Int("attempts", attempts), zap.Error(err))
		run.crawlError(key, "transient", err, true, attempts)

	default:
		run.count(func(s *entity.RunSummary) { s.Malformed++ })
		run.logger.Warn("unreadable portal answer", zap.String("key", key.String()), zap.Error(err))
		run.crawlError(key, "malformed", err, false, attempts)
	}
}

func (run *crawlRun) upsert(key entity.ProbeKey, exists bool, meta entity.LeagueMetadata) bool {
	if err := run.cache.Upsert(run.storeCtx, key, exists, meta, run.now()); err != nil {
		run.fail(fmt.Errorf("cache upsert %s: %w", key, err))
		return false
	}
	return true
}

func (run *crawlRun) crawlError(key entity.ProbeKey, errorType string, err error, retryable bool, attempts int) {
	e := entity.CrawlError{
		OccurredAt: run.now(),
		Context:    key.String(),
		ErrorType:  errorType,
		Message:    err.Error(),
		Retryable:  retryable,
		Attempts:   attempts,
	}
	if err := run.recorder.Error(run.storeCtx, run.sessionID, e); err != nil {
		run.fail(fmt.Errorf("record error %s: %w", key, err))
	}
}

// record appends a session log row. A failed write is fatal like any other
// store failure.
func (run *crawlRun) record(level entity.LogLevel, message string) {
	if err := run.recorder.Log(run.storeCtx, run.sessionID, level, logSource, message); err != nil {
		run.fail(fmt.Errorf("record log: %w", err))
	}
}

func (run *crawlRun) count(update func(*entity.RunSummary)) {
	run.mu.Lock()
	update(&run.summary)
	run.mu.Unlock()
}

// fail keeps the first fatal error and stops dispatch.
func (run *crawlRun) fail(err error) {
	run.mu.Lock()
	first := run.fatal == nil
	if first {
		run.fatal = err
	}
	run.mu.Unlock()
	if first {
		run.logger.Error("aborting crawl session", zap.Error(err))
		run.cancel(err)
	}
}

func summaryLine(s entity.RunSummary) string {
	return fmt.Sprintf("cache_hits=%d newly_exists=%d newly_absent=%d transient_failed=%d malformed=%d probes=%d retries=%d abandoned=%d",
		s.CacheHits, s.NewlyExists, s.NewlyAbsent, s.TransientFailed, s.Malformed, s.Probes, s.Retries, s.Abandoned)
}
