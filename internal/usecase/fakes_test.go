package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

type memoryCache struct {
	mu        sync.Mutex
	entries   map[entity.ProbeKey]entity.LeagueCacheEntry
	upserts   int
	failReads bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[entity.ProbeKey]entity.LeagueCacheEntry)}
}

func (c *memoryCache) Lookup(_ context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return nil, fmt.Errorf("%w: disk I/O error", repository.ErrStorageFailure)
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return &e, nil
}

func (c *memoryCache) Upsert(_ context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts++
	c.entries[key] = entity.LeagueCacheEntry{
		Key:          key,
		Exists:       exists,
		LeagueID:     meta.LeagueID,
		LeagueName:   meta.LeagueName,
		DistrictName: meta.DistrictName,
		MatchCount:   meta.MatchCount,
		TeamCount:    meta.TeamCount,
		LastChecked:  checkedAt,
	}
	return nil
}

func (c *memoryCache) get(key entity.ProbeKey) (entity.LeagueCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// step is one scripted probe answer.
type step struct {
	outcome entity.Outcome
	meta    entity.LeagueMetadata
	err     error
}

func exists(matches int) step {
	return step{outcome: entity.OutcomeExistsWithData, meta: entity.LeagueMetadata{LeagueID: "47113", LeagueName: "Bezirksoberliga", MatchCount: matches}}
}

var (
	absent    = step{outcome: entity.OutcomeNotFound}
	timeout   = step{outcome: entity.OutcomeTransient, err: fmt.Errorf("%w: context deadline exceeded", repository.ErrTransient)}
	malformed = step{outcome: entity.OutcomeMalformed, err: fmt.Errorf("%w: no league rows and no search form", repository.ErrMalformedResponse)}
)

// scriptedProber answers each key from its script, repeating the last step
// once the script is used up. Keys without a script are absent.
type scriptedProber struct {
	mu      sync.Mutex
	scripts map[entity.ProbeKey][]step
	calls   map[entity.ProbeKey]int
	total   int
	// hook runs before every answer, outside the lock.
	hook func(entity.ProbeKey)
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		scripts: make(map[entity.ProbeKey][]step),
		calls:   make(map[entity.ProbeKey]int),
	}
}

func (p *scriptedProber) on(key entity.ProbeKey, steps ...step) *scriptedProber {
	p.scripts[key] = steps
	return p
}

func (p *scriptedProber) Probe(_ context.Context, key entity.ProbeKey) (entity.ProbeResult, error) {
	if p.hook != nil {
		p.hook(key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[key]
	p.calls[key]++
	p.total++

	s := absent
	if script := p.scripts[key]; len(script) > 0 {
		s = script[min(n, len(script)-1)]
	}
	return entity.ProbeResult{
		Outcome:    s.outcome,
		Metadata:   s.meta,
		Latency:    5 * time.Millisecond,
		StatusCode: 200,
		URL:        "https://portal.test/index.jsp?saison_id=" + key.Season,
	}, s.err
}

func (p *scriptedProber) callsFor(key entity.ProbeKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[key]
}

func (p *scriptedProber) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

type memoryRecorder struct {
	mu          sync.Mutex
	logs        []entity.LogEntry
	discoveries []entity.Discovery
	errors      []entity.CrawlError
	status      entity.SessionStatus
	summary     entity.RunSummary
	finished    int
	// failDiscoveryAt makes the n-th Discovery call fail (1 based).
	failDiscoveryAt int
	discoveryCalls  int
}

func (r *memoryRecorder) Start(_ context.Context, _, spiderName, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = entity.SessionRunning
	return entity.NewSessionID(spiderName, time.Now()), nil
}

func (r *memoryRecorder) Log(_ context.Context, sessionID string, level entity.LogLevel, source, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entity.LogEntry{SessionID: sessionID, Level: level, Source: source, Message: message})
	return nil
}

func (r *memoryRecorder) Discovery(_ context.Context, _ string, d entity.Discovery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoveryCalls++
	if r.discoveryCalls == r.failDiscoveryAt {
		return fmt.Errorf("%w: insert discovery: database is locked", repository.ErrStorageFailure)
	}
	r.discoveries = append(r.discoveries, d)
	return nil
}

func (r *memoryRecorder) Error(_ context.Context, _ string, e entity.CrawlError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
	return nil
}

func (r *memoryRecorder) Finish(_ context.Context, _ string, status entity.SessionStatus, summary entity.RunSummary, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != entity.SessionRunning {
		return repository.ErrSessionClosed
	}
	r.status = status
	r.summary = summary
	r.finished++
	return nil
}

func (r *memoryRecorder) nonRetryableErrors() int {
	n := 0
	for _, e := range r.errors {
		if !e.Retryable {
			n++
		}
	}
	return n
}
