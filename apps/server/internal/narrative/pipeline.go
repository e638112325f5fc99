package narrative

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"ecosim/apps/server/internal/session"
	"ecosim/econ"
)

// Apply delivers a finished enrichment to its game. The pipeline never
// learns whether the game accepted it; superseded results are the game's
// problem to discard.
type Apply func(gameID string, data session.EnrichmentData)

// PipelineConfig tunes the enrichment worker.
type PipelineConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	MaxRetries uint64
	CacheSize  int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 45 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	return c
}

type job struct {
	gameID  string
	quarter int
	prev    econ.State
	next    econ.State
}

// Pipeline runs narrative generation off the game loop. Jobs are queued at
// resolution time and processed by workers with retry and a static
// fallback; when everything fails the game still gets a degraded marker so
// observers know no narrative is coming for that quarter.
type Pipeline struct {
	gen      Generator
	fallback Generator
	apply    Apply
	cfg      PipelineConfig

	// last generated opportunity per company, reused when a later quarter's
	// generation returns nothing for a company that still exists
	oppCache *lru.Cache[string, session.CompanyOpportunity]

	jobs     chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeline builds and starts the pipeline. fallback may be nil.
func NewPipeline(gen Generator, fallback Generator, apply Apply, cfg PipelineConfig) *Pipeline {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, session.CompanyOpportunity](cfg.CacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size, guarded above
	}
	p := &Pipeline{
		gen:      gen,
		fallback: fallback,
		apply:    apply,
		cfg:      cfg,
		oppCache: cache,
		jobs:     make(chan job, cfg.QueueSize),
		stopped:  make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue implements session.Enricher. Non-blocking: if the queue is full
// the quarter goes unnarrated rather than stalling resolution.
func (p *Pipeline) Enqueue(gameID string, quarter int, prev, next econ.State) {
	select {
	case <-p.stopped:
		return
	default:
	}
	select {
	case p.jobs <- job{gameID: gameID, quarter: quarter, prev: prev, next: next}:
	default:
		log.Printf("[Narrative] Queue full, dropping job game=%s quarter=%d", gameID, quarter)
		// Off the caller's goroutine: Enqueue runs inside the game loop and
		// apply feeds back into it.
		go p.apply(gameID, session.EnrichmentData{
			Quarter:  quarter,
			Degraded: true,
			Reason:   "enrichment queue full",
		})
	}
}

// Close stops the workers after draining in-flight jobs.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.process(j)
	}
}

func (p *Pipeline) process(j job) {
	req := Request{GameID: j.gameID, Quarter: j.quarter, Previous: j.prev, State: j.next}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	result, err := p.generateWithRetry(ctx, req)
	if err != nil && p.fallback != nil {
		log.Printf("[Narrative] Generator failed for game=%s quarter=%d, using fallback: %v",
			j.gameID, j.quarter, err)
		result, err = p.fallback.Generate(ctx, req)
	}
	if err != nil {
		log.Printf("[Narrative] Enrichment degraded for game=%s quarter=%d: %v", j.gameID, j.quarter, err)
		p.apply(j.gameID, session.EnrichmentData{
			Quarter:  j.quarter,
			Degraded: true,
			Reason:   err.Error(),
		})
		return
	}

	p.apply(j.gameID, session.EnrichmentData{
		Quarter:       j.quarter,
		News:          result.News,
		Opportunities: p.mergeOpportunities(j.gameID, j.next, result.Opportunities),
	})
}

func (p *Pipeline) generateWithRetry(ctx context.Context, req Request) (Result, error) {
	var result Result
	operation := func() error {
		r, err := p.gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, err
	}
	return result, nil
}

// mergeOpportunities fills gaps from the cache so a company keeps its
// standing opportunity when a later generation omits it, then refreshes the
// cache with whatever was generated this time.
func (p *Pipeline) mergeOpportunities(gameID string, state econ.State, generated []session.CompanyOpportunity) []session.CompanyOpportunity {
	byCompany := make(map[string]session.CompanyOpportunity, len(generated))
	for _, o := range generated {
		if o.CompanyID == "" {
			continue
		}
		byCompany[o.CompanyID] = o
		p.oppCache.Add(gameID+"/"+o.CompanyID, o)
	}

	out := make([]session.CompanyOpportunity, 0, len(state.Companies))
	for _, c := range state.Companies {
		if o, ok := byCompany[c.ID]; ok {
			out = append(out, o)
			continue
		}
		if o, ok := p.oppCache.Get(gameID + "/" + c.ID); ok {
			out = append(out, o)
		}
	}
	return out
}
