// Package enrich fetches and filters ad detail pages with bounded parallelism.
package enrich

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"listing-crawler/pkg/extract"
	"listing-crawler/pkg/fetch"
	"listing-crawler/pkg/filter"
	"listing-crawler/pkg/metrics"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// Fetcher is the part of fetch.Executor the pool needs.
type Fetcher interface {
	Execute(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// AcceptFunc decides whether an extracted record is kept and, if not, why.
type AcceptFunc func(rec models.AdRecord) (bool, filter.Reason)

// StubOutcome is the result of one dispatched stub.
// Accepted records dropped because the cap filled meanwhile keep AdStatusPending.
type StubOutcome struct {
	Stub      models.ListingStub
	Status    models.AdStatus
	Reason    string
	ErrorType string
}

// BatchResult is what one Enrich call produced.
type BatchResult struct {
	Records    []models.AdRecord
	Outcomes   []StubOutcome
	Dispatched int
	Rejected   int
	Failed     int
	Discarded  int
}

// Config holds pool settings. Width below 1 is treated as 1.
type Config struct {
	Width       int
	CourtesyMin time.Duration
	CourtesyMax time.Duration
}

// Pool runs detail fetches for one listing page at a time.
type Pool struct {
	fetcher   Fetcher
	extractor extract.Extractor
	accept    AcceptFunc
	cfg       Config
	rnd       utils.Rand
	sleep     utils.Sleeper
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// Option configures optional Pool collaborators.
type Option func(*Pool)

// WithSleeper replaces the context-aware sleep used for the courtesy delay.
func WithSleeper(s utils.Sleeper) Option { return func(p *Pool) { p.sleep = s } }

// WithMetrics records per-record outcomes and in-flight detail fetches.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithClock sets the time source for ScrapedAt.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// NewPool builds a pool. A nil accept func keeps every record.
func NewPool(f Fetcher, ex extract.Extractor, accept AcceptFunc, cfg Config, rnd utils.Rand, log *logrus.Entry, opts ...Option) *Pool {
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	if accept == nil {
		accept = func(models.AdRecord) (bool, filter.Reason) { return true, filter.ReasonNone }
	}
	p := &Pool{
		fetcher:   f,
		extractor: ex,
		accept:    accept,
		cfg:       cfg,
		rnd:       rnd,
		sleep:     utils.SleepContext,
		now:       time.Now,
		log:       log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type detailResult struct {
	stub models.ListingStub
	rec  models.AdRecord
	err  error
}

// Enrich fetches the given stubs and returns at most capRemaining accepted records.
// A slot stays held until the collector has accounted for its result, so once the
// cap is met no further stub is dispatched.
func (p *Pool) Enrich(ctx context.Context, stubs []models.ListingStub, capRemaining int) BatchResult {
	var res BatchResult
	if capRemaining <= 0 || len(stubs) == 0 {
		return res
	}

	sem := semaphore.NewWeighted(int64(p.cfg.Width))
	results := make(chan detailResult, p.cfg.Width)
	var accepted atomic.Int64
	var dispatched atomic.Int64
	var wg sync.WaitGroup

	go func() {
		defer func() {
			wg.Wait()
			close(results)
		}()
		for _, stub := range stubs {
			if err := sem.Acquire(ctx, 1); err != nil {
				p.log.Debugf("Stopping dispatch: %v", err)
				return
			}
			if accepted.Load() >= int64(capRemaining) {
				sem.Release(1)
				return
			}
			dispatched.Add(1)
			wg.Add(1)
			go func(stub models.ListingStub) {
				defer wg.Done()
				results <- p.process(ctx, stub)
			}(stub)
		}
	}()

	for r := range results {
		kept := p.collect(r, capRemaining, &res)
		accepted.Store(int64(len(res.Records)))
		if kept {
			p.courtesyPause(ctx)
		}
		sem.Release(1)
	}
	res.Dispatched = int(dispatched.Load())

	p.log.WithFields(logrus.Fields{
		"dispatched": res.Dispatched,
		"accepted":   len(res.Records),
		"rejected":   res.Rejected,
		"failed":     res.Failed,
		"discarded":  res.Discarded,
	}).Debug("Batch enriched")
	return res
}

func (p *Pool) process(ctx context.Context, stub models.ListingStub) detailResult {
	p.metrics.DetailStarted()
	defer p.metrics.DetailFinished()

	resp, err := p.fetcher.Execute(ctx, stub.URL)
	if err != nil {
		return detailResult{stub: stub, err: err}
	}
	rec, err := p.extractor.ExtractDetail(extract.Page{URL: resp.URL, Body: resp.Body})
	if err != nil {
		return detailResult{stub: stub, err: err}
	}
	rec.URL = stub.URL
	rec.ScrapedAt = p.now()
	return detailResult{stub: stub, rec: rec}
}

// collect runs on the Enrich goroutine only. It reports whether the record was kept.
func (p *Pool) collect(r detailResult, capRemaining int, res *BatchResult) bool {
	entry := p.log.WithField("url", r.stub.URL)

	if r.err != nil {
		errType := utils.CategorizeError(r.err)
		entry.WithField("error_type", errType).Warnf("Detail dropped: %v", r.err)
		res.Failed++
		res.Outcomes = append(res.Outcomes, StubOutcome{Stub: r.stub, Status: models.AdStatusFailed, ErrorType: errType})
		p.metrics.IncRecord("failed")
		return false
	}

	ok, reason := p.accept(r.rec)
	if !ok {
		entry.WithField("reason", reason).Debug("Record rejected by filters")
		res.Rejected++
		res.Outcomes = append(res.Outcomes, StubOutcome{Stub: r.stub, Status: models.AdStatusRejected, Reason: string(reason)})
		p.metrics.IncRecord("rejected")
		return false
	}

	if len(res.Records) >= capRemaining {
		entry.Debug("Cap already reached, discarding accepted record")
		res.Discarded++
		res.Outcomes = append(res.Outcomes, StubOutcome{Stub: r.stub, Status: models.AdStatusPending, Reason: "cap_reached"})
		p.metrics.IncRecord("discarded")
		return false
	}

	res.Records = append(res.Records, r.rec)
	res.Outcomes = append(res.Outcomes, StubOutcome{Stub: r.stub, Status: models.AdStatusAccepted})
	p.metrics.IncRecord("accepted")
	entry.WithField("title", utils.Truncate(r.rec.Title, 60)).Infof("Accepted %d/%d in batch", len(res.Records), capRemaining)
	return true
}

func (p *Pool) courtesyPause(ctx context.Context) {
	delay := utils.DurationBetween(p.rnd, p.cfg.CourtesyMin, p.cfg.CourtesyMax)
	if err := p.sleep(ctx, delay); err != nil {
		p.log.Debugf("Courtesy delay interrupted: %v", err)
	}
}
