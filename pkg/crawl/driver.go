// Package crawl walks category listing pages and accumulates accepted ads up to a cap.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/enrich"
	"listing-crawler/pkg/export"
	"listing-crawler/pkg/extract"
	"listing-crawler/pkg/metrics"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/storage"
	"listing-crawler/pkg/utils"
)

// Enricher is the part of enrich.Pool the driver needs.
type Enricher interface {
	Enrich(ctx context.Context, stubs []models.ListingStub, capRemaining int) enrich.BatchResult
}

// RequestCounter exposes the executor's success and failure tallies.
type RequestCounter interface {
	Succeeded() int64
	Failed() int64
}

// Options configures one run.
type Options struct {
	Categories          []string
	MaxAds              int
	MaxPagesPerCategory int // 0 = until an empty page
	PageDelayMin        time.Duration
	PageDelayMax        time.Duration
	ProgressInterval    time.Duration
	Naming              export.Naming
	WriteSummary        bool
}

// Driver runs the category and page loop.
type Driver struct {
	opts      Options
	fetcher   enrich.Fetcher
	extractor extract.Extractor
	enricher  Enricher
	store     storage.AdStore
	exporter  export.Exporter
	requests  RequestCounter
	metrics   *metrics.Metrics
	rnd       utils.Rand
	sleep     utils.Sleeper
	now       func() time.Time
	log       *logrus.Entry

	accepted     atomic.Int64
	current      atomic.Value // string: listing page being processed
	lastAccepted atomic.Value // string: title and URL of the newest record
	seen         map[string]struct{}
}

// Option configures optional Driver collaborators.
type Option func(*Driver)

// WithStore enables cross-run dedup and resume through a persistent store.
func WithStore(s storage.AdStore) Option { return func(d *Driver) { d.store = s } }

// WithRequestCounter reports request tallies in progress logs and the result.
func WithRequestCounter(rc RequestCounter) Option { return func(d *Driver) { d.requests = rc } }

// WithMetrics counts listing pages by outcome.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Driver) { d.metrics = m } }

// WithSleeper replaces the context-aware sleep used between pages.
func WithSleeper(s utils.Sleeper) Option { return func(d *Driver) { d.sleep = s } }

// WithClock sets the time source for run timestamps and store entries.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

func NewDriver(opts Options, f enrich.Fetcher, ex extract.Extractor, en Enricher, exp export.Exporter, rnd utils.Rand, log *logrus.Entry, options ...Option) *Driver {
	d := &Driver{
		opts:      opts,
		fetcher:   f,
		extractor: ex,
		enricher:  en,
		exporter:  exp,
		rnd:       rnd,
		sleep:     utils.SleepContext,
		now:       time.Now,
		log:       log,
		seen:      make(map[string]struct{}),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// PageURL returns the listing URL for page n of a category. Page 1 is the category URL itself.
func PageURL(category string, n int) (string, error) {
	if n <= 1 {
		return category, nil
	}
	u, err := url.Parse(category)
	if err != nil {
		return "", utils.WrapErrorf(utils.ErrParsing, "category URL %q: %v", category, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Accepted returns the number of records accumulated so far.
func (d *Driver) Accepted() int { return int(d.accepted.Load()) }

// Run crawls until the cap is met, the categories run out or ctx is done, then exports.
// Per-page and per-ad failures are logged and absorbed. Only an export failure is returned.
func (d *Driver) Run(ctx context.Context) (*models.CrawlResult, error) {
	result := &models.CrawlResult{
		RunID:     uuid.NewString(),
		StartTime: d.now(),
		Cap:       d.opts.MaxAds,
	}
	runLog := d.log.WithField("run_id", result.RunID)
	runLog.WithFields(logrus.Fields{
		"categories": len(d.opts.Categories),
		"max_ads":    d.opts.MaxAds,
	}).Info("Crawl starting")

	progDone := make(chan struct{})
	go d.reportProgress(ctx, result.StartTime, progDone, runLog)

	result.StopReason = d.crawlCategories(ctx, result, runLog)
	close(progDone)

	result.EndTime = d.now()
	result.Accepted = len(result.Records)
	if d.requests != nil {
		result.RequestsSucceeded = d.requests.Succeeded()
		result.RequestsFailed = d.requests.Failed()
	}

	runLog.WithFields(logrus.Fields{
		"stop_reason":     result.StopReason,
		"accepted":        result.Accepted,
		"rejected":        result.Rejected,
		"duplicates":      result.Duplicates,
		"detail_failures": result.DetailFailures,
		"pages":           result.PagesVisited,
		"elapsed":         result.Duration().Round(time.Second),
	}).Info("Crawl finished")

	if len(result.Records) == 0 {
		runLog.Warn("No ads matched the filters; exporting an empty table")
	}

	// Export must run even after cancellation.
	exportCtx := context.WithoutCancel(ctx)
	path, err := d.exporter.Export(exportCtx, result.Records)
	if err != nil {
		runLog.Errorf("Export failed: %v", err)
		return result, fmt.Errorf("%w: %w", utils.ErrExport, err)
	}
	result.OutputPath = path

	if d.opts.WriteSummary {
		if summaryPath, err := export.WriteSummary(d.opts.Naming, result); err != nil {
			runLog.Warnf("Failed to write run summary: %v", err)
		} else {
			runLog.Infof("Run summary written to %s", summaryPath)
		}
	}
	return result, nil
}

func (d *Driver) crawlCategories(ctx context.Context, result *models.CrawlResult, runLog *logrus.Entry) models.StopReason {
	for _, category := range d.opts.Categories {
		if ctx.Err() != nil {
			return models.StopCancelled
		}
		if d.capReached() {
			return models.StopCapReached
		}
		result.CategoriesVisited++
		if reason, stop := d.crawlCategory(ctx, category, result, runLog.WithField("category", category)); stop {
			return reason
		}
	}
	if ctx.Err() != nil {
		return models.StopCancelled
	}
	if d.capReached() {
		return models.StopCapReached
	}
	return models.StopExhausted
}

// crawlCategory returns stop=true when the whole run must end.
func (d *Driver) crawlCategory(ctx context.Context, category string, result *models.CrawlResult, catLog *logrus.Entry) (models.StopReason, bool) {
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return models.StopCancelled, true
		}
		if d.opts.MaxPagesPerCategory > 0 && page > d.opts.MaxPagesPerCategory {
			catLog.Infof("Reached max_pages_per_category (%d), moving on", d.opts.MaxPagesPerCategory)
			return "", false
		}
		pageLog := catLog.WithField("page", page)

		pageURL, err := PageURL(category, page)
		if err != nil {
			pageLog.Errorf("Skipping category: %v", err)
			d.metrics.IncPage("failed")
			return "", false
		}
		d.current.Store(pageURL)

		resp, err := d.fetcher.Execute(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return models.StopCancelled, true
			}
			pageLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Listing fetch failed, moving to next category: %v", err)
			d.metrics.IncPage("failed")
			return "", false
		}

		stubs, err := d.extractor.ExtractListingStubs(extract.Page{URL: resp.URL, Body: resp.Body})
		if err != nil {
			pageLog.Warnf("Listing extraction failed, moving to next category: %v", err)
			d.metrics.IncPage("failed")
			return "", false
		}
		result.PagesVisited++
		if len(stubs) == 0 {
			pageLog.Info("No listings on page, category done")
			d.metrics.IncPage("empty")
			return "", false
		}
		d.metrics.IncPage("ok")

		fresh, newInRun := d.dedup(stubs, category, page, result, pageLog)
		pageLog.Infof("Found %d listings, %d new", len(stubs), len(fresh))
		// Sites often answer an out-of-range page with the last page again.
		if newInRun == 0 {
			pageLog.Info("Page only repeats listings already seen in this run, category done")
			return "", false
		}

		if len(fresh) > 0 {
			batch := d.enricher.Enrich(ctx, fresh, d.opts.MaxAds-d.Accepted())
			d.accumulate(batch, category, result, pageLog)
		}

		if d.capReached() {
			pageLog.Infof("Cap of %d ads reached", d.opts.MaxAds)
			return models.StopCapReached, true
		}

		delay := utils.DurationBetween(d.rnd, d.opts.PageDelayMin, d.opts.PageDelayMax)
		if err := d.sleep(ctx, delay); err != nil {
			return models.StopCancelled, true
		}
	}
}

func (d *Driver) capReached() bool {
	return d.Accepted() >= d.opts.MaxAds
}

// dedup drops stubs already handled in this run or, with a store, in a finished earlier run.
// newInRun counts stubs not seen earlier in this run, including those the store skips.
func (d *Driver) dedup(stubs []models.ListingStub, category string, page int, result *models.CrawlResult, pageLog *logrus.Entry) (fresh []models.ListingStub, newInRun int) {
	fresh = make([]models.ListingStub, 0, len(stubs))
	for _, s := range stubs {
		s.Category = category
		s.Page = page
		if _, ok := d.seen[s.URL]; ok {
			result.Duplicates++
			continue
		}
		d.seen[s.URL] = struct{}{}
		newInRun++
		if d.store != nil {
			isNew, err := d.store.MarkAdSeen(s.URL, category)
			if err != nil {
				pageLog.WithField("url", s.URL).Warnf("Seen store unavailable, processing anyway: %v", err)
			} else if !isNew {
				result.Duplicates++
				d.logPreviousOutcome(s.URL, pageLog)
				continue
			}
		}
		fresh = append(fresh, s)
	}
	return fresh, newInRun
}

func (d *Driver) logPreviousOutcome(adURL string, pageLog *logrus.Entry) {
	if !pageLog.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	status, entry, err := d.store.CheckAdStatus(adURL)
	if err != nil {
		return
	}
	fields := logrus.Fields{"url": adURL, "status": status}
	if entry != nil && entry.Reason != "" {
		fields["reason"] = entry.Reason
	}
	pageLog.WithFields(fields).Debug("Skipping ad finished in an earlier run")
}

func (d *Driver) accumulate(batch enrich.BatchResult, category string, result *models.CrawlResult, pageLog *logrus.Entry) {
	result.Records = append(result.Records, batch.Records...)
	d.accepted.Store(int64(len(result.Records)))
	if n := len(batch.Records); n > 0 {
		last := batch.Records[n-1]
		d.lastAccepted.Store(fmt.Sprintf("%s (%s)", utils.Truncate(last.Title, 60), last.URL))
	}
	result.Rejected += batch.Rejected
	result.Discarded += batch.Discarded
	result.DetailFailures += batch.Failed

	if d.store == nil {
		return
	}
	now := d.now()
	for _, o := range batch.Outcomes {
		if o.Status == models.AdStatusPending {
			continue
		}
		entry := &models.AdDBEntry{
			Status:      o.Status,
			Category:    category,
			ErrorType:   o.ErrorType,
			Reason:      o.Reason,
			LastAttempt: now,
		}
		if o.Status.IsFinal() {
			entry.ProcessedAt = now
		}
		if err := d.store.UpdateAdStatus(o.Stub.URL, entry); err != nil && !errors.Is(err, context.Canceled) {
			pageLog.WithField("url", o.Stub.URL).Warnf("Failed to record ad status: %v", err)
		}
	}
}

func (d *Driver) reportProgress(ctx context.Context, start time.Time, done <-chan struct{}, runLog *logrus.Entry) {
	interval := d.opts.ProgressInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields := logrus.Fields{
				"elapsed":  time.Since(start).Round(time.Second).String(),
				"accepted": fmt.Sprintf("%d/%d", d.Accepted(), d.opts.MaxAds),
			}
			if d.requests != nil {
				fields["succeeded"] = d.requests.Succeeded()
				fields["failed"] = d.requests.Failed()
			}
			if cur, ok := d.current.Load().(string); ok {
				fields["current"] = cur
			}
			if last, ok := d.lastAccepted.Load().(string); ok {
				fields["last_accepted"] = last
			}
			runLog.WithFields(fields).Info("Crawl progress")
		}
	}
}
