package enrich

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-crawler/pkg/extract"
	"listing-crawler/pkg/fetch"
	"listing-crawler/pkg/filter"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeFetcher struct {
	calls atomic.Int64
	fail  map[string]error
}

func (f *fakeFetcher) Execute(_ context.Context, rawURL string) (*fetch.Response, error) {
	f.calls.Add(1)
	if err, ok := f.fail[rawURL]; ok {
		return nil, err
	}
	title := rawURL[strings.LastIndex(rawURL, "/")+1:]
	return &fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte(title)}, nil
}

// titleExtractor uses the body as the title; "untitled" fails extraction.
type titleExtractor struct{}

func (titleExtractor) ExtractListingStubs(extract.Page) ([]models.ListingStub, error) { return nil, nil }

func (titleExtractor) ExtractDetail(page extract.Page) (models.AdRecord, error) {
	if string(page.Body) == "untitled" {
		return models.AdRecord{}, utils.WrapErrorf(utils.ErrExtraction, "no title on %s", page.URL)
	}
	return models.AdRecord{Title: string(page.Body), URL: page.URL}, nil
}

type sleepCounter struct {
	mu    sync.Mutex
	count int
}

func (s *sleepCounter) sleep(ctx context.Context, _ time.Duration) error {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return ctx.Err()
}

func stubs(n int) []models.ListingStub {
	out := make([]models.ListingStub, n)
	for i := range out {
		out[i] = models.ListingStub{URL: fmt.Sprintf("https://market.test/ad/%d", i+1), Category: "cat", Page: 1}
	}
	return out
}

func newTestPool(f Fetcher, accept AcceptFunc, width int, sc *sleepCounter) *Pool {
	cfg := Config{Width: width, CourtesyMin: time.Second, CourtesyMax: 3 * time.Second}
	return NewPool(f, titleExtractor{}, accept, cfg, utils.NewLockedRand(1), testLogger(), WithSleeper(sc.sleep))
}

func TestEnrich_CapOneKeepsOneRecord(t *testing.T) {
	f := &fakeFetcher{}
	sc := &sleepCounter{}
	p := newTestPool(f, nil, 5, sc)

	res := p.Enrich(context.Background(), stubs(3), 1)

	require.Len(t, res.Records, 1)
	assert.GreaterOrEqual(t, res.Dispatched, 1)
	assert.LessOrEqual(t, res.Dispatched, 3)
	assert.Equal(t, res.Dispatched-1, res.Discarded)
	assert.Equal(t, 1, sc.count, "courtesy delay only after the kept record")
}

func TestEnrich_NoDispatchAfterCapWithSingleSlot(t *testing.T) {
	f := &fakeFetcher{}
	p := newTestPool(f, nil, 1, &sleepCounter{})

	res := p.Enrich(context.Background(), stubs(3), 1)

	require.Len(t, res.Records, 1)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, "https://market.test/ad/1", res.Records[0].URL)
}

func TestEnrich_NonPositiveCapDispatchesNothing(t *testing.T) {
	for _, capRemaining := range []int{0, -2} {
		f := &fakeFetcher{}
		p := newTestPool(f, nil, 5, &sleepCounter{})

		res := p.Enrich(context.Background(), stubs(3), capRemaining)

		assert.Empty(t, res.Records)
		assert.Zero(t, res.Dispatched)
		assert.Zero(t, f.calls.Load())
	}
}

func TestEnrich_OutcomesAndFilter(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{
		"https://market.test/ad/2": fmt.Errorf("%w: %w", utils.ErrRetryFailed, utils.ErrBlocked),
	}}
	rejectThree := func(rec models.AdRecord) (bool, filter.Reason) {
		if rec.Title == "3" {
			return false, filter.ReasonRating
		}
		return true, filter.ReasonNone
	}
	sc := &sleepCounter{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Width: 2, CourtesyMin: time.Second, CourtesyMax: 3 * time.Second}
	p := NewPool(f, titleExtractor{}, rejectThree, cfg, utils.NewLockedRand(1), testLogger(),
		WithSleeper(sc.sleep), WithClock(func() time.Time { return now }))

	res := p.Enrich(context.Background(), stubs(4), 10)

	assert.Equal(t, 4, res.Dispatched)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Discarded)
	assert.Equal(t, 2, sc.count)
	for _, rec := range res.Records {
		assert.Equal(t, now, rec.ScrapedAt)
	}

	byURL := map[string]StubOutcome{}
	for _, o := range res.Outcomes {
		byURL[o.Stub.URL] = o
	}
	require.Len(t, byURL, 4)
	assert.Equal(t, models.AdStatusFailed, byURL["https://market.test/ad/2"].Status)
	assert.Equal(t, "RetryFailed_Blocked", byURL["https://market.test/ad/2"].ErrorType)
	assert.Equal(t, models.AdStatusRejected, byURL["https://market.test/ad/3"].Status)
	assert.Equal(t, string(filter.ReasonRating), byURL["https://market.test/ad/3"].Reason)
	assert.Equal(t, models.AdStatusAccepted, byURL["https://market.test/ad/1"].Status)
}

func TestEnrich_ExtractionFailureIsDropped(t *testing.T) {
	f := &fakeFetcher{}
	p := newTestPool(f, nil, 3, &sleepCounter{})
	in := []models.ListingStub{{URL: "https://market.test/ad/untitled"}, {URL: "https://market.test/ad/ok"}}

	res := p.Enrich(context.Background(), in, 5)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "ok", res.Records[0].Title)
	assert.Equal(t, 1, res.Failed)
}

func TestEnrich_CancelledContext(t *testing.T) {
	f := &fakeFetcher{}
	p := newTestPool(f, nil, 2, &sleepCounter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Enrich(ctx, stubs(5), 5)

	assert.Zero(t, res.Dispatched)
	assert.Empty(t, res.Records)
}
