package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/metrics"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/rotate"
	"listing-crawler/pkg/utils"
)

// testConfig returns a validated AppConfig with default retry settings.
func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{CategoriesFile: "categories.txt"}
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// sleepRecorder replaces real sleeping and remembers every requested pause.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
	hook  func()
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (s *sleepRecorder) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.calls...)
}

// fakeIDs is a deterministic IdentitySource that counts forced rotations.
type fakeIDs struct {
	mu        sync.Mutex
	checks    int
	rotations int
	proxies   []models.ProxyEntry
}

func (f *fakeIDs) NotifyRotationCheck() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return false
}

func (f *fakeIDs) CurrentIdentity() models.Identity {
	return models.Identity{UserAgent: "test-agent/1.0", Accept: "text/html", AcceptLanguage: "nb"}
}

func (f *fakeIDs) SelectProxy() (models.ProxyEntry, bool) {
	if len(f.proxies) == 0 {
		return models.ProxyEntry{}, false
	}
	return f.proxies[0], true
}

func (f *fakeIDs) Rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
}

// statusServer returns status codes in sequence, repeating the last one.
func statusServer(t *testing.T, statusCodes []int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attempts := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attempts.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1
		}
		w.WriteHeader(statusCodes[idx])
		io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server, attempts
}

func newTestExecutor(t *testing.T, ids IdentitySource, rec *sleepRecorder, opts ...Option) *Executor {
	t.Helper()
	cfg := testConfig(t)
	client := NewClient(cfg.HTTPClientSettings, testLogger())
	opts = append(opts, WithSleeper(rec.Sleep))
	return NewExecutor(client, cfg, ids, utils.NewLockedRand(1), testLogger(), opts...)
}

func TestExecute_Success(t *testing.T) {
	server, attempts := statusServer(t, []int{http.StatusOK}, "<html>ok</html>")
	rec := &sleepRecorder{}
	exec := newTestExecutor(t, &fakeIDs{}, rec)

	resp, err := exec.Execute(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>ok</html>", string(resp.Body))
	assert.Equal(t, "direct", resp.Proxy)
	assert.EqualValues(t, 1, attempts.Load())
	assert.EqualValues(t, 1, exec.Succeeded())
	assert.EqualValues(t, 0, exec.Failed())
	assert.Empty(t, rec.Calls())
}

func TestExecute_AlwaysBlockedExhaustsAttempts(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			server, attempts := statusServer(t, []int{code}, "")
			rec := &sleepRecorder{}
			ids := &fakeIDs{}
			exec := newTestExecutor(t, ids, rec)

			resp, err := exec.Execute(context.Background(), server.URL)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, utils.ErrRetryFailed)
			assert.ErrorIs(t, err, utils.ErrBlocked)

			assert.EqualValues(t, 3, attempts.Load())
			assert.EqualValues(t, 3, exec.Failed())
			assert.EqualValues(t, 0, exec.Succeeded())
			assert.Equal(t, 3, ids.rotations)
			assert.Equal(t, 3, ids.checks)

			// rotation pause + backoff between attempts, none after the last one
			calls := rec.Calls()
			require.Len(t, calls, 4)
			for i, d := range calls {
				if i%2 == 0 {
					assert.GreaterOrEqual(t, d, 2*time.Second)
					assert.LessOrEqual(t, d, 5*time.Second)
				} else {
					assert.GreaterOrEqual(t, d, 5*time.Second)
					assert.LessOrEqual(t, d, 10*time.Second)
				}
			}
		})
	}
}

func TestExecute_RecoversAfterBlocking(t *testing.T) {
	server, attempts := statusServer(t, []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK}, "done")
	rec := &sleepRecorder{}
	exec := newTestExecutor(t, &fakeIDs{}, rec)

	resp, err := exec.Execute(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "done", string(resp.Body))
	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 1, exec.Succeeded())
	assert.EqualValues(t, 2, exec.Failed())
}

func TestExecute_PermanentStatusFailsImmediately(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusGone} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			server, attempts := statusServer(t, []int{code}, "")
			rec := &sleepRecorder{}
			ids := &fakeIDs{}
			exec := newTestExecutor(t, ids, rec)

			_, err := exec.Execute(context.Background(), server.URL)
			assert.ErrorIs(t, err, utils.ErrPermanentHTTP)
			assert.NotErrorIs(t, err, utils.ErrRetryFailed)
			assert.EqualValues(t, 1, attempts.Load())
			assert.EqualValues(t, 1, exec.Failed())
			assert.Equal(t, 0, ids.rotations)
			assert.Empty(t, rec.Calls())
		})
	}
}

func TestExecute_TransportErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	deadURL := server.URL
	server.Close()

	rec := &sleepRecorder{}
	ids := &fakeIDs{}
	exec := newTestExecutor(t, ids, rec)

	_, err := exec.Execute(context.Background(), deadURL)
	assert.ErrorIs(t, err, utils.ErrRetryFailed)
	assert.ErrorIs(t, err, utils.ErrTransport)
	assert.EqualValues(t, 3, exec.Failed())
	assert.Equal(t, 3, ids.rotations)
	assert.Len(t, rec.Calls(), 4)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	server, attempts := statusServer(t, []int{http.StatusTooManyRequests}, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{hook: cancel}
	exec := newTestExecutor(t, &fakeIDs{}, rec)

	_, err := exec.Execute(ctx, server.URL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestExecute_SendsIdentityHeaders(t *testing.T) {
	var gotUA, gotLang atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotLang.Store(r.Header.Get("Accept-Language"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := newTestExecutor(t, &fakeIDs{}, &sleepRecorder{})
	_, err := exec.Execute(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "test-agent/1.0", gotUA.Load())
	assert.Equal(t, "nb", gotLang.Load())
}

func TestExecute_RoutesThroughProxy(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy receives the absolute target URL.
		if r.URL.Host == "listing.invalid" {
			proxied.Add(1)
		}
		io.WriteString(w, "via proxy")
	}))
	defer proxy.Close()

	entry, err := models.ParseProxyEntry(strings.TrimPrefix(proxy.URL, "http://"))
	require.NoError(t, err)

	rot := rotate.NewRotator(rotate.Settings{MinThreshold: 3, MaxThreshold: 8, Probability: 0.3},
		[]models.ProxyEntry{entry}, utils.NewLockedRand(5), testLogger())
	exec := newTestExecutor(t, rot, &sleepRecorder{})

	resp, err := exec.Execute(context.Background(), "http://listing.invalid/ad/1")
	require.NoError(t, err)
	assert.Equal(t, "via proxy", string(resp.Body))
	assert.Equal(t, entry.String(), resp.Proxy)
	assert.EqualValues(t, 1, proxied.Load())
}

type staticChecker bool

func (s staticChecker) Check(context.Context, models.ProxyEntry) bool { return bool(s) }

func TestExecute_FailedProbeFallsBackToDirect(t *testing.T) {
	server, attempts := statusServer(t, []int{http.StatusOK}, "direct body")
	ids := &fakeIDs{proxies: []models.ProxyEntry{{Scheme: "http", Host: "127.0.0.1", Port: "1"}}}
	m := metrics.New()
	exec := newTestExecutor(t, ids, &sleepRecorder{}, WithProber(staticChecker(false)), WithMetrics(m))

	resp, err := exec.Execute(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "direct", resp.Proxy)
	assert.Equal(t, "direct body", string(resp.Body))
	assert.EqualValues(t, 1, attempts.Load())
}

func TestExecute_OtherSuccessStatusesArePermanent(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://market.test/empty", httpmock.NewStringResponder(http.StatusNoContent, ""))
	transport.RegisterResponder(http.MethodGet, "https://market.test/moved", httpmock.NewStringResponder(http.StatusNotModified, ""))

	cfg := testConfig(t)
	client := &http.Client{Transport: transport}
	exec := NewExecutor(client, cfg, &fakeIDs{}, utils.NewLockedRand(1), testLogger(), WithSleeper((&sleepRecorder{}).Sleep))

	for _, u := range []string{"https://market.test/empty", "https://market.test/moved"} {
		_, err := exec.Execute(context.Background(), u)
		assert.ErrorIs(t, err, utils.ErrPermanentHTTP, u)
	}
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestExecute_InvalidURL(t *testing.T) {
	exec := newTestExecutor(t, &fakeIDs{}, &sleepRecorder{})
	_, err := exec.Execute(context.Background(), "::not a url")
	assert.ErrorIs(t, err, utils.ErrParsing)
}

func TestExecute_RobotsDisallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			io.WriteString(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		io.WriteString(w, "page")
	}))
	defer server.Close()

	cfg := testConfig(t)
	client := NewClient(cfg.HTTPClientSettings, testLogger())
	exec := NewExecutor(client, cfg, &fakeIDs{}, utils.NewLockedRand(1), testLogger(),
		WithRobots(NewRobotsPolicy(client, testLogger())), WithSleeper((&sleepRecorder{}).Sleep))

	_, err := exec.Execute(context.Background(), server.URL+"/private/ad")
	assert.True(t, errors.Is(err, utils.ErrRobotsDisallowed))

	resp, err := exec.Execute(context.Background(), server.URL+"/public/ad")
	require.NoError(t, err)
	assert.Equal(t, "page", string(resp.Body))
}

func TestExecute_ConcurrentCountersAreExact(t *testing.T) {
	server, _ := statusServer(t, []int{http.StatusOK}, "x")
	exec := newTestExecutor(t, &fakeIDs{}, &sleepRecorder{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = exec.Execute(context.Background(), server.URL)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 20, exec.Succeeded())
}
