package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/metrics"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// IdentitySource supplies identities and proxies and decides on rotation.
// *rotate.Rotator implements it.
type IdentitySource interface {
	NotifyRotationCheck() bool
	CurrentIdentity() models.Identity
	SelectProxy() (models.ProxyEntry, bool)
	Rotate()
}

// Response is a successful (HTTP 200) fetch with its body fully read.
type Response struct {
	URL        string // Final URL after redirects
	StatusCode int
	Body       []byte
	Proxy      string // Proxy used, "direct" otherwise
}

// Executor performs GET requests with identity rotation, proxy selection and a
// bounded retry policy. Blocking statuses (403, 429, 503) and transport errors
// force a rotation and are retried after a randomized backoff; any other
// non-200 status fails immediately.
type Executor struct {
	client  *http.Client
	cfg     *config.AppConfig
	ids     IdentitySource
	prober  ProxyChecker
	robots  *RobotsPolicy
	limiter *rate.Limiter
	rnd     utils.Rand
	sleep   utils.Sleeper
	metrics *metrics.Metrics
	log     *logrus.Entry

	succeeded atomic.Int64
	failed    atomic.Int64
}

// Option customises an Executor.
type Option func(*Executor)

// WithProber enables proxy probing before use.
func WithProber(p ProxyChecker) Option { return func(e *Executor) { e.prober = p } }

// WithRobots makes the executor refuse URLs disallowed by robots.txt.
func WithRobots(rp *RobotsPolicy) Option { return func(e *Executor) { e.robots = rp } }

// WithMetrics records attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithSleeper replaces the context-aware sleep used for backoff.
func WithSleeper(s utils.Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// NewExecutor creates an Executor. cfg must already be validated.
func NewExecutor(client *http.Client, cfg *config.AppConfig, ids IdentitySource, rnd utils.Rand, log *logrus.Entry, opts ...Option) *Executor {
	e := &Executor{
		client: client,
		cfg:    cfg,
		ids:    ids,
		rnd:    rnd,
		sleep:  utils.SleepContext,
		log:    log.WithField("component", "executor"),
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := int(cfg.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Succeeded returns the number of attempts that got HTTP 200.
func (e *Executor) Succeeded() int64 { return e.succeeded.Load() }

// Failed returns the number of attempts that did not.
func (e *Executor) Failed() int64 { return e.failed.Load() }

// Execute fetches rawURL. On success the body is fully read and the connection
// released. On failure the error wraps one of utils.ErrRetryFailed,
// utils.ErrPermanentHTTP, utils.ErrRobotsDisallowed or a context error.
func (e *Executor) Execute(ctx context.Context, rawURL string) (*Response, error) {
	reqLog := e.log.WithField("url", rawURL)

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, utils.WrapErrorf(utils.ErrParsing, "invalid URL %q", rawURL)
	}

	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelledErr(err, lastErr)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, cancelledErr(err, lastErr)
			}
		}

		if e.ids.NotifyRotationCheck() {
			e.metrics.IncRotation("scheduled")
		}
		identity := e.ids.CurrentIdentity()

		if e.robots != nil && attempt == 1 && !e.robots.Allowed(ctx, target, identity.UserAgent) {
			reqLog.Warn("Disallowed by robots.txt")
			return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
		}

		attemptCtx, proxyLabel := e.routeAttempt(ctx, reqLog)
		attemptLog := reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": maxAttempts, "proxy": proxyLabel})

		start := time.Now()
		resp, err := e.do(attemptCtx, rawURL, identity)
		e.metrics.ObserveDuration(time.Since(start))

		if err == nil {
			e.succeeded.Add(1)
			e.metrics.IncRequest("success")
			resp.Proxy = proxyLabel
			attemptLog.Debug("Fetched")
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up mid-request; not a verdict on the target.
			return nil, cancelledErr(ctxErr, lastErr)
		}
		if errors.Is(err, utils.ErrRequestCreation) {
			return nil, err
		}

		e.failed.Add(1)
		switch {
		case errors.Is(err, utils.ErrPermanentHTTP):
			e.metrics.IncRequest("permanent")
			attemptLog.Warnf("Non-retryable response: %v", err)
			return nil, err
		case errors.Is(err, utils.ErrBlocked):
			e.metrics.IncRequest("blocked")
			attemptLog.Warnf("Blocking detected: %v", err)
		default:
			e.metrics.IncRequest("transport")
			attemptLog.Warnf("Request error: %v", err)
		}
		lastErr = err

		e.ids.Rotate()
		e.metrics.IncRotation("forced")
		if attempt == maxAttempts {
			break
		}

		e.metrics.IncRetries()
		pause := utils.DurationBetween(e.rnd, e.cfg.RotationPause.Min, e.cfg.RotationPause.Max)
		backoff := utils.DurationBetween(e.rnd, e.cfg.RetryBackoff.Min, e.cfg.RetryBackoff.Max)
		attemptLog.WithFields(logrus.Fields{"pause": pause, "backoff": backoff}).Info("Rotated identity, retrying after backoff")
		if err := e.sleep(ctx, pause); err != nil {
			return nil, cancelledErr(err, lastErr)
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, cancelledErr(err, lastErr)
		}
	}

	reqLog.WithField("error_type", utils.CategorizeError(lastErr)).Errorf("All %d attempts failed. Last error: %v", maxAttempts, lastErr)
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// routeAttempt picks a proxy for one attempt. A proxy failing its probe is
// skipped and the attempt connects directly.
func (e *Executor) routeAttempt(ctx context.Context, reqLog *logrus.Entry) (context.Context, string) {
	proxy, ok := e.ids.SelectProxy()
	if !ok {
		return ctx, "direct"
	}
	if e.prober != nil && !e.prober.Check(ctx, proxy) {
		e.metrics.IncProbeFailure()
		reqLog.WithField("proxy", proxy.String()).Warn("Proxy probe failed, connecting directly")
		return ctx, "direct"
	}
	return WithProxy(ctx, proxy.URL()), proxy.String()
}

// do performs a single attempt and classifies its result.
func (e *Executor) do(ctx context.Context, rawURL string, identity models.Identity) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	identity.Apply(req.Header)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
		httpResp.Body.Close()
	}()

	switch code := httpResp.StatusCode; code {
	case http.StatusOK:
		limit := e.cfg.MaxBodyBytes
		if limit <= 0 {
			limit = 10 << 20
		}
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, limit))
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %w", utils.ErrTransport, utils.ErrResponseBodyRead, err)
		}
		finalURL := rawURL
		if httpResp.Request != nil && httpResp.Request.URL != nil {
			finalURL = httpResp.Request.URL.String()
		}
		return &Response{URL: finalURL, StatusCode: code, Body: body}, nil
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrBlocked, code, http.StatusText(code))
	default:
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrPermanentHTTP, code, http.StatusText(code))
	}
}

func cancelledErr(ctxErr, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w (after: %v)", ctxErr, lastErr)
	}
	return ctxErr
}
