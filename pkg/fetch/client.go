package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/config"
)

type proxyCtxKey struct{}

// WithProxy attaches a forward proxy to ctx. Requests built with the returned
// context are routed through it by clients created with NewClient.
func WithProxy(ctx context.Context, proxy *url.URL) context.Context {
	return context.WithValue(ctx, proxyCtxKey{}, proxy)
}

// proxyFromContext is the Transport.Proxy hook: a proxy on the request context
// wins, otherwise the environment settings apply.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	if p, ok := req.Context().Value(proxyCtxKey{}).(*url.URL); ok && p != nil {
		return p, nil
	}
	return http.ProxyFromEnvironment(req)
}

// NewClient creates the shared HTTP client. One transport serves every proxy;
// its connection pool is keyed by proxy, so per-attempt proxy switching is safe.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	log.Info("Initializing HTTP client...")

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  proxyFromContext,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	client := &http.Client{
		Timeout:   cfg.Timeout, // Bounds each attempt, not the whole retry sequence
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
	log.WithField("timeout", cfg.Timeout).Info("HTTP client initialized.")
	return client
}
