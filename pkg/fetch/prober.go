package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/models"
)

// ProxyChecker reports whether a proxy is usable right now.
type ProxyChecker interface {
	Check(ctx context.Context, proxy models.ProxyEntry) bool
}

// Prober checks a proxy by requesting a probe URL through it. Any response
// counts as alive. Results are cached for the configured TTL.
type Prober struct {
	probeURL string
	timeout  time.Duration
	cache    *expirable.LRU[string, bool] // nil when caching is disabled
	log      *logrus.Entry
}

// NewProber creates a prober from the proxy_probe settings.
func NewProber(cfg config.ProbeConfig, log *logrus.Entry) *Prober {
	p := &Prober{
		probeURL: cfg.URL,
		timeout:  cfg.Timeout,
		log:      log.WithField("component", "proxy_prober"),
	}
	if cfg.CacheTTL > 0 {
		p.cache = expirable.NewLRU[string, bool](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return p
}

// Check implements ProxyChecker.
func (p *Prober) Check(ctx context.Context, proxy models.ProxyEntry) bool {
	key := proxy.URL().String()
	if p.cache != nil {
		if alive, found := p.cache.Get(key); found {
			return alive
		}
	}
	alive := p.probe(ctx, proxy)
	if p.cache != nil {
		p.cache.Add(key, alive)
	}
	return alive
}

func (p *Prober) probe(ctx context.Context, proxy models.ProxyEntry) bool {
	probeLog := p.log.WithField("proxy", proxy.String())

	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxy.URL()),
		TLSHandshakeTimeout: p.timeout,
		DisableKeepAlives:   true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Timeout: p.timeout, Transport: transport}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		probeLog.Errorf("Cannot build probe request: %v", err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		probeLog.Debugf("Proxy probe failed: %v", err)
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	probeLog.WithField("status_code", resp.StatusCode).Debug("Proxy probe succeeded")
	return true
}
